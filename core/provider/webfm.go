package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"AuraFM/logger"
	"AuraFM/model"
)

// WebFMProvider 标准无损公开接口音源
// 走公开的 song/url 端点，无需会话，返回 16bit FLAC 级别的直链
type WebFMProvider struct {
	baseURL string
	client  *http.Client
}

// NewWebFMProvider 创建标准无损音源适配器
func NewWebFMProvider(baseURL string) *WebFMProvider {
	return &WebFMProvider{
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

func (p *WebFMProvider) Name() string { return "webfm" }

func (p *WebFMProvider) Tier() model.QualityTier { return model.TierLossless }

// Resolve 获取无损播放直链
func (p *WebFMProvider) Resolve(ctx context.Context, ref model.TrackRef) (*Candidate, error) {
	if p.baseURL == "" {
		return nil, fmt.Errorf("webfm 未配置接口地址: %w", ErrUnavailable)
	}
	if ref.ID == "" {
		return nil, ErrNotFound
	}

	// 外部标识不可信，进查询串前必须转义
	endpoint := fmt.Sprintf("%s/song/url?id=%s&level=lossless", p.baseURL, url.QueryEscape(ref.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	// 设置cookie确保返回正常码率的url
	req.AddCookie(&http.Cookie{Name: "os", Value: "pc"})

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webfm 请求失败: %w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		logger.Warn("webfm 音源触发限流", logger.String("trackId", ref.ID))
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webfm 返回状态码 %d: %w", resp.StatusCode, ErrUnavailable)
	}

	var result struct {
		Data []struct {
			ID   int64  `json:"id"`
			URL  string `json:"url"`
			Br   int    `json:"br"`
			Type string `json:"type"`
		} `json:"data"`
		Code int    `json:"code"`
		Msg  string `json:"msg,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("解析 webfm 响应失败: %w: %v", ErrUnavailable, err)
	}

	// 上游用业务码表达限流
	if result.Code == 405 || result.Code == 429 {
		logger.Warn("webfm 业务码限流",
			logger.String("trackId", ref.ID),
			logger.Int("code", result.Code))
		return nil, ErrRateLimited
	}
	if result.Code != 200 {
		return nil, fmt.Errorf("webfm 业务错误: %s (code: %d): %w", result.Msg, result.Code, ErrUnavailable)
	}
	if len(result.Data) == 0 || result.Data[0].URL == "" {
		// URL为空通常是版权限制，对该音源而言等同未找到
		return nil, ErrNotFound
	}

	codec := result.Data[0].Type
	if codec == "" {
		codec = "flac"
	}

	logger.Debug("webfm 解析成功",
		logger.String("trackId", ref.ID),
		logger.Int("bitrate", result.Data[0].Br/1000))

	return &Candidate{
		Provider: p.Name(),
		URL:      result.Data[0].URL,
		Tier:     model.TierLossless,
		Format:   model.AudioFormat{Codec: codec, BitDepth: 16, SampleRate: 44100},
		Bitrate:  result.Data[0].Br / 1000,
	}, nil
}
