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

// StudioProvider Hi-Res 会话接口音源
// 通过会话令牌访问上游的 playback 接口，返回 24bit FLAC 级别的直链
type StudioProvider struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewStudioProvider 创建 Hi-Res 音源适配器
func NewStudioProvider(baseURL, token string) *StudioProvider {
	return &StudioProvider{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{},
	}
}

func (p *StudioProvider) Name() string { return "studio" }

func (p *StudioProvider) Tier() model.QualityTier { return model.TierHiRes }

// Resolve 获取 Hi-Res 播放直链
func (p *StudioProvider) Resolve(ctx context.Context, ref model.TrackRef) (*Candidate, error) {
	if p.baseURL == "" || p.token == "" {
		return nil, fmt.Errorf("studio 未配置会话令牌: %w", ErrUnavailable)
	}
	if ref.ID == "" {
		// 会话接口只认曲目ID，查询串走提取型音源
		return nil, ErrNotFound
	}

	endpoint := fmt.Sprintf("%s/v1/tracks/%s/playback?quality=HI_RES_LOSSLESS", p.baseURL, url.PathEscape(ref.ID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("studio 请求失败: %w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFound
	case http.StatusTooManyRequests:
		logger.Warn("studio 音源触发限流", logger.String("trackId", ref.ID))
		return nil, ErrRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("studio 会话令牌失效: %w", ErrUnavailable)
	default:
		return nil, fmt.Errorf("studio 返回状态码 %d: %w", resp.StatusCode, ErrUnavailable)
	}

	var result struct {
		URL        string `json:"url"`
		BitDepth   int    `json:"bitDepth"`
		SampleRate int    `json:"sampleRate"`
		Codec      string `json:"codec"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("解析 studio 响应失败: %w: %v", ErrUnavailable, err)
	}
	if result.URL == "" {
		return nil, ErrNotFound
	}

	codec := result.Codec
	if codec == "" {
		codec = "flac"
	}

	logger.Debug("studio 解析成功",
		logger.String("trackId", ref.ID),
		logger.Int("bitDepth", result.BitDepth),
		logger.Int("sampleRate", result.SampleRate))

	return &Candidate{
		Provider: p.Name(),
		URL:      result.URL,
		Tier:     model.TierHiRes,
		Format:   model.AudioFormat{Codec: codec, BitDepth: result.BitDepth, SampleRate: result.SampleRate},
	}, nil
}
