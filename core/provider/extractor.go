package provider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"AuraFM/logger"
	"AuraFM/model"
)

// ExtractorProvider 通用提取型音源
// 调用外部 yt-dlp 进程，把"艺术家 标题"查询串解析为可直接拉取的音频直链
// 质量最低但覆盖面最广，永远作为兜底排在最后
type ExtractorProvider struct {
	ytdlpPath string
}

// NewExtractorProvider 创建提取型音源适配器
func NewExtractorProvider(ytdlpPath string) *ExtractorProvider {
	if ytdlpPath == "" {
		ytdlpPath = "yt-dlp"
	}
	return &ExtractorProvider{ytdlpPath: ytdlpPath}
}

func (p *ExtractorProvider) Name() string { return "extractor" }

func (p *ExtractorProvider) Tier() model.QualityTier { return model.TierLossy }

// Resolve 用 yt-dlp -g 解析最佳音频直链
func (p *ExtractorProvider) Resolve(ctx context.Context, ref model.TrackRef) (*Candidate, error) {
	query := ref.SearchQuery()
	if strings.TrimSpace(query) == "" {
		return nil, ErrNotFound
	}

	args := []string{
		"-g",
		"-f", "bestaudio",
		"--no-playlist",
		"ytsearch1:" + query,
	}

	cmd := exec.CommandContext(ctx, p.ytdlpPath, args...)
	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	logger.Debug("执行提取命令",
		logger.String("path", p.ytdlpPath),
		logger.String("query", query))

	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("提取超时: %w", ErrUnavailable)
		case strings.Contains(msg, "429") || strings.Contains(msg, "rate-limit"):
			logger.Warn("提取音源触发限流", logger.String("query", query))
			return nil, ErrRateLimited
		case strings.Contains(msg, "No video results") || strings.Contains(msg, "Unable to find"):
			return nil, ErrNotFound
		default:
			return nil, fmt.Errorf("yt-dlp 执行失败: %w: %v\n%s", ErrUnavailable, err, msg)
		}
	}

	mediaURL := strings.TrimSpace(out.String())
	if mediaURL == "" {
		return nil, ErrNotFound
	}
	// 多行输出时只取第一条（bestaudio 正常只有一条）
	if idx := strings.IndexByte(mediaURL, '\n'); idx >= 0 {
		mediaURL = mediaURL[:idx]
	}

	logger.Debug("提取解析成功", logger.String("query", query))

	return &Candidate{
		Provider: p.Name(),
		URL:      mediaURL,
		Tier:     model.TierLossy,
		Format:   model.AudioFormat{Codec: "opus"},
		Bitrate:  160,
	}, nil
}
