package provider

import (
	"context"
	"errors"
	"fmt"

	"AuraFM/model"
)

// 音源错误分类
// RateLimited 必须与 NotFound 区分开：前者触发冷却，后者只是该音源没有这首歌
var (
	ErrNotFound    = errors.New("provider: track not found")
	ErrRateLimited = errors.New("provider: rate limited")
	ErrUnavailable = errors.New("provider: upstream unavailable")
)

// Candidate 单个音源返回的候选媒体定位
// 短生命周期对象：由解析管线立即消费，不做持久化
type Candidate struct {
	Provider string            // 来源音源名
	URL      string            // 可直接 GET 的媒体地址
	Tier     model.QualityTier // 质量层级
	Format   model.AudioFormat // 上游声明的编码参数（可能不完整）
	Bitrate  int               // kbps，有损时参考
}

// Provider 音源适配器的唯一能力接口
// 新增音源只需实现 Resolve 并在策略排序中登记，不存在继承关系
type Provider interface {
	// Name 音源标识，用于日志与冷却表
	Name() string

	// Tier 该音源能提供的最高质量层级，决定回退顺序
	Tier() model.QualityTier

	// Resolve 把曲目描述解析为候选媒体定位
	// 失败时返回 ErrNotFound / ErrRateLimited / ErrUnavailable 之一（可包装）
	Resolve(ctx context.Context, ref model.TrackRef) (*Candidate, error)
}

// ResolutionError 所有音源耗尽后的聚合错误
type ResolutionError struct {
	Attempts map[string]error // 音源名 -> 该音源的最终错误
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolution failed: no playable source among %d providers", len(e.Attempts))
}

// IsResolutionFailed 判断是否为全部音源耗尽
func IsResolutionFailed(err error) bool {
	var re *ResolutionError
	return errors.As(err, &re)
}
