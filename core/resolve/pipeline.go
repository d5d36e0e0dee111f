package resolve

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"AuraFM/core/provider"
	"AuraFM/logger"
	"AuraFM/model"

	"github.com/cenkalti/backoff/v4"
)

// Options 解析管线参数
type Options struct {
	AttemptTimeout time.Duration // 单个音源单次尝试超时
	Cooldown       time.Duration // 限流冷却窗口
	MaxRetries     uint64        // 单个音源内对瞬时故障的重试次数上限
}

// Pipeline 按质量/可靠性策略依次尝试各音源的解析管线
// 冷却表是进程级共享状态：被限流的音源在窗口内对所有请求跳过，
// 只靠时间流逝复位，无需额外清理
type Pipeline struct {
	providers []provider.Provider
	opts      Options

	cooldownMu sync.Mutex
	cooldown   map[string]time.Time // 音源名 -> 冷却到期时刻
}

// NewPipeline 创建解析管线
func NewPipeline(providers []provider.Provider, opts Options) *Pipeline {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 8 * time.Second
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 90 * time.Second
	}
	return &Pipeline{
		providers: providers,
		opts:      opts,
		cooldown:  make(map[string]time.Time),
	}
}

// Resolve 依次尝试各音源，返回第一个可用候选
// 所有音源耗尽时返回聚合的 ResolutionError，尝试次数以配置的音源数为界，绝不无限重试
func (p *Pipeline) Resolve(ctx context.Context, ref model.TrackRef, quality model.Quality) (*provider.Candidate, error) {
	ordered := p.order(quality)
	attempts := make(map[string]error, len(ordered))

	for _, prov := range ordered {
		if remain, cooled := p.inCooldown(prov.Name()); cooled {
			logger.Debug("音源冷却中，跳过",
				logger.String("provider", prov.Name()),
				logger.Duration("remaining", remain))
			attempts[prov.Name()] = provider.ErrRateLimited
			continue
		}

		cand, err := p.tryProvider(ctx, prov, ref)
		if err == nil {
			logger.Info("解析成功",
				logger.String("provider", prov.Name()),
				logger.String("trackId", ref.ID),
				logger.String("tier", cand.Tier.String()))
			return cand, nil
		}

		attempts[prov.Name()] = err

		switch {
		case errors.Is(err, provider.ErrRateLimited):
			p.startCooldown(prov.Name())
			logger.Warn("音源被限流，进入冷却",
				logger.String("provider", prov.Name()),
				logger.Duration("cooldown", p.opts.Cooldown))
		case errors.Is(err, provider.ErrNotFound):
			logger.Debug("音源未找到曲目",
				logger.String("provider", prov.Name()),
				logger.String("trackId", ref.ID))
		default:
			logger.Warn("音源不可用",
				logger.String("provider", prov.Name()),
				logger.ErrorField(err))
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	logger.Error("所有音源耗尽，解析失败",
		logger.String("trackId", ref.ID),
		logger.String("title", ref.Title),
		logger.Int("providers", len(ordered)))

	return nil, &provider.ResolutionError{Attempts: attempts}
}

// tryProvider 对单个音源做一次带超时的解析，瞬时故障按指数退避有限重试
func (p *Pipeline) tryProvider(ctx context.Context, prov provider.Provider, ref model.TrackRef) (*provider.Candidate, error) {
	var cand *provider.Candidate

	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.opts.AttemptTimeout)
		defer cancel()

		c, err := prov.Resolve(attemptCtx, ref)
		if err != nil {
			// 只有瞬时故障值得原地重试；限流和未找到直接向上抛
			if errors.Is(err, provider.ErrRateLimited) || errors.Is(err, provider.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		cand = c
		return nil
	}

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.opts.MaxRetries)
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("%s: %w", prov.Name(), err)
	}
	return cand, nil
}

// order 按策略给音源排序
// Hi-Res 模式：hi-res > lossless > lossy；标准模式：lossless > hi-res > lossy
// 提取型兜底音源（lossy）永远排在最后
func (p *Pipeline) order(quality model.Quality) []provider.Provider {
	ordered := make([]provider.Provider, len(p.providers))
	copy(ordered, p.providers)

	rank := func(t model.QualityTier) int {
		if quality == model.QualityHiRes {
			// 层级越高越优先
			return -int(t)
		}
		switch t {
		case model.TierLossless:
			return 0
		case model.TierHiRes:
			return 1
		default:
			return 2
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return rank(ordered[i].Tier()) < rank(ordered[j].Tier())
	})
	return ordered
}

func (p *Pipeline) inCooldown(name string) (time.Duration, bool) {
	p.cooldownMu.Lock()
	defer p.cooldownMu.Unlock()
	until, ok := p.cooldown[name]
	if !ok {
		return 0, false
	}
	remain := time.Until(until)
	if remain <= 0 {
		delete(p.cooldown, name)
		return 0, false
	}
	return remain, true
}

func (p *Pipeline) startCooldown(name string) {
	p.cooldownMu.Lock()
	defer p.cooldownMu.Unlock()
	p.cooldown[name] = time.Now().Add(p.opts.Cooldown)
}
