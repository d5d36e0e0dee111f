package fetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"AuraFM/core/provider"
	"AuraFM/core/store"
	"AuraFM/model"
)

// ErrStreamStalled 追读等待超时
// 客户端应当重试；底层抓取可能仍在为其他读者继续
var ErrStreamStalled = errors.New("fetch: stream stalled")

// Session 单个 (TrackKey, variant) 的抓取会话
// 生命周期只覆盖抓取在途期间：条目转为 Complete 或 Failed、
// 且所有等待者收到通知后即被销毁
//
// 取代回调式进度事件的是"单写多追读"模式：
// 每写入一块或发生终态迁移时对条件变量做一次广播
type Session struct {
	key     model.TrackKey
	variant string
	entry   *store.Entry

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	cond *sync.Cond

	started   bool                // 解析完成、字节流已开始
	candidate *provider.Candidate // 母带抓取时为胜出候选；衍生转码无候选
	declared  int64               // 上游声明的总长度，-1 表示未知
	size      int64               // 已落盘字节数
	done      bool
	err       error

	waiters int // 附着的读者/等待者计数
}

func newSession(key model.TrackKey, variant string, entry *store.Entry) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		key:      key,
		variant:  variant,
		entry:    entry,
		ctx:      ctx,
		cancel:   cancel,
		declared: -1,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// setStarted 记录胜出候选与声明长度，唤醒等候首字节的读者
func (s *Session) setStarted(cand *provider.Candidate, declared int64) {
	s.mu.Lock()
	s.started = true
	s.candidate = cand
	s.declared = declared
	s.mu.Unlock()
	s.cond.Broadcast()
}

// append 记录新写入的字节并广播
// 同一会话的所有读者观察到单调增长的字节流，不会乱序或重复
func (s *Session) append(n int64) {
	s.mu.Lock()
	s.size += n
	s.mu.Unlock()
	s.cond.Broadcast()
}

// advance 把已落盘字节数推进到绝对值（外部进程写文件时由监视器调用）
func (s *Session) advance(size int64) {
	s.mu.Lock()
	if size > s.size {
		s.size = size
	}
	s.mu.Unlock()
	s.cond.Broadcast()
}

// finish 终态迁移并唤醒所有等待者
func (s *Session) finish(err error) {
	s.mu.Lock()
	s.done = true
	s.err = err
	s.mu.Unlock()
	s.cond.Broadcast()
	s.cancel()
}

// snapshot 读取当前进度
func (s *Session) snapshot() (size int64, declared int64, done bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size, s.declared, s.done, s.err
}

// timedWait 带超时的条件等待
// sync.Cond 原生不支持超时，用周期广播兜底；虚假唤醒由调用方循环消化
// 兜底必须是重复广播：一次性定时器可能在 Wait 入睡之前就打出唯一一枪
func (s *Session) timedWait(d time.Duration) {
	interval := d / 4
	if interval <= 0 || interval > 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	stop := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.cond.Broadcast()
			case <-stop:
				return
			}
		}
	}()
	s.cond.Wait()
	close(stop)
}

// awaitStarted 等待解析完成（或失败），返回胜出候选
func (s *Session) awaitStarted(timeout time.Duration) (*provider.Candidate, error) {
	deadline := time.Now().Add(timeout)
	s.mu.Lock()
	defer s.mu.Unlock()

	for !s.started && !s.done {
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, ErrStreamStalled
		}
		s.timedWait(remain)
	}
	if s.done && s.err != nil {
		return nil, s.err
	}
	return s.candidate, nil
}

// awaitAvailable 等待 offset 之后出现可读字节或会话终结
// 等待超时返回 ErrStreamStalled，绝不无限挂起——
// 挂死的生产者不能连带卡住全部读者
func (s *Session) awaitAvailable(offset int64, timeout time.Duration) (avail int64, done bool, err error) {
	deadline := time.Now().Add(timeout)
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.size <= offset && !s.done {
		remain := time.Until(deadline)
		if remain <= 0 {
			return s.size, false, ErrStreamStalled
		}
		s.timedWait(remain)
	}
	return s.size, s.done, s.err
}

// awaitDone 等待会话终结
func (s *Session) awaitDone(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.done {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// 周期醒来检查 ctx，取消方不持有条件变量、广播不可依赖
		s.timedWait(50 * time.Millisecond)
	}
	return s.err
}
