package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"AuraFM/core/provider"
	"AuraFM/core/store"
	"AuraFM/logger"
	"AuraFM/model"
)

// Resolver 解析管线的能力切面，便于在测试中替换
type Resolver interface {
	Resolve(ctx context.Context, ref model.TrackRef, quality model.Quality) (*provider.Candidate, error)
}

// Producer 衍生条目的生产函数（转码器注入）
// 把内容写到 outPath，通过 progress 上报已落盘的绝对字节数
type Producer func(ctx context.Context, outPath string, progress func(int64)) error

// Coordinator 抓取协调器
// 核心约束：同一 (TrackKey, variant) 任一时刻至多一次上游解析+抓取，
// 并发到达的请求全部附着到同一会话、消费同一份字节流
type Coordinator struct {
	store    *store.Store
	resolver Resolver
	client   *http.Client
	tailWait time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

// New 创建协调器
func New(st *store.Store, resolver Resolver, tailWait time.Duration) *Coordinator {
	if tailWait <= 0 {
		tailWait = 15 * time.Second
	}
	return &Coordinator{
		store:    st,
		resolver: resolver,
		client:   &http.Client{},
		tailWait: tailWait,
		sessions: make(map[string]*Session),
	}
}

func sessionKey(key model.TrackKey, variant string) string {
	return string(key) + "/" + variant
}

// OpenStream 打开曲目母带的读取流
// 缓存命中直接读；有在途会话则附着追读；否则发起新的解析+抓取
func (c *Coordinator) OpenStream(ctx context.Context, ref model.TrackRef, quality model.Quality) (*Reader, error) {
	key := ref.Key()
	variant := quality.MasterVariant()

	c.mu.Lock()
	// 已完成条目
	if e, ok := c.store.Stat(key, variant); ok && e.State == store.StateComplete {
		c.mu.Unlock()
		return c.openComplete(key, variant)
	}
	// 在途会话：附着为等待者，不发起新的上游抓取
	if sess, ok := c.sessions[sessionKey(key, variant)]; ok {
		sess.mu.Lock()
		sess.waiters++
		sess.mu.Unlock()
		c.mu.Unlock()

		logger.Debug("附着到在途抓取会话",
			logger.String("key", string(key)),
			logger.String("variant", variant))
		return c.attach(sess)
	}

	// 新会话
	entry, f, err := c.store.Create(key, variant)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	sess := newSession(key, variant, entry)
	sess.waiters = 1
	c.sessions[sessionKey(key, variant)] = sess
	c.mu.Unlock()

	logger.Info("发起新的抓取会话",
		logger.String("key", string(key)),
		logger.String("variant", variant),
		logger.String("quality", quality.String()))

	go c.runFetch(sess, f, ref, quality)

	return c.attach(sess)
}

// Derive 打开衍生条目（转码产物）的读取流，生产逻辑由调用方注入
// 复用同一张会话表做单飞：同格式的重复下载请求共享一次转码
func (c *Coordinator) Derive(ctx context.Context, key model.TrackKey, variant string, produce Producer) (*Reader, error) {
	c.mu.Lock()
	if e, ok := c.store.Stat(key, variant); ok && e.State == store.StateComplete {
		c.mu.Unlock()
		return c.openComplete(key, variant)
	}
	if sess, ok := c.sessions[sessionKey(key, variant)]; ok {
		sess.mu.Lock()
		sess.waiters++
		sess.mu.Unlock()
		c.mu.Unlock()
		return c.attach(sess)
	}

	entry, f, err := c.store.Create(key, variant)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	// 外部进程自己写文件，这里只占位并立刻关闭句柄
	f.Close()
	sess := newSession(key, variant, entry)
	sess.waiters = 1
	c.sessions[sessionKey(key, variant)] = sess
	c.mu.Unlock()

	go c.runProducer(sess, produce)

	return c.attach(sess)
}

// WaitComplete 阻塞到 (key, variant) 条目进入 Complete
// 转码器对母带的消费走这里：转码必须读完整文件，不追 Writing 条目
func (c *Coordinator) WaitComplete(ctx context.Context, key model.TrackKey, variant string) (*store.Entry, error) {
	c.mu.Lock()
	if e, ok := c.store.Stat(key, variant); ok && e.State == store.StateComplete {
		c.mu.Unlock()
		c.store.Touch(key, variant)
		return e, nil
	}
	sess, ok := c.sessions[sessionKey(key, variant)]
	if ok {
		sess.mu.Lock()
		sess.waiters++
		sess.mu.Unlock()
	}
	c.mu.Unlock()

	if !ok {
		return nil, store.ErrNotFound
	}

	defer c.release(sess)
	if err := sess.awaitDone(ctx); err != nil {
		return nil, err
	}
	e, found := c.store.Stat(key, variant)
	if !found || e.State != store.StateComplete {
		return nil, store.ErrNotFound
	}
	return e, nil
}

// EnsureMaster 确保母带存在并等待其完成，返回 Complete 条目
func (c *Coordinator) EnsureMaster(ctx context.Context, ref model.TrackRef, quality model.Quality) (*store.Entry, error) {
	key := ref.Key()
	variant := quality.MasterVariant()

	if e, ok := c.store.Stat(key, variant); ok && e.State == store.StateComplete {
		c.store.Touch(key, variant)
		return e, nil
	}

	r, err := c.OpenStream(ctx, ref, quality)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	if r.sess != nil {
		if err := r.sess.awaitDone(ctx); err != nil {
			return nil, err
		}
	}
	e, ok := c.store.Stat(key, variant)
	if !ok || e.State != store.StateComplete {
		return nil, store.ErrNotFound
	}
	return e, nil
}

// openComplete 从缓存直接打开已完成条目
func (c *Coordinator) openComplete(key model.TrackKey, variant string) (*Reader, error) {
	entry, f, err := c.store.OpenRead(key, variant)
	if err != nil {
		return nil, err
	}
	return &Reader{
		coord: c,
		f:     f,
		entry: *entry,
		size:  entry.Size,
	}, nil
}

// attach 为会话创建一个追读句柄（调用前 waiters 已计数）
func (c *Coordinator) attach(sess *Session) (*Reader, error) {
	// 等待首字节前先确认解析结果，让失败尽早暴露给调用方
	cand, err := sess.awaitStarted(c.tailWait)
	if err != nil {
		c.release(sess)
		return nil, err
	}

	f, err := os.Open(sess.entry.Path)
	if err != nil {
		// 会话刚刚完成、文件已被重命名的窗口
		if e, ok := c.store.Stat(sess.key, sess.variant); ok && e.State == store.StateComplete {
			c.release(sess)
			return c.openComplete(sess.key, sess.variant)
		}
		c.release(sess)
		return nil, fmt.Errorf("打开在途缓存文件失败: %w", err)
	}

	r := &Reader{
		coord: c,
		f:     f,
		sess:  sess,
		entry: *sess.entry,
		size:  -1,
	}
	if cand != nil {
		r.candidate = cand
	}
	return r, nil
}

// release 解除一个等待者；最后一个读者断开且抓取未完成时取消抓取，
// 避免为已无人等待的下载继续浪费上游带宽
func (c *Coordinator) release(sess *Session) {
	sess.mu.Lock()
	sess.waiters--
	last := sess.waiters <= 0 && !sess.done
	sess.mu.Unlock()

	if last {
		logger.Info("最后一个读者离开，取消在途抓取",
			logger.String("key", string(sess.key)),
			logger.String("variant", sess.variant))
		sess.cancel()
	}
}

// runFetch 会话生产侧：解析音源并把上游字节流灌入缓存文件
// 每写入一块就广播一次，附着的读者随文件增长继续读取而不必等完成
func (c *Coordinator) runFetch(sess *Session, f *os.File, ref model.TrackRef, quality model.Quality) {
	err := c.fetchInto(sess, f, ref, quality)
	f.Close()

	if err == nil {
		format := model.AudioFormat{}
		sess.mu.Lock()
		if sess.candidate != nil {
			format = sess.candidate.Format
		}
		sess.mu.Unlock()
		err = c.store.Complete(sess.entry, format)
	}
	if err != nil {
		// 上游断流或解码错误：清掉半成品，条目绝不能以截断状态进入 Complete
		c.store.Fail(sess.entry)
	}

	// 条目先完成终态迁移，会话再出表：
	// 顺序反过来会留下"Writing 条目却无会话"的窗口，新请求会踩中双写断言
	c.mu.Lock()
	delete(c.sessions, sessionKey(sess.key, sess.variant))
	c.mu.Unlock()

	sess.finish(err)

	if err != nil {
		logger.Error("抓取会话失败",
			logger.String("key", string(sess.key)),
			logger.String("variant", sess.variant),
			logger.ErrorField(err))
	}
}

func (c *Coordinator) fetchInto(sess *Session, f *os.File, ref model.TrackRef, quality model.Quality) error {
	cand, err := c.resolver.Resolve(sess.ctx, ref, quality)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(sess.ctx, http.MethodGet, cand.URL, nil)
	if err != nil {
		return fmt.Errorf("构造抓取请求失败: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("拉取媒体失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("媒体地址返回状态码 %d", resp.StatusCode)
	}

	sess.setStarted(cand, resp.ContentLength)

	logger.Info("开始灌入缓存",
		logger.String("key", string(sess.key)),
		logger.String("provider", cand.Provider),
		logger.Int64("declaredSize", resp.ContentLength))

	buf := make([]byte, 64<<10)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("写入缓存文件失败: %w", werr)
			}
			sess.append(int64(n))
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("上游字节流中断: %w", rerr)
		}
	}
}

// runProducer 衍生条目生产侧（转码）
func (c *Coordinator) runProducer(sess *Session, produce Producer) {
	sess.setStarted(nil, -1)

	err := produce(sess.ctx, sess.entry.Path, sess.advance)
	if err == nil {
		err = c.store.Complete(sess.entry, model.AudioFormat{})
	}
	if err != nil {
		c.store.Fail(sess.entry)
	}

	// 与 runFetch 相同：终态迁移先于会话出表
	c.mu.Lock()
	delete(c.sessions, sessionKey(sess.key, sess.variant))
	c.mu.Unlock()

	sess.finish(err)

	if err != nil {
		logger.Error("衍生条目生产失败",
			logger.String("key", string(sess.key)),
			logger.String("variant", sess.variant),
			logger.ErrorField(err))
	}
}

// TailWait 返回配置的追读等待超时
func (c *Coordinator) TailWait() time.Duration {
	return c.tailWait
}
