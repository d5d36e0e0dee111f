package export

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"AuraFM/core/fetch"
	"AuraFM/logger"
	"AuraFM/model"
)

// JobState 导出任务状态
type JobState string

const (
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// Failure 单曲失败记录
type Failure struct {
	TrackID string `json:"trackId"`
	Title   string `json:"title"`
	Reason  string `json:"reason"`
}

// Job 批量导出任务
// 分卷按请求列表的原始顺序切分：第 n 卷装第 n*S 到 n*S+S-1 首，
// 失败的曲目记录后跳过，不会让整个任务失败
type Job struct {
	ID        string    `json:"id"`
	State     JobState  `json:"state"`
	Format    string    `json:"format"`
	Total     int       `json:"total"`
	Completed int       `json:"completed"`
	Failures  []Failure `json:"failures"`
	Parts     []string  `json:"parts"` // 已完成分卷的文件名
	PartCount int       `json:"partCount"`
	CreatedAt time.Time `json:"createdAt"`

	// 指针互斥量让任务快照可以按值返回
	mu *sync.Mutex
}

// Event 导出进度事件，通过 WebSocket 推送给订阅方
type Event struct {
	JobID     string `json:"jobId"`
	Type      string `json:"type"` // track / track-failed / part / done
	TrackID   string `json:"trackId,omitempty"`
	Part      string `json:"part,omitempty"`
	Completed int    `json:"completed"`
	Total     int    `json:"total"`
	Reason    string `json:"reason,omitempty"`
}

// Opener 下载流的打开能力，由转码器实现
type Opener interface {
	Open(ctx context.Context, ref model.TrackRef, quality model.Quality, format model.DownloadFormat) (*fetch.Reader, error)
}

// ErrJobNotFound 任务不存在
var ErrJobNotFound = errors.New("export: job not found")

// Exporter 批量导出服务
type Exporter struct {
	opener   Opener
	dir      string
	partSize int // 单个分卷的曲目数上限
	parallel int // 并行处理的分卷数

	mu   sync.Mutex
	jobs map[string]*Job
	subs map[string][]chan Event
}

// New 创建导出服务
func New(opener Opener, dir string, partSize, parallel int) (*Exporter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建导出目录失败: %w", err)
	}
	if partSize <= 0 {
		partSize = 50
	}
	if parallel <= 0 {
		parallel = 2
	}
	return &Exporter{
		opener:   opener,
		dir:      dir,
		partSize: partSize,
		parallel: parallel,
		jobs:     make(map[string]*Job),
		subs:     make(map[string][]chan Event),
	}, nil
}

// Submit 提交批量导出任务，立即返回任务标识，处理在后台进行
func (e *Exporter) Submit(refs []model.TrackRef, quality model.Quality, format model.DownloadFormat) (*Job, error) {
	if len(refs) == 0 {
		return nil, errors.New("export: empty track list")
	}

	partCount := (len(refs) + e.partSize - 1) / e.partSize
	job := &Job{
		ID:        uuid.NewString(),
		State:     JobRunning,
		Format:    format.Name,
		Total:     len(refs),
		PartCount: partCount,
		CreatedAt: time.Now(),
		mu:        &sync.Mutex{},
	}

	e.mu.Lock()
	e.jobs[job.ID] = job
	e.mu.Unlock()

	logger.Info("批量导出任务已提交",
		logger.String("jobId", job.ID),
		logger.String("format", format.Name),
		logger.Int("tracks", len(refs)),
		logger.Int("parts", partCount))

	go e.run(job, refs, quality, format)
	return job, nil
}

// Job 查询任务快照
func (e *Exporter) Job(id string) (Job, error) {
	e.mu.Lock()
	job, ok := e.jobs[id]
	e.mu.Unlock()
	if !ok {
		return Job{}, ErrJobNotFound
	}

	job.mu.Lock()
	defer job.mu.Unlock()
	snap := Job{
		ID:        job.ID,
		State:     job.State,
		Format:    job.Format,
		Total:     job.Total,
		Completed: job.Completed,
		Failures:  append([]Failure(nil), job.Failures...),
		Parts:     append([]string(nil), job.Parts...),
		PartCount: job.PartCount,
		CreatedAt: job.CreatedAt,
	}
	return snap, nil
}

// PartPath 返回分卷文件的绝对路径
func (e *Exporter) PartPath(jobID string, n int) (string, error) {
	job, err := e.Job(jobID)
	if err != nil {
		return "", err
	}
	if n < 1 || n > job.PartCount {
		return "", fmt.Errorf("export: part %d out of range", n)
	}
	name := partName(jobID, n)
	for _, p := range job.Parts {
		if p == name {
			return filepath.Join(e.dir, name), nil
		}
	}
	return "", fmt.Errorf("export: part %d not ready", n)
}

// Subscribe 订阅任务的进度事件
func (e *Exporter) Subscribe(jobID string) (<-chan Event, func()) {
	ch := make(chan Event, 32)
	e.mu.Lock()
	e.subs[jobID] = append(e.subs[jobID], ch)
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		list := e.subs[jobID]
		for i, c := range list {
			if c == ch {
				e.subs[jobID] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

func (e *Exporter) publish(ev Event) {
	e.mu.Lock()
	list := append([]chan Event(nil), e.subs[ev.JobID]...)
	e.mu.Unlock()

	for _, ch := range list {
		// 慢订阅者直接丢事件，终态快照始终可通过任务查询拿到
		select {
		case ch <- ev:
		default:
		}
	}
}

// run 任务主体：各分卷并行处理，分卷内按请求顺序逐曲写入
func (e *Exporter) run(job *Job, refs []model.TrackRef, quality model.Quality, format model.DownloadFormat) {
	ctx := context.Background()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallel)

	for n := 1; n <= job.PartCount; n++ {
		lo := (n - 1) * e.partSize
		hi := lo + e.partSize
		if hi > len(refs) {
			hi = len(refs)
		}
		part := n
		chunk := refs[lo:hi]
		g.Go(func() error {
			return e.writePart(ctx, job, part, chunk, quality, format)
		})
	}

	err := g.Wait()

	job.mu.Lock()
	if err != nil {
		job.State = JobFailed
	} else {
		job.State = JobDone
	}
	completed, total := job.Completed, job.Total
	failures := len(job.Failures)
	job.mu.Unlock()

	logger.Info("批量导出任务结束",
		logger.String("jobId", job.ID),
		logger.String("state", string(job.State)),
		logger.Int("completed", completed),
		logger.Int("failed", failures))

	e.publish(Event{JobID: job.ID, Type: "done", Completed: completed, Total: total})
}

// writePart 生成一个 zip 分卷
func (e *Exporter) writePart(ctx context.Context, job *Job, n int, chunk []model.TrackRef, quality model.Quality, format model.DownloadFormat) error {
	name := partName(job.ID, n)
	path := filepath.Join(e.dir, name)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("创建分卷文件失败: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)

	for _, ref := range chunk {
		if ctx.Err() != nil {
			zw.Close()
			return ctx.Err()
		}
		if err := e.addTrack(ctx, zw, ref, quality, format); err != nil {
			// 单曲失败只记录，分卷继续
			job.mu.Lock()
			job.Failures = append(job.Failures, Failure{
				TrackID: ref.ID,
				Title:   ref.Title,
				Reason:  err.Error(),
			})
			total := job.Total
			completed := job.Completed
			job.mu.Unlock()

			logger.Warn("导出单曲失败，跳过",
				logger.String("jobId", job.ID),
				logger.String("trackId", ref.ID),
				logger.ErrorField(err))
			e.publish(Event{JobID: job.ID, Type: "track-failed", TrackID: ref.ID,
				Completed: completed, Total: total, Reason: err.Error()})
			continue
		}

		job.mu.Lock()
		job.Completed++
		completed, total := job.Completed, job.Total
		job.mu.Unlock()
		e.publish(Event{JobID: job.ID, Type: "track", TrackID: ref.ID,
			Completed: completed, Total: total})
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("收尾分卷失败: %w", err)
	}

	job.mu.Lock()
	job.Parts = append(job.Parts, name)
	completed, total := job.Completed, job.Total
	job.mu.Unlock()
	e.publish(Event{JobID: job.ID, Type: "part", Part: name, Completed: completed, Total: total})
	return nil
}

// addTrack 把一首曲目的转码产物写进 zip
func (e *Exporter) addTrack(ctx context.Context, zw *zip.Writer, ref model.TrackRef, quality model.Quality, format model.DownloadFormat) error {
	r, err := e.opener.Open(ctx, ref, quality, format)
	if err != nil {
		return err
	}
	defer r.Close()

	w, err := zw.Create(sanitizeName(ref.DisplayName()) + format.Ext)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		return fmt.Errorf("写入压缩流失败: %w", err)
	}
	return nil
}

func partName(jobID string, n int) string {
	return fmt.Sprintf("%s-part%02d.zip", jobID, n)
}

// sanitizeName 清理 zip 条目名里的路径分隔符等危险字符
func sanitizeName(s string) string {
	out := make([]rune, 0, len(s))
	for _, c := range s {
		switch c {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			out = append(out, '_')
		default:
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return "track"
	}
	return string(out)
}
