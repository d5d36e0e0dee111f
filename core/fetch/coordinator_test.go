package fetch

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AuraFM/core/provider"
	"AuraFM/core/store"
	"AuraFM/model"
)

// fixedResolver 固定返回指向测试上游的候选
type fixedResolver struct {
	url   string
	tier  model.QualityTier
	calls int32
	err   error
}

func (f *fixedResolver) Resolve(ctx context.Context, ref model.TrackRef, quality model.Quality) (*provider.Candidate, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Candidate{
		Provider: "test",
		URL:      f.url,
		Tier:     f.tier,
		Format:   model.AudioFormat{Codec: "flac", BitDepth: 16, SampleRate: 44100},
	}, nil
}

// slowUpstream 分块缓慢吐出内容的测试上游，统计命中次数
func slowUpstream(t *testing.T, content []byte, hits *int32) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)

		flusher := w.(http.Flusher)
		const chunk = 8 << 10
		for off := 0; off < len(content); off += chunk {
			end := off + chunk
			if end > len(content) {
				end = len(content)
			}
			w.Write(content[off:end])
			flusher.Flush()
			time.Sleep(2 * time.Millisecond)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestCoordinator(t *testing.T, resolver Resolver) (*Coordinator, *store.Store) {
	st, err := store.New(t.TempDir(), 1<<30)
	require.NoError(t, err)
	return New(st, resolver, 5*time.Second), st
}

func randomContent(t *testing.T, n int) []byte {
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func TestConcurrentStreamsSingleFetch(t *testing.T) {
	content := randomContent(t, 256<<10)
	var hits int32
	srv := slowUpstream(t, content, &hits)

	resolver := &fixedResolver{url: srv.URL, tier: model.TierLossless}
	coord, st := newTestCoordinator(t, resolver)

	ref := model.TrackRef{ID: "track1", Title: "T"}
	const readers = 8

	var wg sync.WaitGroup
	results := make([][]byte, readers)
	errs := make([]error, readers)

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := coord.OpenStream(context.Background(), ref, model.QualityStandard)
			if err != nil {
				errs[i] = err
				return
			}
			defer r.Close()
			results[i], errs[i] = io.ReadAll(r)
		}(i)
	}
	wg.Wait()

	// 并发读者全部拿到逐字节一致的完整内容，上游只被打了一次
	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i], "reader %d", i)
		assert.True(t, bytes.Equal(content, results[i]), "reader %d content mismatch", i)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
	assert.Equal(t, int32(1), atomic.LoadInt32(&resolver.calls))

	// 条目已沉淀为 Complete，后续请求直接走缓存
	e, ok := st.Stat(ref.Key(), "src-std")
	require.True(t, ok)
	assert.Equal(t, store.StateComplete, e.State)
	assert.Equal(t, int64(len(content)), e.Size)

	r, err := coord.OpenStream(context.Background(), ref, model.QualityStandard)
	require.NoError(t, err)
	defer r.Close()
	assert.True(t, r.Complete())
	again, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, again))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "cache hit must not touch upstream")
}

func TestFailedFetchNotCached(t *testing.T) {
	content := randomContent(t, 8<<10)
	var broken int32 = 1
	var hits int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if atomic.LoadInt32(&broken) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(content)
	}))
	t.Cleanup(srv.Close)

	resolver := &fixedResolver{url: srv.URL, tier: model.TierLossless}
	coord, st := newTestCoordinator(t, resolver)
	ref := model.TrackRef{ID: "flaky"}

	_, err := coord.OpenStream(context.Background(), ref, model.QualityStandard)
	require.Error(t, err)

	// 失败不留痕：条目不存在，磁盘上没有残片
	_, ok := st.Stat(ref.Key(), "src-std")
	assert.False(t, ok)
	files, err := os.ReadDir(st.Dir())
	require.NoError(t, err)
	assert.Empty(t, files)

	// 上游恢复后的下一次请求从头重试
	atomic.StoreInt32(&broken, 0)
	r, err := coord.OpenStream(context.Background(), ref, model.QualityStandard)
	require.NoError(t, err)
	defer r.Close()
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content, got))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestResolutionErrorPropagatesToAllWaiters(t *testing.T) {
	resolver := &fixedResolver{err: &provider.ResolutionError{Attempts: map[string]error{
		"studio": provider.ErrNotFound,
	}}}
	coord, _ := newTestCoordinator(t, resolver)
	ref := model.TrackRef{ID: "nope"}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = coord.OpenStream(context.Background(), ref, model.QualityStandard)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.Error(t, err, "waiter %d", i)
		assert.True(t, provider.IsResolutionFailed(err), "waiter %d", i)
	}
}

func TestWaitCompleteBlocksUntilDone(t *testing.T) {
	content := randomContent(t, 64<<10)
	var hits int32
	srv := slowUpstream(t, content, &hits)

	resolver := &fixedResolver{url: srv.URL, tier: model.TierLossless}
	coord, _ := newTestCoordinator(t, resolver)
	ref := model.TrackRef{ID: "track1"}

	r, err := coord.OpenStream(context.Background(), ref, model.QualityStandard)
	require.NoError(t, err)
	defer r.Close()

	entry, err := coord.WaitComplete(context.Background(), ref.Key(), "src-std")
	require.NoError(t, err)
	assert.Equal(t, store.StateComplete, entry.State)
	assert.Equal(t, int64(len(content)), entry.Size)
}

func TestDeriveSingleFlight(t *testing.T) {
	coord, _ := newTestCoordinator(t, &fixedResolver{})
	content := randomContent(t, 32<<10)

	var produced int32
	produce := func(ctx context.Context, outPath string, progress func(int64)) error {
		atomic.AddInt32(&produced, 1)
		f, err := os.OpenFile(outPath, os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		defer f.Close()
		const chunk = 4 << 10
		var written int64
		for off := 0; off < len(content); off += chunk {
			end := off + chunk
			if end > len(content) {
				end = len(content)
			}
			if _, err := f.Write(content[off:end]); err != nil {
				return err
			}
			written += int64(end - off)
			progress(written)
			time.Sleep(time.Millisecond)
		}
		return nil
	}

	key := model.TrackKey("track1")
	const readers = 4
	var wg sync.WaitGroup
	results := make([][]byte, readers)
	errs := make([]error, readers)

	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := coord.Derive(context.Background(), key, "src-std-flac", produce)
			if err != nil {
				errs[i] = err
				return
			}
			defer r.Close()
			results[i], errs[i] = io.ReadAll(r)
		}(i)
	}
	wg.Wait()

	for i := 0; i < readers; i++ {
		require.NoError(t, errs[i], "reader %d", i)
		assert.True(t, bytes.Equal(content, results[i]), "reader %d", i)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&produced), "production must be shared")
}

func TestSeekOnCompleteEntry(t *testing.T) {
	content := randomContent(t, 16<<10)
	var hits int32
	srv := slowUpstream(t, content, &hits)

	coord, _ := newTestCoordinator(t, &fixedResolver{url: srv.URL, tier: model.TierLossless})
	ref := model.TrackRef{ID: "track1"}

	_, err := coord.EnsureMaster(context.Background(), ref, model.QualityStandard)
	require.NoError(t, err)

	r, err := coord.OpenStream(context.Background(), ref, model.QualityStandard)
	require.NoError(t, err)
	defer r.Close()
	require.True(t, r.Complete())
	assert.Equal(t, int64(len(content)), r.Size())

	pos, err := r.Seek(1024, io.SeekStart)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), pos)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(content[1024:], got))
}

func TestTailReadStalledProducer(t *testing.T) {
	st, err := store.New(t.TempDir(), 1<<30)
	require.NoError(t, err)
	// 收紧追读超时，让挂死的生产者快速暴露
	coord := New(st, nil, 150*time.Millisecond)

	head := randomContent(t, 1024)
	produce := func(ctx context.Context, outPath string, progress func(int64)) error {
		f, err := os.OpenFile(outPath, os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		if _, err := f.Write(head); err != nil {
			f.Close()
			return err
		}
		f.Close()
		progress(int64(len(head)))
		// 写完首块后卡死，直到最后一个读者离开触发取消
		<-ctx.Done()
		return ctx.Err()
	}

	r, err := coord.Derive(context.Background(), model.TrackKey("stuck"), "src-std-flac", produce)
	require.NoError(t, err)
	defer r.Close()

	// 已落盘的首块照常可读
	buf := make([]byte, 4096)
	n, err := r.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, len(head), n)
	assert.True(t, bytes.Equal(head, buf[:n]))

	// 生产者停止推进后，下一次读在超时内返回明确错误而不是永久挂起
	_, err = r.Read(buf)
	require.ErrorIs(t, err, ErrStreamStalled)
}

func TestUpstreamDiesMidStream(t *testing.T) {
	content := randomContent(t, 64<<10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		w.Write(content[:8<<10])
		w.(http.Flusher).Flush()
		// 吐出部分内容后直接掐断连接
		panic(http.ErrAbortHandler)
	}))
	t.Cleanup(srv.Close)

	coord, st := newTestCoordinator(t, &fixedResolver{url: srv.URL, tier: model.TierLossless})
	ref := model.TrackRef{ID: "cutoff"}

	r, err := coord.OpenStream(context.Background(), ref, model.QualityStandard)
	require.NoError(t, err)
	defer r.Close()

	// 读者拿到明确的错误，绝不是看似正常的截断 EOF
	_, err = io.ReadAll(r)
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)

	// 截断的字节流不落缓存：条目不存在，磁盘上没有残片
	_, ok := st.Stat(ref.Key(), "src-std")
	assert.False(t, ok)
	files, err := os.ReadDir(st.Dir())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestFailedDeriveNeverTripsWriterConflict(t *testing.T) {
	coord, _ := newTestCoordinator(t, &fixedResolver{})

	errEncodeBroken := errors.New("encode broken")
	produce := func(ctx context.Context, outPath string, progress func(int64)) error {
		return errEncodeBroken
	}

	// 并发反复触发失败的生产：条目终态迁移先于会话出表，
	// 任何时序下新请求要么附着旧会话要么全新建档，不会踩中双写断言
	key := model.TrackKey("always-broken")
	var wg sync.WaitGroup
	for g := 0; g < 2; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				r, err := coord.Derive(context.Background(), key, "src-std-mp3", produce)
				if err == nil {
					_, err = io.ReadAll(r)
					r.Close()
				}
				assert.ErrorIs(t, err, errEncodeBroken)
			}
		}()
	}
	wg.Wait()
}
