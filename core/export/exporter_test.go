package export

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AuraFM/core/fetch"
	"AuraFM/core/provider"
	"AuraFM/core/store"
	"AuraFM/model"
)

// stubOpener 把曲目内容直接从本地缓存条目打开，失败清单里的曲目返回解析失败
type stubOpener struct {
	coord *fetch.Coordinator
	fail  map[string]bool
}

func (s *stubOpener) Open(ctx context.Context, ref model.TrackRef, quality model.Quality, format model.DownloadFormat) (*fetch.Reader, error) {
	if s.fail[ref.ID] {
		return nil, &provider.ResolutionError{Attempts: map[string]error{"studio": provider.ErrNotFound}}
	}
	return s.coord.Derive(ctx, ref.Key(), format.Name, func(ctx context.Context, outPath string, progress func(int64)) error {
		content := []byte("audio:" + ref.ID)
		if err := os.WriteFile(outPath, content, 0644); err != nil {
			return err
		}
		progress(int64(len(content)))
		return nil
	})
}

func newTestExporter(t *testing.T, fail map[string]bool, partSize, parallel int) *Exporter {
	st, err := store.New(t.TempDir(), 1<<30)
	require.NoError(t, err)
	coord := fetch.New(st, nil, time.Second)

	e, err := New(&stubOpener{coord: coord, fail: fail}, t.TempDir(), partSize, parallel)
	require.NoError(t, err)
	return e
}

func refs(n int) []model.TrackRef {
	out := make([]model.TrackRef, n)
	for i := range out {
		out[i] = model.TrackRef{ID: fmt.Sprintf("t%02d", i), Title: fmt.Sprintf("Track %02d", i)}
	}
	return out
}

func waitJob(t *testing.T, e *Exporter, id string) Job {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := e.Job(id)
		require.NoError(t, err)
		if job.State != JobRunning {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not finish in time")
	return Job{}
}

func TestSubmitSplitsIntoParts(t *testing.T) {
	e := newTestExporter(t, nil, 4, 2)
	flac := model.DownloadFormats["flac"]

	// 10 首、每卷 4 首 → 3 卷
	job, err := e.Submit(refs(10), model.QualityStandard, flac)
	require.NoError(t, err)
	assert.Equal(t, 3, job.PartCount)

	final := waitJob(t, e, job.ID)
	assert.Equal(t, JobDone, final.State)
	assert.Equal(t, 10, final.Completed)
	assert.Empty(t, final.Failures)
	assert.Len(t, final.Parts, 3)

	// 各分卷能正常打开，条目总数等于曲目数
	var entries int
	for n := 1; n <= 3; n++ {
		path, err := e.PartPath(job.ID, n)
		require.NoError(t, err)
		zr, err := zip.OpenReader(path)
		require.NoError(t, err)
		entries += len(zr.File)
		zr.Close()
	}
	assert.Equal(t, 10, entries)
}

func TestPartContentsFollowRequestOrder(t *testing.T) {
	e := newTestExporter(t, nil, 2, 1)
	flac := model.DownloadFormats["flac"]

	job, err := e.Submit(refs(5), model.QualityStandard, flac)
	require.NoError(t, err)
	final := waitJob(t, e, job.ID)
	require.Equal(t, JobDone, final.State)

	// 第 1 卷装前两首
	path, err := e.PartPath(job.ID, 1)
	require.NoError(t, err)
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	require.Len(t, zr.File, 2)
	assert.Equal(t, "Track 00.flac", zr.File[0].Name)
	assert.Equal(t, "Track 01.flac", zr.File[1].Name)

	rc, err := zr.File[0].Open()
	require.NoError(t, err)
	defer rc.Close()
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "audio:t00", string(content))
}

func TestSingleFailureDoesNotAbortJob(t *testing.T) {
	e := newTestExporter(t, map[string]bool{"t03": true}, 10, 1)
	flac := model.DownloadFormats["flac"]

	job, err := e.Submit(refs(6), model.QualityStandard, flac)
	require.NoError(t, err)
	final := waitJob(t, e, job.ID)

	// 一首失败不拖垮任务：其余五首正常入卷，失败被记录
	assert.Equal(t, JobDone, final.State)
	assert.Equal(t, 5, final.Completed)
	require.Len(t, final.Failures, 1)
	assert.Equal(t, "t03", final.Failures[0].TrackID)

	path, err := e.PartPath(job.ID, 1)
	require.NoError(t, err)
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()
	assert.Len(t, zr.File, 5)
}

func TestSubscribeReceivesTerminalEvent(t *testing.T) {
	e := newTestExporter(t, nil, 2, 1)
	flac := model.DownloadFormats["flac"]

	job, err := e.Submit(refs(3), model.QualityStandard, flac)
	require.NoError(t, err)

	events, cancel := e.Subscribe(job.ID)
	defer cancel()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == "done" {
				assert.Equal(t, 3, ev.Completed)
				return
			}
		case <-deadline:
			// 订阅晚于任务结束时事件可能已经全部错过，终态以查询为准
			final := waitJob(t, e, job.ID)
			assert.Equal(t, JobDone, final.State)
			return
		}
	}
}

func TestPartPathRejectsUnknown(t *testing.T) {
	e := newTestExporter(t, nil, 2, 1)

	_, err := e.Job("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	flac := model.DownloadFormats["flac"]
	job, err := e.Submit(refs(2), model.QualityStandard, flac)
	require.NoError(t, err)
	waitJob(t, e, job.ID)

	_, err = e.PartPath(job.ID, 0)
	assert.Error(t, err)
	_, err = e.PartPath(job.ID, 9)
	assert.Error(t, err)

	path, err := e.PartPath(job.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, partName(job.ID, 1), filepath.Base(path))
}
