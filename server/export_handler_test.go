package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"AuraFM/config"
	"AuraFM/core/export"
	"AuraFM/core/fetch"
	"AuraFM/core/store"
	"AuraFM/model"
)

// stubBatchOpener 绕过转码器，直接把伪音频内容灌进衍生条目
type stubBatchOpener struct {
	coord *fetch.Coordinator
}

func (s *stubBatchOpener) Open(ctx context.Context, ref model.TrackRef, quality model.Quality, format model.DownloadFormat) (*fetch.Reader, error) {
	return s.coord.Derive(ctx, ref.Key(), format.Name, func(ctx context.Context, outPath string, progress func(int64)) error {
		content := []byte("audio:" + ref.ID)
		if err := os.WriteFile(outPath, content, 0644); err != nil {
			return err
		}
		progress(int64(len(content)))
		return nil
	})
}

func newBatchTestRouter(t *testing.T) *mux.Router {
	st, err := store.New(t.TempDir(), 1<<30)
	require.NoError(t, err)
	coord := fetch.New(st, nil, time.Second)

	exporter, err := export.New(&stubBatchOpener{coord: coord}, t.TempDir(), 4, 2)
	require.NoError(t, err)

	h := NewAPIHandler(
		&stubTrackRepo{tracks: map[string]*model.Track{}},
		coord, nil, exporter, &config.Config{},
	)

	router := mux.NewRouter()
	router.HandleFunc("/download-batch", h.BatchDownloadHandler).Methods(http.MethodPost)
	router.HandleFunc("/download-batch/{job_id}", h.JobStatusHandler).Methods(http.MethodGet)
	router.HandleFunc("/download-batch/{job_id}/parts/{n}", h.JobPartHandler).Methods(http.MethodGet)
	router.HandleFunc("/download-batch/{job_id}/events", h.ExportEventsHandler).Methods(http.MethodGet)
	return router
}

func submitBatch(t *testing.T, srv *httptest.Server, body string) export.Job {
	resp, err := http.Post(srv.URL+"/download-batch", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var job export.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
	require.NotEmpty(t, job.ID)
	return job
}

func awaitBatchDone(t *testing.T, srv *httptest.Server, jobID string) export.Job {
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(srv.URL + "/download-batch/" + jobID)
		require.NoError(t, err)
		var job export.Job
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&job))
		resp.Body.Close()
		if job.State != export.JobRunning {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job did not finish in time")
	return export.Job{}
}

func TestBatchDownloadSurface(t *testing.T) {
	srv := httptest.NewServer(newBatchTestRouter(t))
	t.Cleanup(srv.Close)

	job := submitBatch(t, srv, `{"trackIds":["a1","a2","a3","a4","a5"],"format":"flac"}`)
	assert.Equal(t, 2, job.PartCount)

	final := awaitBatchDone(t, srv, job.ID)
	assert.Equal(t, export.JobDone, final.State)
	assert.Equal(t, 5, final.Completed)

	resp, err := http.Get(srv.URL + "/download-batch/" + job.ID + "/parts/1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
}

func TestExportEventsOnJobResource(t *testing.T) {
	srv := httptest.NewServer(newBatchTestRouter(t))
	t.Cleanup(srv.Close)

	job := submitBatch(t, srv, `{"trackIds":["b1","b2"],"format":"flac"}`)
	awaitBatchDone(t, srv, job.ID)

	// 事件端点挂在任务资源路径下，任务标识走路径参数
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/download-batch/" + job.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// 任务已结束时首条消息是终态快照，随后连接关闭
	var snap export.Job
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, job.ID, snap.ID)
	assert.Equal(t, export.JobDone, snap.State)
	assert.Equal(t, 2, snap.Completed)
}

func TestExportEventsUnknownJob(t *testing.T) {
	srv := httptest.NewServer(newBatchTestRouter(t))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/download-batch/no-such-job/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBatchDownloadRejectsBadRequests(t *testing.T) {
	srv := httptest.NewServer(newBatchTestRouter(t))
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/download-batch", "application/json",
		bytes.NewReader([]byte(`{"trackIds":[],"format":"flac"}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/download-batch", "application/json",
		bytes.NewReader([]byte(`{"trackIds":["x"],"format":"ogg"}`)))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
