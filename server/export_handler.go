package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"AuraFM/core/export"
	"AuraFM/logger"
	"AuraFM/model"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// batchDownloadRequest 批量导出请求
type batchDownloadRequest struct {
	TrackIDs []string `json:"trackIds"`
	Format   string   `json:"format"`
	Quality  string   `json:"quality,omitempty"`
}

// BatchDownloadHandler 提交批量导出任务
// 立即返回任务标识，进度通过任务自己的 events 端点推送或轮询状态获取
func (h *APIHandler) BatchDownloadHandler(w http.ResponseWriter, r *http.Request) {
	var req batchDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.TrackIDs) == 0 {
		http.Error(w, "Empty track list", http.StatusBadRequest)
		return
	}
	format, ok := model.ParseDownloadFormat(req.Format)
	if !ok {
		http.Error(w, "Unsupported download format", http.StatusBadRequest)
		return
	}
	quality := model.ParseQuality(req.Quality)

	// 注册表缺失的曲目退化为纯 ID 引用，保持请求顺序
	refs := make([]model.TrackRef, 0, len(req.TrackIDs))
	for _, id := range req.TrackIDs {
		refs = append(refs, h.resolveRef(r, id))
	}

	job, err := h.exporter.Submit(refs, quality, format)
	if err != nil {
		http.Error(w, "Failed to submit export job", http.StatusInternalServerError)
		return
	}

	snap, _ := h.exporter.Job(job.ID)
	writeJSON(w, http.StatusAccepted, snap)
}

// JobStatusHandler 查询导出任务状态
func (h *APIHandler) JobStatusHandler(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]

	job, err := h.exporter.Job(jobID)
	if err != nil {
		if errors.Is(err, export.ErrJobNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "Failed to query job", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// JobPartHandler 下载已完成的 zip 分卷
func (h *APIHandler) JobPartHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jobID := vars["job_id"]
	n, err := strconv.Atoi(vars["n"])
	if err != nil {
		http.Error(w, "Invalid part number", http.StatusBadRequest)
		return
	}

	path, err := h.exporter.PartPath(jobID, n)
	if err != nil {
		if errors.Is(err, export.ErrJobNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	http.ServeFile(w, r, path)
}

// ExportEventsHandler 导出进度的 WebSocket 推送
// 客户端连上后收到任务的逐曲/逐分卷事件，任务结束推送终态后关闭
func (h *APIHandler) ExportEventsHandler(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	if _, err := h.exporter.Job(jobID); err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket 升级失败", logger.ErrorField(err))
		return
	}
	defer conn.Close()

	events, cancel := h.exporter.Subscribe(jobID)
	defer cancel()

	// 订阅建立前任务可能已经结束，先补发一次当前快照
	if job, err := h.exporter.Job(jobID); err == nil {
		if werr := conn.WriteJSON(job); werr != nil {
			return
		}
		if job.State != export.JobRunning {
			return
		}
	}

	// 读泵只用于感知客户端断开
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for ev := range events {
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
		if ev.Type == "done" {
			return
		}
	}
}
