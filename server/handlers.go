package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"AuraFM/cache"
	"AuraFM/config"
	"AuraFM/core/export"
	"AuraFM/core/fetch"
	"AuraFM/core/transcode"
	"AuraFM/logger"
	"AuraFM/model"
	"AuraFM/repository"

	"github.com/gorilla/mux"
)

// APIHandler 处理所有API请求
type APIHandler struct {
	trackRepo  repository.TrackRepository
	coord      *fetch.Coordinator
	transcoder *transcode.Transcoder
	exporter   *export.Exporter
	cfg        *config.Config
}

// NewAPIHandler 创建新的API处理器
func NewAPIHandler(
	trackRepo repository.TrackRepository,
	coord *fetch.Coordinator,
	transcoder *transcode.Transcoder,
	exporter *export.Exporter,
	cfg *config.Config,
) *APIHandler {
	return &APIHandler{
		trackRepo:  trackRepo,
		coord:      coord,
		transcoder: transcoder,
		exporter:   exporter,
		cfg:        cfg,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("写入响应失败", logger.ErrorField(err))
	}
}

// registerTracksRequest 目录/搜索层推送的曲目描述
type registerTracksRequest struct {
	Tracks []model.TrackRef `json:"tracks"`
}

// RegisterTracksHandler 批量登记曲目描述
// 目录层在用户浏览时推送，后续的流媒体/下载请求只凭 track_id 即可命名文件
func (h *APIHandler) RegisterTracksHandler(w http.ResponseWriter, r *http.Request) {
	var req registerTracksRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Tracks) == 0 {
		http.Error(w, "Empty track list", http.StatusBadRequest)
		return
	}

	var saved int
	for _, ref := range req.Tracks {
		if ref.ID == "" {
			continue
		}
		track := &model.Track{
			ID:     ref.ID,
			Title:  ref.Title,
			Artist: strings.Join(ref.Artists, ", "),
			Query:  ref.Query,
		}
		if err := h.trackRepo.Upsert(track); err != nil {
			logger.Warn("登记曲目失败",
				logger.String("trackId", ref.ID),
				logger.ErrorField(err))
			continue
		}
		if err := cache.SetTrack(r.Context(), track); err != nil {
			logger.Debug("写入曲目热缓存失败", logger.ErrorField(err))
		}
		saved++
	}

	writeJSON(w, http.StatusOK, map[string]int{"registered": saved})
}

// GetTrackHandler 查询单条曲目描述
func (h *APIHandler) GetTrackHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["track_id"]
	track, err := h.lookupTrack(r, id)
	if err != nil {
		http.Error(w, "Failed to query track", http.StatusInternalServerError)
		return
	}
	if track == nil {
		http.Error(w, "Track not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, track)
}

// lookupTrack 先查热缓存再落库，命中数据库时回填缓存
func (h *APIHandler) lookupTrack(r *http.Request, id string) (*model.Track, error) {
	ctx := r.Context()

	if track, err := cache.GetTrack(ctx, id); err == nil && track != nil {
		return track, nil
	}

	track, err := h.trackRepo.GetByID(id)
	if err != nil || track == nil {
		return track, err
	}
	if cerr := cache.SetTrack(ctx, track); cerr != nil {
		logger.Debug("回填曲目热缓存失败", logger.ErrorField(cerr))
	}
	return track, nil
}

// resolveRef 把请求中的曲目标识还原为 TrackRef
// 注册表没有记录时退化为纯 ID 引用，提取型音源会拿不到查询串
func (h *APIHandler) resolveRef(r *http.Request, id string) model.TrackRef {
	if track, err := h.lookupTrack(r, id); err == nil && track != nil {
		return track.Ref()
	}
	return model.TrackRef{ID: id}
}
