package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"AuraFM/core/fetch"
	"AuraFM/core/provider"
	"AuraFM/core/transcode"
	"AuraFM/logger"
	"AuraFM/model"
	"AuraFM/storage"

	"github.com/gorilla/mux"
)

var unsafeFilenameChars = regexp.MustCompile(`[\\/:*?"<>|]`)

// attachmentName 生成下载附件文件名："艺术家 - 标题.ext"
func attachmentName(ref model.TrackRef, ext string) string {
	base := unsafeFilenameChars.ReplaceAllString(ref.DisplayName(), "_")
	base = strings.TrimSpace(base)
	if base == "" {
		base = ref.ID
	}
	return base + ext
}

// DownloadHandler 单曲下载
// 目标格式不在缓存时现场转码，转码进行中就开始流式输出，
// 不等整个文件生成完毕
func (h *APIHandler) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	trackID := mux.Vars(r)["track_id"]

	format, ok := model.ParseDownloadFormat(r.URL.Query().Get("format"))
	if !ok {
		http.Error(w, "Unsupported download format", http.StatusBadRequest)
		return
	}
	quality := model.ParseQuality(r.URL.Query().Get("quality"))
	ref := h.resolveRef(r, trackID)

	reader, err := h.transcoder.Open(r.Context(), ref, quality, format)
	if err != nil {
		h.writeDownloadError(w, trackID, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", format.MIME)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment",
		map[string]string{"filename": attachmentName(ref, format.Ext)}))
	if reader.Complete() {
		w.Header().Set("Content-Length", strconv.FormatInt(reader.Size(), 10))
	}

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 64<<10)
	for {
		n, rerr := reader.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return
		}
		if rerr != nil {
			logger.Warn("下载流中断",
				logger.String("trackId", trackID),
				logger.ErrorField(rerr))
			return
		}
	}
}

func (h *APIHandler) writeDownloadError(w http.ResponseWriter, trackID string, err error) {
	switch {
	case errors.Is(err, transcode.ErrEncode):
		logger.Error("转码失败",
			logger.String("trackId", trackID),
			logger.ErrorField(err))
		http.Error(w, "Transcoding failed", http.StatusInternalServerError)
	case provider.IsResolutionFailed(err), errors.Is(err, provider.ErrNotFound):
		http.Error(w, "Track could not be resolved from any source", http.StatusBadGateway)
	case errors.Is(err, fetch.ErrStreamStalled):
		http.Error(w, "Source fetch stalled, retry later", http.StatusGatewayTimeout)
	default:
		logger.Error("打开下载流失败",
			logger.String("trackId", trackID),
			logger.ErrorField(err))
		http.Error(w, "Failed to open download", http.StatusInternalServerError)
	}
}

// driveUploadRequest 云盘转存请求
type driveUploadRequest struct {
	TrackID string `json:"trackId"`
	Format  string `json:"format"`
	Quality string `json:"quality,omitempty"`
}

// DriveUploadHandler 把下载产物转存到对象存储
// 产物尚未生成时先驱动一次完整的抓取+转码，再整文件上传
func (h *APIHandler) DriveUploadHandler(w http.ResponseWriter, r *http.Request) {
	if storage.GetMinioClient() == nil {
		http.Error(w, "Drive storage not available", http.StatusServiceUnavailable)
		return
	}

	var req driveUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	format, ok := model.ParseDownloadFormat(req.Format)
	if !ok {
		http.Error(w, "Unsupported download format", http.StatusBadRequest)
		return
	}
	quality := model.ParseQuality(req.Quality)
	ref := h.resolveRef(r, req.TrackID)

	reader, err := h.transcoder.Open(r.Context(), ref, quality, format)
	if err != nil {
		h.writeDownloadError(w, req.TrackID, err)
		return
	}
	// 句柄只为驱动生产并压住会话，内容直接从缓存文件整体上传
	defer reader.Close()

	key := ref.Key()
	variant := quality.MasterVariant() + "-" + format.Name
	entry, err := h.coord.WaitComplete(r.Context(), key, variant)
	if err != nil {
		h.writeDownloadError(w, req.TrackID, err)
		return
	}

	objectName := fmt.Sprintf("drive/%s/%s", key, attachmentName(ref, format.Ext))
	if err := storage.UploadFile(r.Context(), entry.Path, objectName, format.MIME); err != nil {
		logger.Error("云盘转存失败",
			logger.String("trackId", req.TrackID),
			logger.ErrorField(err))
		http.Error(w, "Drive upload failed", http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"object": objectName,
		"size":   strconv.FormatInt(entry.Size, 10),
	})
}
