package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"AuraFM/core/fetch"
	"AuraFM/core/provider"
	"AuraFM/logger"
	"AuraFM/model"

	"github.com/gorilla/mux"
)

// StreamHandler 渐进式音频流
// 缓存命中走标准的范围请求；缓存未命中时边抓边播：
// 响应在首字节可用后立刻开始，客户端追着缓存文件读
func (h *APIHandler) StreamHandler(w http.ResponseWriter, r *http.Request) {
	trackID := mux.Vars(r)["track_id"]
	quality := model.ParseQuality(r.URL.Query().Get("quality"))
	ref := h.resolveRef(r, trackID)

	reader, err := h.coord.OpenStream(r.Context(), ref, quality)
	if err != nil {
		h.writeStreamError(w, trackID, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", codecMIME(reader.Format().Codec))
	w.Header().Set("X-Audio-Quality", reader.ServedTier().String())
	if reader.Fallback(quality) {
		// 请求 Hi-Res 但实际命中更低层级，客户端据此提示用户
		w.Header().Set("X-Quality-Fallback", "true")
	}

	if reader.Complete() {
		w.Header().Set("Accept-Ranges", "bytes")
		http.ServeContent(w, r, "", time.Time{}, reader)
		return
	}

	h.serveInFlight(w, r, reader)
}

// serveInFlight 在途条目的渐进响应
// 上游声明了总长度时允许 bytes=N- 形式的断点续传；
// 长度未知时只能从头整流输出，不承诺 Content-Length
func (h *APIHandler) serveInFlight(w http.ResponseWriter, r *http.Request, reader *fetch.Reader) {
	total := reader.Size()
	var offset int64

	if start, ok := parseOpenRange(r.Header.Get("Range")); ok && total > 0 {
		if start >= total {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", total))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if _, err := reader.Seek(start, io.SeekStart); err != nil {
			http.Error(w, "Invalid range", http.StatusBadRequest)
			return
		}
		offset = start
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, total-1, total))
		w.Header().Set("Content-Length", strconv.FormatInt(total-start, 10))
		w.WriteHeader(http.StatusPartialContent)
	} else if total > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(total, 10))
	}

	if r.Method == http.MethodHead {
		return
	}

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 64<<10)
	var sent int64
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				// 客户端挂断
				return
			}
			sent += int64(n)
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return
		}
		if err != nil {
			logger.Warn("渐进流中断",
				logger.String("trackId", string(reader.Key())),
				logger.Int64("offset", offset+sent),
				logger.ErrorField(err))
			return
		}
	}
}

// writeStreamError 把核心层错误映射为 HTTP 状态
func (h *APIHandler) writeStreamError(w http.ResponseWriter, trackID string, err error) {
	switch {
	case provider.IsResolutionFailed(err), errors.Is(err, provider.ErrNotFound):
		logger.Warn("曲目解析失败",
			logger.String("trackId", trackID),
			logger.ErrorField(err))
		http.Error(w, "Track could not be resolved from any source", http.StatusBadGateway)
	case errors.Is(err, fetch.ErrStreamStalled):
		http.Error(w, "Stream stalled, retry later", http.StatusGatewayTimeout)
	case errors.Is(err, provider.ErrRateLimited):
		http.Error(w, "All sources rate limited, retry later", http.StatusServiceUnavailable)
	default:
		logger.Error("打开音频流失败",
			logger.String("trackId", trackID),
			logger.ErrorField(err))
		http.Error(w, "Failed to open stream", http.StatusInternalServerError)
	}
}

// parseOpenRange 解析 bytes=N- 形式的开区间范围头
func parseOpenRange(header string) (int64, bool) {
	if !strings.HasPrefix(header, "bytes=") {
		return 0, false
	}
	spec := strings.TrimPrefix(header, "bytes=")
	if strings.Contains(spec, ",") || !strings.HasSuffix(spec, "-") {
		return 0, false
	}
	start, err := strconv.ParseInt(strings.TrimSuffix(spec, "-"), 10, 64)
	if err != nil || start < 0 {
		return 0, false
	}
	return start, true
}

func codecMIME(codec string) string {
	switch strings.ToLower(codec) {
	case "flac":
		return "audio/flac"
	case "alac":
		return "audio/mp4"
	case "mp3":
		return "audio/mpeg"
	case "opus", "vorbis":
		return "audio/webm"
	case "aac", "m4a":
		return "audio/mp4"
	default:
		return "application/octet-stream"
	}
}
