package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"AuraFM/core/fetch"
	"AuraFM/logger"
	"AuraFM/model"
)

// ErrEncode 转码进程异常退出
var ErrEncode = errors.New("transcode: encode failed")

// Transcoder 把已缓存的母带转成下载格式
// 转码产物和母带走同一套缓存与单飞机制：同格式的并发下载请求共享一次 ffmpeg
type Transcoder struct {
	coord        *fetch.Coordinator
	ffmpegPath   string
	lossyBitrate string // 有损目标码率，如 320k
}

// New 创建转码器
func New(coord *fetch.Coordinator, ffmpegPath, lossyBitrate string) *Transcoder {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if lossyBitrate == "" {
		lossyBitrate = "320k"
	}
	return &Transcoder{
		coord:        coord,
		ffmpegPath:   ffmpegPath,
		lossyBitrate: lossyBitrate,
	}
}

// Open 打开 (ref, format) 的转码产物读取流
// 母带尚未就绪时先驱动一次完整抓取；转码以完整母带为输入，不追半成品
func (t *Transcoder) Open(ctx context.Context, ref model.TrackRef, quality model.Quality, format model.DownloadFormat) (*fetch.Reader, error) {
	master, err := t.coord.EnsureMaster(ctx, ref, quality)
	if err != nil {
		return nil, fmt.Errorf("等待母带就绪失败: %w", err)
	}

	key := ref.Key()
	variant := quality.MasterVariant() + "-" + format.Name

	return t.coord.Derive(ctx, key, variant, func(ctx context.Context, outPath string, progress func(int64)) error {
		return t.run(ctx, master.Path, outPath, format, progress)
	})
}

// run 执行一次 ffmpeg 转码，监视输出文件增长并上报进度
func (t *Transcoder) run(ctx context.Context, inPath, outPath string, format model.DownloadFormat, progress func(int64)) error {
	// 缓存文件没有扩展名，输入输出容器都必须显式给出
	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-i", inPath,
		"-map", "0:a:0",
		"-vn",
		"-c:a", format.Codec,
	}
	if format.Lossy {
		args = append(args, "-b:a", t.lossyBitrate)
	}
	args = append(args, "-f", format.Muxer, outPath)

	cmd := exec.CommandContext(ctx, t.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger.Info("启动转码",
		logger.String("format", format.Name),
		logger.String("codec", format.Codec),
		logger.String("out", filepath.Base(outPath)))

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("启动 ffmpeg 失败: %w", err)
	}

	stopWatch := t.watchOutput(outPath, progress)
	err := cmd.Wait()
	stopWatch()

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		detail := lastLine(stderr.String())
		logger.Error("转码进程异常退出",
			logger.String("format", format.Name),
			logger.String("detail", detail),
			logger.ErrorField(err))
		return fmt.Errorf("%w: %s", ErrEncode, detail)
	}

	// 终态以磁盘为准补一次进度
	if info, serr := os.Stat(outPath); serr == nil {
		progress(info.Size())
	}
	return nil
}

// watchOutput 监视 ffmpeg 输出文件的增长
// fsnotify 的写事件驱动为主，低频定时器兜底——部分文件系统不产生可靠的写事件
func (t *Transcoder) watchOutput(outPath string, progress func(int64)) (stop func()) {
	report := func() {
		if info, err := os.Stat(outPath); err == nil {
			progress(info.Size())
		}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()

		watcher, err := fsnotify.NewWatcher()
		if err == nil {
			defer watcher.Close()
			if werr := watcher.Add(filepath.Dir(outPath)); werr != nil {
				logger.Warn("监视转码输出目录失败", logger.ErrorField(werr))
			}
		} else {
			logger.Warn("创建文件监视器失败，退化为轮询", logger.ErrorField(err))
			watcher = nil
		}

		var events chan fsnotify.Event
		if watcher != nil {
			events = watcher.Events
		}
		for {
			select {
			case <-done:
				return
			case ev := <-events:
				if ev.Name == outPath && ev.Op.Has(fsnotify.Write) {
					report()
				}
			case <-ticker.C:
				report()
			}
		}
	}()

	return func() { close(done) }
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
