package fetch

import (
	"errors"
	"io"
	"os"
	"sync"

	"AuraFM/core/provider"
	"AuraFM/core/store"
	"AuraFM/model"
)

// Reader 缓存条目的读取句柄
// Complete 条目是普通文件读；Writing 条目是追读：读到已落盘末尾时阻塞等待
// 生产者广播，条目完成且读完全部字节后返回 io.EOF
//
// 文件在完成时会被重命名，但句柄指向的 inode 不变，追读全程无感知
type Reader struct {
	coord *Coordinator
	f     *os.File
	sess  *Session // Complete 条目直读时为 nil
	entry store.Entry

	candidate *provider.Candidate

	mu     sync.Mutex
	off    int64
	size   int64 // Complete 直读时为定长；追读时为 -1
	closed bool
}

var errReaderClosed = errors.New("fetch: reader closed")

func (r *Reader) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, errReaderClosed
	}

	// 定长直读
	if r.sess == nil {
		if r.off >= r.size {
			return 0, io.EOF
		}
		if max := r.size - r.off; int64(len(p)) > max {
			p = p[:max]
		}
		n, err := r.f.ReadAt(p, r.off)
		r.off += int64(n)
		return n, err
	}

	// 追读：只读到生产者已提交的字节，绝不读进 .part 文件未写完的区域
	avail, done, serr := r.sess.awaitAvailable(r.off, r.coord.tailWait)
	if serr != nil && !done {
		return 0, serr
	}
	if r.off >= avail {
		if done {
			if serr != nil {
				return 0, serr
			}
			return 0, io.EOF
		}
		return 0, ErrStreamStalled
	}

	if max := avail - r.off; int64(len(p)) > max {
		p = p[:max]
	}
	n, err := r.f.ReadAt(p, r.off)
	r.off += int64(n)
	if err == io.EOF {
		// 提交量之内的 EOF 只是文件系统的瞬时视图，重试即可
		err = nil
	}
	return n, err
}

// Seek 只对已完成条目提供随机访问；追读中的流仅支持向前推进偏移
func (r *Reader) Seek(offset int64, whence int) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, errReaderClosed
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = r.off + offset
	case io.SeekEnd:
		if r.sess != nil {
			return 0, errors.New("fetch: seek from end on in-flight stream")
		}
		abs = r.size + offset
	default:
		return 0, errors.New("fetch: invalid whence")
	}
	if abs < 0 {
		return 0, errors.New("fetch: negative position")
	}
	r.off = abs
	return abs, nil
}

// Close 释放句柄；在途会话的最后一个读者断开会触发抓取取消
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	err := r.f.Close()
	if r.sess != nil {
		r.coord.release(r.sess)
	}
	return err
}

// Complete 报告条目在打开时是否已经写完
func (r *Reader) Complete() bool {
	return r.sess == nil
}

// Key 返回条目的缓存键
func (r *Reader) Key() model.TrackKey {
	return r.entry.Key
}

// Size 返回总字节数
// 追读中的流返回上游声明的长度，未知时为 -1
func (r *Reader) Size() int64 {
	if r.sess == nil {
		return r.size
	}
	_, declared, done, _ := r.sess.snapshot()
	if done {
		if e, ok := r.coord.store.Stat(r.sess.key, r.sess.variant); ok && e.State == store.StateComplete {
			return e.Size
		}
	}
	return declared
}

// Format 返回条目的编码描述；追读时取自胜出候选
func (r *Reader) Format() model.AudioFormat {
	if r.sess == nil {
		return r.entry.Format
	}
	if r.candidate != nil {
		return r.candidate.Format
	}
	return model.AudioFormat{}
}

// ServedTier 返回实际命中的质量层级
// 缓存命中时从条目记录的编码参数反推：位深超过 16 视为 Hi-Res，
// 等于 16 视为标准无损，没有位深记录的按有损处理
func (r *Reader) ServedTier() model.QualityTier {
	if r.sess != nil && r.candidate != nil {
		return r.candidate.Tier
	}
	f := r.Format()
	switch {
	case f.BitDepth > 16:
		return model.TierHiRes
	case f.BitDepth == 16:
		return model.TierLossless
	default:
		return model.TierLossy
	}
}

// Fallback 报告请求 Hi-Res 但实际命中更低层级的情况
func (r *Reader) Fallback(requested model.Quality) bool {
	return requested == model.QualityHiRes && r.ServedTier() < model.TierHiRes
}
