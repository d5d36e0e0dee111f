package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"AuraFM/logger"
	"AuraFM/model"
)

// EntryState 缓存条目状态
type EntryState int

const (
	StateWriting EntryState = iota
	StateComplete
	StateFailed
)

func (s EntryState) String() string {
	switch s {
	case StateWriting:
		return "writing"
	case StateComplete:
		return "complete"
	default:
		return "failed"
	}
}

// Entry 内容寻址的缓存条目，(TrackKey, variant) 唯一确定一条
// 条目归 Store 独占管理：抓取协调器在填充期间持有写句柄，流媒体侧只拿读句柄
type Entry struct {
	Key        model.TrackKey
	Variant    string // 母带为 src-hires / src-std，衍生品为目标格式标记
	Format     model.AudioFormat
	Path       string
	Size       int64
	State      EntryState
	CreatedAt  time.Time
	LastAccess time.Time
}

// ErrNotFound 条目不存在或尚未完成
var ErrNotFound = errors.New("store: entry not found")

// Store 文件型内容缓存
// 寻址只看 (TrackKey, variant)，与音源无关：同一逻辑曲目换音源抓取不会造成缓存碎片
// 写入中的文件带 .part 后缀，完成时原子重命名为正式名
type Store struct {
	dir      string
	maxBytes int64

	mu      sync.Mutex
	entries map[string]*Entry
}

const partSuffix = ".part"

func entryName(key model.TrackKey, variant string) string {
	return fmt.Sprintf("%s.%s", key, variant)
}

// New 创建缓存并恢复磁盘状态
// 启动时发现的孤儿 .part 文件说明上次写入中断，按 Failed 处理直接清除
func New(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建缓存目录失败: %w", err)
	}

	s := &Store{
		dir:      dir,
		maxBytes: maxBytes,
		entries:  make(map[string]*Entry),
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("扫描缓存目录失败: %w", err)
	}

	var recovered, cleaned int
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		name := f.Name()
		path := filepath.Join(dir, name)

		if strings.HasSuffix(name, partSuffix) {
			// 写入中途崩溃留下的残片
			if err := os.Remove(path); err != nil {
				logger.Warn("清理残留写入文件失败",
					logger.String("file", name),
					logger.ErrorField(err))
			}
			cleaned++
			continue
		}

		dot := strings.LastIndexByte(name, '.')
		if dot <= 0 {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}

		s.entries[name] = &Entry{
			Key:        model.TrackKey(name[:dot]),
			Variant:    name[dot+1:],
			Path:       path,
			Size:       info.Size(),
			State:      StateComplete,
			CreatedAt:  info.ModTime(),
			LastAccess: info.ModTime(),
		}
		recovered++
	}

	logger.Info("内容缓存已就绪",
		logger.String("dir", dir),
		logger.Int("entries", recovered),
		logger.Int("cleanedParts", cleaned),
		logger.Int64("totalBytes", s.totalBytesLocked()),
		logger.Int64("maxBytes", maxBytes))

	return s, nil
}

// Create 为 (key, variant) 打开写句柄并登记 Writing 条目
// 同一对键最多一个写句柄——由抓取协调器的单飞机制保证，缓存自身只做兜底断言：
// 重复创建属于编程错误，大声记录后拒绝
func (s *Store) Create(key model.TrackKey, variant string) (*Entry, *os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := entryName(key, variant)
	if old, ok := s.entries[name]; ok && old.State == StateWriting {
		logger.Error("检测到双写冲突，单飞约束被破坏",
			logger.String("key", string(key)),
			logger.String("variant", variant))
		return nil, nil, fmt.Errorf("store: duplicate writer for %s", name)
	}

	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path+partSuffix, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("创建缓存文件失败: %w", err)
	}

	now := time.Now()
	e := &Entry{
		Key:        key,
		Variant:    variant,
		Path:       path + partSuffix,
		State:      StateWriting,
		CreatedAt:  now,
		LastAccess: now,
	}
	s.entries[name] = e
	return e, f, nil
}

// Complete 把写入完成的条目转为 Complete 并重命名为正式文件
// 重命名不影响已打开的读句柄（同一 inode），追读中的客户端无感知
func (s *Store) Complete(e *Entry, format model.AudioFormat) error {
	s.mu.Lock()

	final := filepath.Join(s.dir, entryName(e.Key, e.Variant))
	if err := os.Rename(e.Path, final); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("缓存条目落盘失败: %w", err)
	}
	info, err := os.Stat(final)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("缓存条目校验失败: %w", err)
	}

	e.Path = final
	e.Size = info.Size()
	e.Format = format
	e.State = StateComplete
	e.LastAccess = time.Now()

	over := s.totalBytesLocked() > s.maxBytes
	s.mu.Unlock()

	logger.Info("缓存条目写入完成",
		logger.String("key", string(e.Key)),
		logger.String("variant", e.Variant),
		logger.Int64("size", e.Size))

	if over {
		s.Evict()
	}
	return nil
}

// Fail 废弃写入失败的条目并清除残片
// 失败不缓存：下一次请求会从头重新解析
func (s *Store) Fail(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.State = StateFailed
	if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
		logger.Warn("清除失败条目残片失败",
			logger.String("path", e.Path),
			logger.ErrorField(err))
	}
	delete(s.entries, entryName(e.Key, e.Variant))

	logger.Warn("缓存条目已废弃",
		logger.String("key", string(e.Key)),
		logger.String("variant", e.Variant))
}

// Stat 查询条目
func (s *Store) Stat(key model.TrackKey, variant string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[entryName(key, variant)]
	return e, ok
}

// OpenRead 打开 Complete 条目的读句柄并刷新访问时间
func (s *Store) OpenRead(key model.TrackKey, variant string) (*Entry, *os.File, error) {
	s.mu.Lock()
	e, ok := s.entries[entryName(key, variant)]
	if !ok || e.State != StateComplete {
		s.mu.Unlock()
		return nil, nil, ErrNotFound
	}
	e.LastAccess = time.Now()
	path := e.Path
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("打开缓存文件失败: %w", err)
	}
	return e, f, nil
}

// Touch 刷新条目访问时间
func (s *Store) Touch(key model.TrackKey, variant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[entryName(key, variant)]; ok {
		e.LastAccess = time.Now()
	}
}

// Evict 按最久未访问优先淘汰 Complete 条目，直到总量回到预算内
// Writing 条目无论压力多大都不会被淘汰
func (s *Store) Evict() {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.totalBytesLocked()
	if total <= s.maxBytes {
		return
	}

	candidates := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.State == StateComplete {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].LastAccess.Before(candidates[j].LastAccess)
	})

	var evicted int
	for _, e := range candidates {
		if total <= s.maxBytes {
			break
		}
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			logger.Warn("淘汰缓存条目失败",
				logger.String("path", e.Path),
				logger.ErrorField(err))
			continue
		}
		delete(s.entries, entryName(e.Key, e.Variant))
		total -= e.Size
		evicted++
	}

	logger.Info("缓存淘汰完成",
		logger.Int("evicted", evicted),
		logger.Int64("totalBytes", total),
		logger.Int64("maxBytes", s.maxBytes))
}

// Entries 返回条目快照，供诊断命令使用
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAccess.After(out[j].LastAccess)
	})
	return out
}

// TotalBytes 返回 Complete 条目占用的总字节数
func (s *Store) TotalBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalBytesLocked()
}

func (s *Store) totalBytesLocked() int64 {
	var total int64
	for _, e := range s.entries {
		if e.State == StateComplete {
			total += e.Size
		}
	}
	return total
}

// Dir 返回缓存根目录
func (s *Store) Dir() string {
	return s.dir
}
