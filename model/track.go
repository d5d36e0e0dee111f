package model

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/blake2b"
)

// TrackRef 由目录/搜索层传入的曲目描述
// 核心只用它来派生缓存键、命名下载文件、以及向提取型音源传递查询串
type TrackRef struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Artists []string `json:"artists"`
	Query   string   `json:"query,omitempty"` // 人类可读的搜索串，供提取型音源使用
}

// DisplayName 返回 "艺术家 - 标题" 形式的展示名
func (r TrackRef) DisplayName() string {
	artist := strings.Join(r.Artists, ", ")
	if artist == "" {
		return r.Title
	}
	return artist + " - " + r.Title
}

// SearchQuery 返回用于提取型音源的查询串
func (r TrackRef) SearchQuery() string {
	if r.Query != "" {
		return r.Query
	}
	return strings.TrimSpace(strings.Join(r.Artists, " ") + " " + r.Title)
}

// Key 派生稳定的缓存键
func (r TrackRef) Key() TrackKey {
	if r.ID != "" {
		return DeriveKey(r.ID)
	}
	return DeriveKey(strings.ToLower(r.SearchQuery()))
}

// TrackKey 是与具体音源无关的稳定曲目标识，可直接用于文件命名
type TrackKey string

const maxPlainKeyLen = 64

// DeriveKey 把外部标识归一化为文件系统安全的键
// 过长或含特殊字符的标识会被哈希为定长摘要，保证同一逻辑曲目总是映射到同一个键
func DeriveKey(raw string) TrackKey {
	if raw != "" && len(raw) <= maxPlainKeyLen && isFilesystemSafe(raw) {
		return TrackKey(raw)
	}
	sum := blake2b.Sum256([]byte(raw))
	return TrackKey(hex.EncodeToString(sum[:16]))
}

func isFilesystemSafe(s string) bool {
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

// Quality 流媒体质量档位
type Quality int

const (
	QualityStandard Quality = iota // 标准无损优先
	QualityHiRes                   // Hi-Res 优先（需调用方显式开启）
)

// ParseQuality 解析质量参数，未知取值回落到标准档
func ParseQuality(s string) Quality {
	switch strings.ToLower(s) {
	case "hi-res", "hires", "hi_res":
		return QualityHiRes
	default:
		return QualityStandard
	}
}

func (q Quality) String() string {
	if q == QualityHiRes {
		return "hi-res"
	}
	return "standard"
}

// MasterVariant 返回该质量档位下母带缓存条目的变体标记
func (q Quality) MasterVariant() string {
	if q == QualityHiRes {
		return "src-hires"
	}
	return "src-std"
}

// QualityTier 音源质量层级，决定回退顺序
type QualityTier int

const (
	TierLossy    QualityTier = iota // 有损提取
	TierLossless                    // 标准无损 16bit/44.1kHz
	TierHiRes                       // Hi-Res 无损 24bit/96kHz 及以上
)

func (t QualityTier) String() string {
	switch t {
	case TierHiRes:
		return "hi-res"
	case TierLossless:
		return "lossless"
	default:
		return "lossy"
	}
}

// AudioFormat 纯粹的编码描述：编解码器/位深/采样率
type AudioFormat struct {
	Codec      string `json:"codec"`
	BitDepth   int    `json:"bitDepth,omitempty"`   // 有损编码为 0
	SampleRate int    `json:"sampleRate,omitempty"` // Hz
}

func (f AudioFormat) String() string {
	if f.BitDepth > 0 {
		return fmt.Sprintf("%s/%dbit/%dHz", f.Codec, f.BitDepth, f.SampleRate)
	}
	return f.Codec
}

// DownloadFormat 下载目标格式描述
type DownloadFormat struct {
	Name  string // 变体标记，也是 URL 中的 format 参数
	Muxer string // ffmpeg -f 参数（缓存文件无扩展名，容器必须显式指定）
	Codec string // ffmpeg -c:a 参数
	Ext   string // 附件文件扩展名
	MIME  string
	Lossy bool // 需要码率参数
}

// DownloadFormats 支持的下载格式表
var DownloadFormats = map[string]DownloadFormat{
	"flac": {Name: "flac", Muxer: "flac", Codec: "flac", Ext: ".flac", MIME: "audio/flac"},
	"wav":  {Name: "wav", Muxer: "wav", Codec: "pcm_s16le", Ext: ".wav", MIME: "audio/wav"},
	"aiff": {Name: "aiff", Muxer: "aiff", Codec: "pcm_s16be", Ext: ".aiff", MIME: "audio/aiff"},
	"alac": {Name: "alac", Muxer: "ipod", Codec: "alac", Ext: ".m4a", MIME: "audio/mp4"},
	"mp3":  {Name: "mp3", Muxer: "mp3", Codec: "libmp3lame", Ext: ".mp3", MIME: "audio/mpeg", Lossy: true},
}

// ParseDownloadFormat 解析下载格式参数
func ParseDownloadFormat(s string) (DownloadFormat, bool) {
	f, ok := DownloadFormats[strings.ToLower(s)]
	return f, ok
}

// Track 曲目描述在注册表中的持久化形态，仅保留命名下载文件所需的字段
type Track struct {
	ID        string    `json:"id" gorm:"primaryKey;size:64"`
	Title     string    `json:"title" gorm:"size:255"`
	Artist    string    `json:"artist" gorm:"size:255"`
	Query     string    `json:"query" gorm:"size:512"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Ref 把持久化记录还原为 TrackRef
func (t Track) Ref() TrackRef {
	var artists []string
	if t.Artist != "" {
		artists = strings.Split(t.Artist, ",")
		for i := range artists {
			artists[i] = strings.TrimSpace(artists[i])
		}
	}
	return TrackRef{ID: t.ID, Title: t.Title, Artists: artists, Query: t.Query}
}
