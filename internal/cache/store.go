package cache

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hath-node/hath-node/internal/errkind"
)

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")

// IntegrityError 表示数据的 SHA-1 与文件标识中的哈希不一致。
type IntegrityError struct {
	FileID   string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: expected %s, got %s", e.FileID, e.Expected, e.Actual)
}

// ErrorKind implements errkind.Classified.
func (e *IntegrityError) ErrorKind() errkind.Kind { return errkind.Integrity }

// State 是持久化的缓存统计：只增不减。
type State struct {
	CacheSize       int64 `json:"cache_size"`
	CacheFilesCount int64 `json:"cache_files_count"`
}

// IsZero 表示统计为空，需要重新扫描。
func (s State) IsZero() bool {
	return s.CacheSize == 0 || s.CacheFilesCount == 0
}

// ReadResult 组合文件大小与正文 Reader，便于代理层直接将 Body 流式返回。
type ReadResult struct {
	File      RequestedFile
	SizeBytes int64
	ModTime   time.Time
	Reader    io.ReadCloser
}

// ValidationReport 汇总一次全量哈希校验的结果。
type ValidationReport struct {
	Checked int64    `json:"checked"`
	OK      int64    `json:"ok"`
	Bad     int64    `json:"bad"`
	Skipped int64    `json:"skipped"`
	BadIDs  []string `json:"bad_ids,omitempty"`
}

// DiskLimits 提供控制服务器下发的磁盘上限。
type DiskLimits interface {
	DiskLimitBytes() int64
}
