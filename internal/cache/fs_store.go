package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.uber.org/atomic"
)

// Options 描述缓存根目录、统计文件位置以及底层文件系统。
type Options struct {
	Root      string
	StatePath string
	// Fs 默认为 afero.NewOsFs()，测试中可替换为内存文件系统。
	Fs     afero.Fs
	Limits DiskLimits
}

// Store 管理磁盘缓存：按哈希分层存放文件，维护只增不减的统计，
// 并提供哈希校验与全量扫描。
type Store struct {
	fs        afero.Fs
	root      string
	statePath string
	limits    DiskLimits
	logger    *logrus.Logger

	// writeMu 串行化所有统计变更（AddFile 的单写者约束）。
	writeMu   sync.Mutex
	size      atomic.Int64
	count     atomic.Int64
	freeBytes atomic.Int64

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore 以 Root 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(opts Options, logger *logrus.Logger) (*Store, error) {
	if opts.Root == "" {
		return nil, errors.New("cache root required")
	}
	if opts.StatePath == "" {
		return nil, errors.New("state path required")
	}
	fsys := opts.Fs
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if err := fsys.MkdirAll(opts.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}

	s := &Store{
		fs:        fsys,
		root:      opts.Root,
		statePath: opts.StatePath,
		limits:    opts.Limits,
		logger:    logger,
		locks:     make(map[string]*entryLock),
	}
	s.freeBytes.Store(-1)
	return s, nil
}

// Init 加载持久化统计；统计为空时全量扫描重建，然后写回。
func (s *Store) Init(ctx context.Context) error {
	state, err := s.loadState()
	if err != nil {
		s.logger.WithError(err).WithField("action", "cache_init").Warn("cache_state_unreadable")
	}
	if state.IsZero() {
		if err := s.ReloadAccounting(ctx); err != nil {
			return err
		}
	} else {
		s.size.Store(state.CacheSize)
		s.count.Store(state.CacheFilesCount)
	}

	acct := s.Accounting()
	s.logger.WithFields(logrus.Fields{
		"action":      "cache_init",
		"cache_size":  acct.CacheSize,
		"cache_files": acct.CacheFilesCount,
	}).Info("cache_ready")
	return s.SaveState()
}

// Path 返回文件的绝对存储路径。
func (s *Store) Path(file RequestedFile) string {
	return filepath.Join(s.root, filepath.FromSlash(file.RelativePath()))
}

// IsPresent 检查文件是否已落盘。
func (s *Store) IsPresent(file RequestedFile) bool {
	info, err := s.fs.Stat(s.Path(file))
	return err == nil && info.Mode().IsRegular()
}

// Open 打开缓存文件供流式读取；不存在时返回 ErrNotFound。
func (s *Store) Open(file RequestedFile) (*ReadResult, error) {
	filePath := s.Path(file)
	info, err := s.fs.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, ErrNotFound
	}
	f, err := s.fs.Open(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &ReadResult{
		File:      file,
		SizeBytes: info.Size(),
		ModTime:   info.ModTime(),
		Reader:    f,
	}, nil
}

// Save 校验 SHA-1 后写入文件并累加统计；校验失败返回 *IntegrityError 且不落盘。
// 同一文件并发保存时只有第一次计入统计。
func (s *Store) Save(ctx context.Context, file RequestedFile, data []byte) error {
	sum := sha1.Sum(data)
	if actual := hex.EncodeToString(sum[:]); actual != file.Hash {
		return &IntegrityError{FileID: file.FileID(), Expected: file.Hash, Actual: actual}
	}

	unlock := s.lockEntry(file.FileID())
	defer unlock()

	filePath := s.Path(file)
	if exists, _ := afero.Exists(s.fs, filePath); exists {
		return nil
	}
	if err := s.writeAtomic(ctx, filePath, bytes.NewReader(data)); err != nil {
		return err
	}
	s.addFile(int64(len(data)))
	return nil
}

// writeAtomic 通过临时文件 + rename 保证写入原子性，失败时清理临时文件。
func (s *Store) writeAtomic(ctx context.Context, filePath string, body io.Reader) error {
	dir := filepath.Dir(filePath)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tempFile, err := afero.TempFile(s.fs, dir, ".cache-*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, body)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(tempName)
		return err
	}
	if err := s.fs.Rename(tempName, filePath); err != nil {
		_ = s.fs.Remove(tempName)
		return err
	}
	return nil
}

func (s *Store) addFile(size int64) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	total := s.size.Add(size)
	s.count.Inc()

	if s.limits == nil {
		return
	}
	if limit := s.limits.DiskLimitBytes(); limit > 0 && total > limit {
		s.logger.WithFields(logrus.Fields{
			"action":     "cache_save",
			"cache_size": total,
			"disk_limit": limit,
		}).Warn("cache_over_disk_limit")
	}
}

// ValidateFileHash 流式计算文件 SHA-1 并与 expectedHash 比较。
func (s *Store) ValidateFileHash(ctx context.Context, filePath, expectedHash string) (bool, error) {
	f, err := s.fs.Open(filePath)
	if err != nil {
		return false, err
	}
	defer f.Close()

	hasher := sha1.New()
	if _, err := copyWithContext(ctx, hasher, f); err != nil {
		return false, err
	}
	return hex.EncodeToString(hasher.Sum(nil)) == expectedHash, nil
}

// Accounting 返回当前统计快照。
func (s *Store) Accounting() State {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return State{CacheSize: s.size.Load(), CacheFilesCount: s.count.Load()}
}

// Close 持久化统计。
func (s *Store) Close() error {
	return s.SaveState()
}

func (s *Store) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
