package cache

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"
	"go.uber.org/atomic"
)

const (
	validateParallelism = 50
	validateLogEvery    = 1000
)

type scannedFile struct {
	path string
	file RequestedFile
	size int64
}

// walk 枚举缓存目录中所有文件名合法且位于正确分层目录下的文件。
func (s *Store) walk(ctx context.Context) ([]scannedFile, int64, error) {
	var (
		files   []scannedFile
		skipped int64
	)
	err := afero.Walk(s.fs, s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		file, parseErr := ParseFileID(info.Name())
		if parseErr != nil || filepath.Clean(p) != s.Path(file) {
			skipped++
			return nil
		}
		files = append(files, scannedFile{path: p, file: file, size: info.Size()})
		return nil
	})
	return files, skipped, err
}

// ReloadAccounting 全量扫描缓存目录，从零重建统计。
func (s *Store) ReloadAccounting(ctx context.Context) error {
	files, skipped, err := s.walk(ctx)
	if err != nil {
		return err
	}
	var total int64
	for _, f := range files {
		total += f.size
	}

	s.writeMu.Lock()
	s.size.Store(total)
	s.count.Store(int64(len(files)))
	s.writeMu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"action":      "cache_rescan",
		"cache_size":  total,
		"cache_files": len(files),
		"skipped":     skipped,
	}).Info("cache_accounting_reloaded")
	return nil
}

// ValidateAll 以有限并发逐个校验缓存文件内容哈希与文件名中的哈希是否一致。
func (s *Store) ValidateAll(ctx context.Context) (ValidationReport, error) {
	files, skipped, err := s.walk(ctx)
	if err != nil {
		return ValidationReport{}, err
	}

	var (
		checked atomic.Int64
		ok      atomic.Int64
		bad     atomic.Int64
		badMu   sync.Mutex
		badIDs  []string
	)
	p := pool.New().WithContext(ctx).WithMaxGoroutines(validateParallelism)
	for _, entry := range files {
		p.Go(func(ctx context.Context) error {
			valid, err := s.ValidateFileHash(ctx, entry.path, entry.file.Hash)
			if err != nil && ctx.Err() != nil {
				return ctx.Err()
			}
			if valid {
				ok.Inc()
			} else {
				bad.Inc()
				badMu.Lock()
				badIDs = append(badIDs, entry.file.FileID())
				badMu.Unlock()
				s.logger.WithFields(logrus.Fields{
					"action":  "cache_validate",
					"file_id": entry.file.FileID(),
				}).Warn("cache_file_corrupted")
			}
			if n := checked.Inc(); n%validateLogEvery == 0 {
				s.logger.WithFields(logrus.Fields{
					"action":  "cache_validate",
					"checked": n,
					"total":   len(files),
				}).Info("cache_validate_progress")
			}
			return nil
		})
	}
	waitErr := p.Wait()

	report := ValidationReport{
		Checked: checked.Load(),
		OK:      ok.Load(),
		Bad:     bad.Load(),
		Skipped: skipped,
		BadIDs:  badIDs,
	}
	s.logger.WithFields(logrus.Fields{
		"action":  "cache_validate",
		"checked": report.Checked,
		"ok":      report.OK,
		"bad":     report.Bad,
		"skipped": report.Skipped,
	}).Info("cache_validate_complete")
	return report, waitErr
}
