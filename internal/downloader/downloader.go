package downloader

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/afero"

	"github.com/hath-node/hath-node/internal/errkind"
	"github.com/hath-node/hath-node/internal/proxy"
	"github.com/hath-node/hath-node/internal/rpc"
)

const (
	defaultMaxParallel = 3
	defaultMaxAttempts = 3
	defaultFileTimeout = 5 * time.Minute
	// 失败数达到该值时不再上报 dlfails。
	maxReportedFailures = 30
)

// Control 是下载队列依赖的控制服务器动作。
type Control interface {
	GetDownloadQueue(ctx context.Context, gid *int, minXRes string) (*rpc.GalleryResponse, error)
	DownloaderFetch(ctx context.Context, gid, page, fileIndex int, xres string, attempt int) (*rpc.LinesResponse, error)
	DownloaderFailures(ctx context.Context, failures []rpc.DownloadFailure) (*rpc.LinesResponse, error)
}

// Recorder 记录下载得到的字节数。
type Recorder interface {
	FileReceived(bytes int64)
}

// Options 汇总画廊下载器依赖。
type Options struct {
	Control     Control
	Client      *http.Client
	Fs          afero.Fs
	TempDir     string
	DownloadDir string
	URLMapping  string
	MaxParallel int
	MaxAttempts int
	FileTimeout time.Duration
	Stats       Recorder
	Logger      *logrus.Logger
}

// Summary 汇总一次队列消费的结果。
type Summary struct {
	Completed int `json:"completed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Downloader 消费控制服务器的画廊下载队列，把整本画廊落到 DownloadDir。
type Downloader struct {
	control     Control
	client      *http.Client
	fs          afero.Fs
	tempDir     string
	downloadDir string
	urlMapping  string
	maxParallel int
	maxAttempts int
	fileTimeout time.Duration
	stats       Recorder
	logger      *logrus.Logger
}

// New 构建下载器。
func New(opts Options) *Downloader {
	d := &Downloader{
		control:     opts.Control,
		client:      opts.Client,
		fs:          opts.Fs,
		tempDir:     opts.TempDir,
		downloadDir: opts.DownloadDir,
		urlMapping:  opts.URLMapping,
		maxParallel: opts.MaxParallel,
		maxAttempts: opts.MaxAttempts,
		fileTimeout: opts.FileTimeout,
		stats:       opts.Stats,
		logger:      opts.Logger,
	}
	if d.client == nil {
		d.client = http.DefaultClient
	}
	if d.fs == nil {
		d.fs = afero.NewOsFs()
	}
	if d.maxParallel <= 0 {
		d.maxParallel = defaultMaxParallel
	}
	if d.maxAttempts <= 0 {
		d.maxAttempts = defaultMaxAttempts
	}
	if d.fileTimeout <= 0 {
		d.fileTimeout = defaultFileTimeout
	}
	return d
}

type galleryOutcome int

const (
	outcomeCompleted galleryOutcome = iota
	outcomeSkipped
	outcomeFailed
)

// Run 反复拉取下一个画廊直到队列为空。每轮请求都会携带上一本画廊的 gid/minxres
// 作为确认，失败的画廊同样被确认，不会重复下发。
func (d *Downloader) Run(ctx context.Context) (Summary, error) {
	var (
		summary Summary
		prevGID *int
		prevRes string
	)
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		resp, err := d.control.GetDownloadQueue(ctx, prevGID, prevRes)
		if err != nil {
			if rpc.IsStatus(err, rpc.StatusNoPendingDownloads) || rpc.IsStatus(err, rpc.StatusEmptyResponse) {
				d.logger.WithFields(logrus.Fields{
					"action":    "download_queue",
					"completed": summary.Completed,
					"skipped":   summary.Skipped,
					"failed":    summary.Failed,
				}).Info("download_queue_drained")
				return summary, nil
			}
			d.logger.WithField("action", "download_queue").WithError(err).Error("download_queue_failed")
			return summary, err
		}

		gallery := resp.Gallery
		switch outcome, err := d.downloadGallery(ctx, gallery); outcome {
		case outcomeCompleted:
			summary.Completed++
		case outcomeSkipped:
			summary.Skipped++
		default:
			summary.Failed++
			if err != nil && ctx.Err() != nil {
				return summary, ctx.Err()
			}
		}
		gid := gallery.GalleryID
		prevGID = &gid
		prevRes = gallery.MinXRes
	}
}

func (d *Downloader) galleryFields(g *rpc.GalleryInfo) logrus.Fields {
	return logrus.Fields{
		"action":  "download_gallery",
		"gid":     g.GalleryID,
		"min_res": g.MinXRes,
		"pages":   len(g.Pages),
	}
}

func (d *Downloader) downloadGallery(ctx context.Context, g *rpc.GalleryInfo) (galleryOutcome, error) {
	fields := d.galleryFields(g)
	target := filepath.Join(d.downloadDir, g.DirName())
	if exists, _ := afero.DirExists(d.fs, target); exists {
		d.logger.WithFields(fields).Warn("download_gallery_exists")
		return outcomeSkipped, nil
	}

	d.logger.WithFields(fields).WithField("title", g.Title).Info("download_gallery_begin")
	if err := d.fs.MkdirAll(d.tempDir, 0o755); err != nil {
		return outcomeFailed, fmt.Errorf("create temp dir: %w", err)
	}
	workDir, err := afero.TempDir(d.fs, d.tempDir, "gallery-")
	if err != nil {
		return outcomeFailed, fmt.Errorf("create gallery temp dir: %w", err)
	}
	moved := false
	defer func() {
		if !moved {
			_ = d.fs.RemoveAll(workDir)
		}
	}()

	if err := d.writeInfo(workDir, g); err != nil {
		d.logger.WithFields(fields).WithError(err).Error("download_gallery_info_failed")
		return outcomeFailed, err
	}

	p := pool.NewWithResults[*rpc.DownloadFailure]().WithMaxGoroutines(d.maxParallel)
	for idx := range g.Pages {
		p.Go(func() *rpc.DownloadFailure {
			return d.downloadPage(ctx, workDir, g, idx)
		})
	}
	var failures []rpc.DownloadFailure
	for _, failure := range p.Wait() {
		if failure != nil {
			failures = append(failures, *failure)
		}
	}

	if len(failures) > 0 {
		fields["failures"] = len(failures)
		d.logger.WithFields(fields).Error("download_gallery_failed")
		d.reportFailures(ctx, failures)
		return outcomeFailed, errkind.New(errkind.Exhaustion, "download_gallery",
			fmt.Errorf("gallery %d: %d pages failed", g.GalleryID, len(failures)))
	}

	if err := d.fs.MkdirAll(d.downloadDir, 0o755); err != nil {
		return outcomeFailed, fmt.Errorf("create download dir: %w", err)
	}
	if err := d.fs.Rename(workDir, target); err != nil {
		d.logger.WithFields(fields).WithError(err).Error("download_gallery_move_failed")
		return outcomeFailed, err
	}
	moved = true
	d.logger.WithFields(fields).Info("download_gallery_complete")
	return outcomeCompleted, nil
}

func (d *Downloader) reportFailures(ctx context.Context, failures []rpc.DownloadFailure) {
	if len(failures) >= maxReportedFailures {
		return
	}
	if _, err := d.control.DownloaderFailures(ctx, failures); err != nil {
		d.logger.WithField("action", "download_gallery").WithError(err).Warn("download_failures_report_failed")
	}
}

func (d *Downloader) writeInfo(dir string, g *rpc.GalleryInfo) error {
	if err := afero.WriteFile(d.fs, filepath.Join(dir, "info.txt"), []byte(g.About), 0o644); err != nil {
		return err
	}
	raw, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return err
	}
	return afero.WriteFile(d.fs, filepath.Join(dir, "info.json"), raw, 0o644)
}

// PageFileName 返回页面在画廊目录中的文件名，如 "007.jpg"。
func PageFileName(idx int, typ string) string {
	return fmt.Sprintf("%03d.%s", idx, typ)
}

// downloadPage 在 maxAttempts 轮内下载单页：每轮向控制服务器换取候选地址并依次尝试。
// 返回 nil 表示成功。
func (d *Downloader) downloadPage(ctx context.Context, dir string, g *rpc.GalleryInfo, idx int) *rpc.DownloadFailure {
	page := g.Pages[idx]
	dest := filepath.Join(dir, PageFileName(idx, page.Type))
	fields := logrus.Fields{
		"action":     "download_page",
		"gid":        g.GalleryID,
		"page":       page.Page,
		"file_index": page.FileIndex,
	}
	var lastHost string

	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			break
		}
		resp, err := d.control.DownloaderFetch(ctx, g.GalleryID, idx+1, page.FileIndex, page.XRes, attempt)
		if err != nil {
			d.logger.WithFields(fields).WithField("attempt", attempt).WithError(err).Warn("download_page_urls_failed")
			continue
		}
		for _, candidate := range proxy.MapURLs(d.urlMapping, resp.Lines) {
			if u, err := url.Parse(candidate); err == nil {
				lastHost = u.Host
			}
			err := d.fetchTo(ctx, candidate, dest, page.Hash)
			if err == nil {
				d.logger.WithFields(fields).Debug("download_page_complete")
				return nil
			}
			_ = d.fs.Remove(dest)
			d.logger.WithFields(fields).WithField("origin", candidate).WithError(err).Debug("download_page_candidate_failed")
		}
	}

	d.logger.WithFields(fields).Error("download_page_attempts_exhausted")
	return &rpc.DownloadFailure{Host: lastHost, FileIndex: page.FileIndex, XRes: page.XRes}
}

var errHashMismatch = errors.New("page hash mismatch")

func (d *Downloader) fetchTo(ctx context.Context, rawURL, dest string, expectedHash *string) error {
	ctx, cancel := context.WithTimeout(ctx, d.fileTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	out, err := d.fs.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	hasher := sha1.New()
	written, copyErr := io.Copy(io.MultiWriter(out, hasher), resp.Body)
	closeErr := out.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		return io.ErrUnexpectedEOF
	}
	if expectedHash != nil && hex.EncodeToString(hasher.Sum(nil)) != *expectedHash {
		return errHashMismatch
	}
	if d.stats != nil {
		d.stats.FileReceived(written)
	}
	return nil
}
