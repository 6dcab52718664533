package proxy

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/hath-node/hath-node/internal/admission"
	"github.com/hath-node/hath-node/internal/cache"
	"github.com/hath-node/hath-node/internal/logging"
	"github.com/hath-node/hath-node/internal/stats"
)

// CacheControlForever 是文件响应统一使用的缓存头。
const CacheControlForever = "public, max-age=31536000"

// FileStore 是文件服务所需的缓存读取能力。
type FileStore interface {
	IsPresent(file cache.RequestedFile) bool
	Open(file cache.RequestedFile) (*cache.ReadResult, error)
}

// Handler 负责 orchestrate “缓存命中 → 本地文件；未命中 → 回源流式转发并落盘” 的全流程。
type Handler struct {
	store    FileStore
	pipeline *Pipeline
	stats    *stats.Collector
	logger   *logrus.Logger
}

// NewHandler constructs a file handler with shared store/pipeline/stats/logger.
func NewHandler(store FileStore, pipeline *Pipeline, collector *stats.Collector, logger *logrus.Logger) *Handler {
	return &Handler{
		store:    store,
		pipeline: pipeline,
		stats:    collector,
		logger:   logger,
	}
}

// Wait 等待后台回源与落盘完成，供优雅退出使用。
func (h *Handler) Wait() {
	h.pipeline.Wait()
}

// ServeFile 输出已校验请求对应的文件。
func (h *Handler) ServeFile(c fiber.Ctx, file cache.RequestedFile, requestID string) error {
	started := time.Now()
	if h.store.IsPresent(file) {
		result, err := h.store.Open(file)
		switch {
		case err == nil:
			return h.serveCached(c, result, requestID, started)
		case errors.Is(err, cache.ErrNotFound):
		default:
			h.logger.WithFields(logging.RequestFields(requestID, c.IP(), file.FileID(), true)).
				WithError(err).Warn("cache_open_failed")
		}
	}
	return h.serveProxied(c, file, requestID, started)
}

func (h *Handler) serveCached(c fiber.Ctx, result *cache.ReadResult, requestID string, started time.Time) error {
	writeFileHeaders(c.Response(), result.File, result.SizeBytes)
	fields := logging.RequestFields(requestID, c.IP(), result.File.FileID(), true)
	release := admission.Hold(c)
	c.Response().SetBodyStream(&trackedReader{
		src:  result.Reader,
		size: result.SizeBytes,
		onClose: func(sent int64, complete bool) {
			_ = result.Reader.Close()
			release()
			h.recordTx(fields, sent, complete, true, started)
		},
	}, int(result.SizeBytes))
	return nil
}

func (h *Handler) serveProxied(c fiber.Ctx, file cache.RequestedFile, requestID string, started time.Time) error {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	session := h.pipeline.start(ctx, file, requestID)
	fields := logging.RequestFields(requestID, c.IP(), file.FileID(), false)

	for {
		ev := session.next()
		switch ev.kind {
		case eventURLsFetched:
			continue
		case eventURLsFetchFailed:
			session.detach()
			h.stats.TxError()
			return fiber.NewError(fiber.StatusNotFound)
		case eventHeadersFetchFailed:
			session.detach()
			h.stats.TxError()
			return fiber.NewError(fiber.StatusBadGateway)
		case eventHeadersFetched:
			writeFileHeaders(c.Response(), file, ev.contentLength)
			release := admission.Hold(c)
			c.Response().SetBodyStream(&trackedReader{
				src:  &sessionReader{session: session},
				size: ev.contentLength,
				onClose: func(sent int64, complete bool) {
					session.detach()
					release()
					h.recordTx(fields, sent, complete, false, started)
				},
			}, int(ev.contentLength))
			return nil
		default:
			session.detach()
			h.logger.WithFields(fields).WithField("event", ev.kind.String()).Error("proxy_unexpected_event")
			return fiber.NewError(fiber.StatusBadGateway)
		}
	}
}

func (h *Handler) recordTx(fields logrus.Fields, sent int64, complete, cacheHit bool, started time.Time) {
	entry := h.logger.WithFields(fields).WithFields(logrus.Fields{
		"action":     "serve_file",
		"bytes_sent": sent,
		"elapsed_ms": time.Since(started).Milliseconds(),
	})
	if !complete {
		h.stats.BytesSent(sent)
		h.stats.TxError()
		entry.Warn("serve_file_incomplete")
		return
	}
	h.stats.FileSent(sent, cacheHit)
	entry.Debug("serve_file_complete")
}

func writeFileHeaders(resp *fasthttp.Response, file cache.RequestedFile, size int64) {
	resp.SetStatusCode(fasthttp.StatusOK)
	resp.Header.SetContentType(file.MimeType())
	resp.Header.Set(fasthttp.HeaderCacheControl, CacheControlForever)
	resp.Header.SetContentLength(int(size))
}

// sessionReader 将回源事件转换为 io.Reader：每个字节片段按顺序读出，
// EndOfBytes 对应 io.EOF，读取失败以错误中断响应。
type sessionReader struct {
	session *fetchSession
	pending []byte
	err     error
}

func (r *sessionReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		ev := r.session.next()
		switch ev.kind {
		case eventBytesChunk:
			r.pending = ev.data
		case eventEndOfBytes:
			r.err = io.EOF
		case eventBytesFetchFailed:
			r.err = ev.err
			if r.err == nil {
				r.err = io.ErrUnexpectedEOF
			}
		default:
			r.err = io.ErrUnexpectedEOF
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// trackedReader 统计写出的字节数，并在 fasthttp 关闭 body stream 时回调一次。
type trackedReader struct {
	src     io.Reader
	size    int64
	sent    int64
	onClose func(sent int64, complete bool)
	once    sync.Once
}

func (r *trackedReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	r.sent += int64(n)
	return n, err
}

func (r *trackedReader) Close() error {
	r.once.Do(func() {
		r.onClose(r.sent, r.sent == r.size)
	})
	return nil
}
