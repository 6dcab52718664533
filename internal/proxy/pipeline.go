package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/hath-node/hath-node/internal/cache"
	"github.com/hath-node/hath-node/internal/errkind"
	"github.com/hath-node/hath-node/internal/rpc"
	"github.com/hath-node/hath-node/internal/stats"
)

const (
	eventQueueSize         = 64
	chunkSize              = 64 << 10
	defaultHeaderTimeout   = 5 * time.Second
	defaultReadIdleTimeout = 30 * time.Second
)

var errHeaderTimeout = errors.New("origin header timeout")

// OriginResolver 向控制服务器换取文件的候选源站地址。
type OriginResolver interface {
	StaticRangeFetch(ctx context.Context, fileIndex int, xres, fileID string) (*rpc.LinesResponse, error)
}

// FileSaver 持久化经过哈希校验的文件内容。
type FileSaver interface {
	Save(ctx context.Context, file cache.RequestedFile, data []byte) error
}

// SizeLimit 提供单文件允许的最大字节数。
type SizeLimit interface {
	MaxAllowedFileSize() int64
}

// PipelineOptions 汇总回源流水线依赖。
type PipelineOptions struct {
	Resolver        OriginResolver
	Client          *http.Client
	Saver           FileSaver
	Limits          SizeLimit
	Stats           *stats.Collector
	URLMapping      string
	HeaderTimeout   time.Duration
	ReadIdleTimeout time.Duration
	Logger          *logrus.Logger
}

// Pipeline 负责缓存未命中时的回源：回源协程与响应协程通过有界事件队列衔接，
// 回源协程独立于客户端连接运行，保证客户端断开后文件仍会落盘。
type Pipeline struct {
	resolver        OriginResolver
	client          *http.Client
	saver           FileSaver
	limits          SizeLimit
	stats           *stats.Collector
	urlMapping      string
	headerTimeout   time.Duration
	readIdleTimeout time.Duration
	logger          *logrus.Logger

	wg sync.WaitGroup
}

// NewPipeline 构建回源流水线，整站共享一份实例。
func NewPipeline(opts PipelineOptions) *Pipeline {
	p := &Pipeline{
		resolver:        opts.Resolver,
		client:          opts.Client,
		saver:           opts.Saver,
		limits:          opts.Limits,
		stats:           opts.Stats,
		urlMapping:      opts.URLMapping,
		headerTimeout:   opts.HeaderTimeout,
		readIdleTimeout: opts.ReadIdleTimeout,
		logger:          opts.Logger,
	}
	if p.headerTimeout <= 0 {
		p.headerTimeout = defaultHeaderTimeout
	}
	if p.readIdleTimeout <= 0 {
		p.readIdleTimeout = defaultReadIdleTimeout
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	return p
}

// Wait 阻塞直到所有回源协程（含落盘）结束。
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

type fetchSession struct {
	pipeline  *Pipeline
	file      cache.RequestedFile
	requestID string

	events    chan fetchEvent
	done      chan struct{}
	closeOnce sync.Once
}

// start 启动回源协程并返回事件源。回源使用脱离请求取消信号的上下文。
func (p *Pipeline) start(ctx context.Context, file cache.RequestedFile, requestID string) *fetchSession {
	s := &fetchSession{
		pipeline:  p,
		file:      file,
		requestID: requestID,
		events:    make(chan fetchEvent, eventQueueSize),
		done:      make(chan struct{}),
	}
	fetchCtx := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		s.run(fetchCtx)
	}()
	return s
}

// emit 投递事件；响应侧已离开时丢弃，回源继续。
func (s *fetchSession) emit(ev fetchEvent) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// next 阻塞读取下一个事件。回源协程总会以终止事件结束，除非响应侧先行离开。
func (s *fetchSession) next() fetchEvent {
	return <-s.events
}

// detach 表示响应侧不再消费事件。
func (s *fetchSession) detach() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *fetchSession) fields(started time.Time) logrus.Fields {
	fields := logrus.Fields{
		"action":     "proxy_fetch",
		"file_id":    s.file.FileID(),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	if s.requestID != "" {
		fields["request_id"] = s.requestID
	}
	return fields
}

func (s *fetchSession) run(ctx context.Context) {
	p := s.pipeline
	started := time.Now()
	fileID := s.file.FileID()

	resp, err := p.resolver.StaticRangeFetch(ctx, s.file.FileIndex, s.file.XResType, fileID)
	if err == nil && len(resp.Lines) == 0 {
		err = errkind.New(errkind.Exhaustion, "srfetch", errors.New("control server returned no origin urls"))
	}
	if err != nil {
		p.stats.RxError()
		p.logger.WithFields(s.fields(started)).WithError(err).Warn("proxy_urls_failed")
		s.emit(fetchEvent{kind: eventURLsFetchFailed, err: err})
		return
	}
	s.emit(fetchEvent{kind: eventURLsFetched})

	origin, err := s.openOrigin(ctx, MapURLs(p.urlMapping, resp.Lines))
	if err != nil {
		p.stats.RxError()
		p.logger.WithFields(s.fields(started)).WithError(err).Warn("proxy_headers_failed")
		s.emit(fetchEvent{kind: eventHeadersFetchFailed, err: err})
		return
	}
	defer origin.close()
	s.emit(fetchEvent{kind: eventHeadersFetched, contentLength: origin.size})

	buf := make([]byte, origin.size)
	if err := s.readBody(origin, buf); err != nil {
		p.stats.RxError()
		fields := s.fields(started)
		fields["origin"] = origin.url
		p.logger.WithFields(fields).WithError(err).Warn("proxy_body_failed")
		s.emit(fetchEvent{kind: eventBytesFetchFailed, err: err})
		return
	}
	s.emit(fetchEvent{kind: eventEndOfBytes})
	p.stats.FileReceived(origin.size)

	fields := s.fields(started)
	fields["origin"] = origin.url
	fields["size"] = origin.size
	if err := p.saver.Save(ctx, s.file, buf); err != nil {
		fields["error_kind"] = errkind.KindOf(err)
		p.logger.WithFields(fields).WithError(err).Warn("proxy_persist_failed")
		return
	}
	p.logger.WithFields(fields).Info("proxy_complete")
}

type originBody struct {
	url    string
	size   int64
	body   io.ReadCloser
	timer  *time.Timer
	cancel context.CancelFunc
}

func (o *originBody) close() {
	o.timer.Stop()
	_ = o.body.Close()
	o.cancel()
}

// openOrigin 按顺序尝试候选地址，第一个通过响应头检查的地址胜出。
func (s *fetchSession) openOrigin(ctx context.Context, urls []string) (*originBody, error) {
	limit := s.pipeline.limits.MaxAllowedFileSize()
	var errs error
	for _, candidate := range urls {
		origin, err := s.tryOrigin(ctx, candidate, limit)
		if err == nil {
			return origin, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", candidate, err))
		s.pipeline.logger.WithFields(logrus.Fields{
			"action":  "proxy_fetch",
			"file_id": s.file.FileID(),
			"origin":  candidate,
		}).WithError(err).Debug("proxy_candidate_rejected")
	}
	if errs == nil {
		errs = errors.New("no origin candidates")
	}
	return nil, errkind.New(errkind.Exhaustion, "fetch_headers", errs)
}

func (s *fetchSession) tryOrigin(ctx context.Context, rawURL string, limit int64) (*originBody, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(s.pipeline.headerTimeout, cancel)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawURL, nil)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, err
	}
	resp, err := s.pipeline.client.Do(req)
	if err != nil {
		timer.Stop()
		cancel()
		if reqCtx.Err() != nil && ctx.Err() == nil {
			return nil, errHeaderTimeout
		}
		return nil, err
	}
	reject := func(err error) (*originBody, error) {
		timer.Stop()
		_ = resp.Body.Close()
		cancel()
		return nil, err
	}
	if !timer.Stop() {
		return reject(errHeaderTimeout)
	}
	if resp.StatusCode != http.StatusOK {
		return reject(fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	if resp.ContentLength <= 0 {
		return reject(fmt.Errorf("content length must be > 0, got %d", resp.ContentLength))
	}
	if limit > 0 && resp.ContentLength > limit {
		return reject(fmt.Errorf("content length %d exceeds limit %d", resp.ContentLength, limit))
	}
	return &originBody{
		url:    rawURL,
		size:   resp.ContentLength,
		body:   resp.Body,
		timer:  timer,
		cancel: cancel,
	}, nil
}

// readBody 按固定块大小读满 buf，每次读取产生一个只读片段事件。
// 读取停滞超过 readIdleTimeout 时取消请求。
func (s *fetchSession) readBody(origin *originBody, buf []byte) error {
	var offset int
	for offset < len(buf) {
		end := min(offset+chunkSize, len(buf))
		origin.timer.Reset(s.pipeline.readIdleTimeout)
		n, err := origin.body.Read(buf[offset:end])
		origin.timer.Stop()
		if n > 0 {
			s.emit(fetchEvent{kind: eventBytesChunk, offset: int64(offset), data: buf[offset : offset+n]})
			offset += n
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if offset == len(buf) {
					return nil
				}
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
	return nil
}
