// Package jobs 运行节点的周期性后台任务：每个任务独占一个循环协程，
// 同一任务的执行天然不重叠，并支持按名字立即触发。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// ErrUnknownJob 表示触发了未注册的任务。
var ErrUnknownJob = errors.New("unknown job")

// ErrDuplicateJob 表示任务名重复注册。
var ErrDuplicateJob = errors.New("duplicate job")

// Job 描述一个周期任务。Delay 为首次执行前的等待时间，为 0 时启动后立即执行一次。
type Job struct {
	Name     string
	Interval time.Duration
	Delay    time.Duration
	Run      func(ctx context.Context) error
}

type entry struct {
	job     Job
	trigger chan struct{}
	running atomic.Bool
	runs    atomic.Int64
	lastErr atomic.Error
	lastRun atomic.Int64
}

// JobStatus 是单个任务的运行快照。
type JobStatus struct {
	Name      string    `json:"name"`
	Interval  string    `json:"interval"`
	Running   bool      `json:"running"`
	Runs      int64     `json:"runs"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Scheduler 持有全部任务，Start 之后不再接受注册。
type Scheduler struct {
	logger *logrus.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	started bool

	wg sync.WaitGroup
}

// NewScheduler 创建空调度器。
func NewScheduler(logger *logrus.Logger) *Scheduler {
	return &Scheduler{logger: logger, entries: make(map[string]*entry)}
}

// Add 注册任务。
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job requires name and run func")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("job %s: interval must be > 0", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("job %s: scheduler already started", job.Name)
	}
	if _, ok := s.entries[job.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}
	s.entries[job.Name] = &entry{job: job, trigger: make(chan struct{}, 1)}
	return nil
}

// Start 为每个任务启动循环协程，ctx 取消后全部退出。
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	for _, e := range s.entries {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(ctx, e)
		}()
	}
	s.logger.WithFields(logrus.Fields{"action": "jobs", "count": len(s.entries)}).Info("jobs_started")
}

// Wait 等待所有任务循环退出。
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Trigger 请求立即执行任务；任务正在执行时合并为其结束后的一次执行。
func (s *Scheduler) Trigger(name string) error {
	s.mu.RLock()
	e, ok := s.entries[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	select {
	case e.trigger <- struct{}{}:
	default:
	}
	return nil
}

// Snapshot 返回按名字排序的任务状态。
func (s *Scheduler) Snapshot() []JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JobStatus, 0, len(s.entries))
	for _, e := range s.entries {
		status := JobStatus{
			Name:     e.job.Name,
			Interval: e.job.Interval.String(),
			Running:  e.running.Load(),
			Runs:     e.runs.Load(),
		}
		if nanos := e.lastRun.Load(); nanos > 0 {
			status.LastRun = time.Unix(0, nanos)
		}
		if err := e.lastErr.Load(); err != nil {
			status.LastError = err.Error()
		}
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	timer := time.NewTimer(e.job.Delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-e.trigger:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		s.execute(ctx, e)
		timer.Reset(e.job.Interval)
	}
}

func (s *Scheduler) execute(ctx context.Context, e *entry) {
	fields := logrus.Fields{"action": "job", "job": e.job.Name}
	started := time.Now()
	e.running.Store(true)
	defer func() {
		e.running.Store(false)
		if r := recover(); r != nil {
			e.lastErr.Store(fmt.Errorf("panic: %v", r))
			s.logger.WithFields(fields).WithField("panic", r).Error("job_panic")
		}
	}()

	err := e.job.Run(ctx)
	e.runs.Inc()
	e.lastRun.Store(started.UnixNano())
	e.lastErr.Store(err)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("job_failed")
		return
	}
	s.logger.WithFields(fields).Debug("job_complete")
}
