// Package lifecycle 串行化节点与控制服务器之间的启动、挂起、恢复与停止握手。
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/hath-node/hath-node/internal/errkind"
	"github.com/hath-node/hath-node/internal/rpc"
)

// State 是节点在控制服务器视角下的状态。
type State int

const (
	Stopped State = iota
	Running
	Suspended
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Suspended:
		return "suspended"
	default:
		return "stopped"
	}
}

// MarshalText 让状态在 JSON 中以字符串输出。
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const notifyMaxAttempts = 5

// ErrVersionOutdated 表示控制服务器要求的最低版本高于当前实现。
var ErrVersionOutdated = errors.New("client build is older than the minimal build required by the control server")

// ErrInvalidTransition 表示当前状态不允许该握手。
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// Control 是生命周期握手所需的 RPC 动作。
type Control interface {
	ServerStat(ctx context.Context) (*rpc.PropsResponse, error)
	ClientLogin(ctx context.Context) (*rpc.PropsResponse, error)
	ClientSettings(ctx context.Context) (*rpc.PropsResponse, error)
	ClientStart(ctx context.Context) (*rpc.LinesResponse, error)
	ClientSuspend(ctx context.Context) (*rpc.LinesResponse, error)
	ClientResume(ctx context.Context) (*rpc.LinesResponse, error)
	ClientStop(ctx context.Context) (*rpc.LinesResponse, error)
	StillAlive(ctx context.Context, resume bool) (*rpc.PropsResponse, error)
	GetCertificate(ctx context.Context) (*rpc.CertResponse, error)
}

// Settings 接收控制服务器下发的属性与证书。
type Settings interface {
	ApplyAll(props map[string]string) error
	UpdateCertificate(pfx []byte) (time.Time, error)
	Builds() (minimal, latest int)
	ClientBuild() int
	SkipStartNotify() bool
	SkipStopNotify() bool
}

// Status 是生命周期快照。
type Status struct {
	State              State     `json:"state"`
	LastStart          time.Time `json:"last_start,omitempty"`
	LastProlongSession time.Time `json:"last_prolong_session,omitempty"`
}

// Lifecycle 是进程内唯一的状态机。所有握手经同一把二元信号量串行执行，
// 信号量不可重入，方法之间不得相互调用。
type Lifecycle struct {
	control  Control
	settings Settings
	logger   *logrus.Logger
	now      func() time.Time

	gate chan struct{}

	mu                 sync.RWMutex
	state              State
	lastStart          time.Time
	lastProlongSession time.Time
}

// New 创建处于 Stopped 状态的生命周期管理器。
func New(control Control, settings Settings, logger *logrus.Logger) *Lifecycle {
	return &Lifecycle{
		control:  control,
		settings: settings,
		logger:   logger,
		now:      time.Now,
		gate:     make(chan struct{}, 1),
	}
}

func (l *Lifecycle) acquire(ctx context.Context) error {
	select {
	case l.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lifecycle) release() {
	<-l.gate
}

// Status 返回当前状态快照。
func (l *Lifecycle) Status() Status {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Status{State: l.state, LastStart: l.lastStart, LastProlongSession: l.lastProlongSession}
}

// State 返回当前状态。
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Lifecycle) setState(state State) {
	l.mu.Lock()
	l.state = state
	l.mu.Unlock()
}

func (l *Lifecycle) markStarted(state State) {
	now := l.now()
	l.mu.Lock()
	l.state = state
	l.lastStart = now
	l.lastProlongSession = now
	l.mu.Unlock()
}

func (l *Lifecycle) fields(act string) logrus.Fields {
	return logrus.Fields{"action": "lifecycle", "lifecycle_act": act, "state": l.State().String()}
}

// responseText 提取 RPC 错误中携带的原始响应，便于排查。
func responseText(err error) string {
	var callErr *rpc.CallError
	if errors.As(err, &callErr) {
		return callErr.Response.RawText
	}
	return ""
}

func (l *Lifecycle) logFailure(act string, err error, attempt int) {
	entry := l.logger.WithFields(l.fields(act)).WithError(err)
	if attempt > 0 {
		entry = entry.WithField("attempt", attempt)
	}
	if raw := responseText(err); raw != "" {
		entry = entry.WithField("response", raw)
	}
	entry.Error("lifecycle_control_failed")
}

// Start 通知控制服务器节点开始服务，最多尝试 5 次；全部失败时返回 Exhaustion 错误，
// 调用方应视为启动失败。配置了跳过通知时直接进入 Running。
func (l *Lifecycle) Start(ctx context.Context) error {
	if l.settings.SkipStartNotify() {
		l.markStarted(Running)
		l.logger.WithFields(l.fields("start")).Warn("lifecycle_start_notify_skipped")
		return nil
	}
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()

	var errs error
	for attempt := 1; attempt <= notifyMaxAttempts; attempt++ {
		if _, err := l.control.ClientStart(ctx); err != nil {
			errs = multierr.Append(errs, err)
			l.logFailure("start", err, attempt)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		l.markStarted(Running)
		l.logger.WithFields(l.fields("start")).Info("lifecycle_started")
		return nil
	}
	return errkind.New(errkind.Exhaustion, "client_start", errs)
}

// Stop 通知控制服务器节点停止服务，最多尝试 5 次。重试耗尽时恢复到尝试前的状态并返回错误。
func (l *Lifecycle) Stop(ctx context.Context) error {
	if l.settings.SkipStopNotify() {
		l.setState(Stopped)
		l.logger.WithFields(l.fields("stop")).Warn("lifecycle_stop_notify_skipped")
		return nil
	}
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()

	prev := l.State()
	var errs error
	for attempt := 1; attempt <= notifyMaxAttempts; attempt++ {
		if _, err := l.control.ClientStop(ctx); err != nil {
			errs = multierr.Append(errs, err)
			l.logFailure("stop", err, attempt)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		l.setState(Stopped)
		l.logger.WithFields(l.fields("stop")).Info("lifecycle_stopped")
		return nil
	}
	// TODO: 重试耗尽后仍恢复为停止前的状态，需确认是否应保持 Stopped。
	l.setState(prev)
	return errkind.New(errkind.Exhaustion, "client_stop", errs)
}

// Suspend 单次尝试挂起，仅允许从 Running 进入；失败时状态不变。
func (l *Lifecycle) Suspend(ctx context.Context) error {
	return l.transition(ctx, "suspend", Running, func(ctx context.Context) error {
		if _, err := l.control.ClientSuspend(ctx); err != nil {
			return err
		}
		l.setState(Suspended)
		return nil
	})
}

// Resume 单次尝试恢复，仅允许从 Suspended 进入；成功时刷新 lastStart 与 lastProlongSession。
func (l *Lifecycle) Resume(ctx context.Context) error {
	return l.transition(ctx, "resume", Suspended, func(ctx context.Context) error {
		if _, err := l.control.ClientResume(ctx); err != nil {
			return err
		}
		l.markStarted(Running)
		return nil
	})
}

func (l *Lifecycle) transition(ctx context.Context, act string, from State, fn func(context.Context) error) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()

	prev := l.State()
	if prev != from {
		return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, act, prev)
	}
	if err := fn(ctx); err != nil {
		l.setState(prev)
		l.logFailure(act, err, 0)
		return err
	}
	l.logger.WithFields(l.fields(act)).Info("lifecycle_transition")
	return nil
}

// StillAlive 延长会话，仅刷新 lastProlongSession。
func (l *Lifecycle) StillAlive(ctx context.Context) error {
	return l.guarded(ctx, "still_alive", func(ctx context.Context) error {
		if _, err := l.control.StillAlive(ctx, false); err != nil {
			return err
		}
		now := l.now()
		l.mu.Lock()
		l.lastProlongSession = now
		l.mu.Unlock()
		return nil
	})
}

// FetchCertificate 下载并装载节点证书。
func (l *Lifecycle) FetchCertificate(ctx context.Context) error {
	return l.guarded(ctx, "get_cert", func(ctx context.Context) error {
		resp, err := l.control.GetCertificate(ctx)
		if err != nil {
			return err
		}
		notAfter, err := l.settings.UpdateCertificate(resp.CertBytes)
		if err != nil {
			return err
		}
		l.logger.WithFields(l.fields("get_cert")).WithField("not_after", notAfter).Info("certificate_loaded")
		return nil
	})
}

// Login 登录并应用下发的配置。
func (l *Lifecycle) Login(ctx context.Context) error {
	return l.guarded(ctx, "login", func(ctx context.Context) error {
		resp, err := l.control.ClientLogin(ctx)
		if err != nil {
			return err
		}
		return l.applyProps("login", resp)
	})
}

// RefreshSettings 重新拉取控制服务器配置。
func (l *Lifecycle) RefreshSettings(ctx context.Context) error {
	return l.guarded(ctx, "refresh_settings", func(ctx context.Context) error {
		resp, err := l.control.ClientSettings(ctx)
		if err != nil {
			return err
		}
		return l.applyProps("refresh_settings", resp)
	})
}

// FetchRemoteStat 拉取服务器状态与版本信息；当前版本低于最低版本时返回 ErrVersionOutdated。
func (l *Lifecycle) FetchRemoteStat(ctx context.Context) error {
	return l.guarded(ctx, "server_stat", func(ctx context.Context) error {
		resp, err := l.control.ServerStat(ctx)
		if err != nil {
			return err
		}
		if err := l.applyProps("server_stat", resp); err != nil {
			return err
		}
		minimal, latest := l.settings.Builds()
		current := l.settings.ClientBuild()
		fields := l.fields("server_stat")
		fields["client_build"] = current
		fields["minimal_build"] = minimal
		fields["latest_build"] = latest
		if latest != 0 && latest != current {
			l.logger.WithFields(fields).Warn("client_build_not_latest")
		}
		if current < minimal {
			l.logger.WithFields(fields).Error("client_build_outdated")
			return ErrVersionOutdated
		}
		return nil
	})
}

// applyProps 应用属性；单键格式错误只记录日志，不视为握手失败。
func (l *Lifecycle) applyProps(act string, resp *rpc.PropsResponse) error {
	if err := l.settings.ApplyAll(resp.Properties); err != nil {
		l.logger.WithFields(l.fields(act)).WithError(err).Warn("settings_apply_partial")
	}
	return nil
}

func (l *Lifecycle) guarded(ctx context.Context, act string, fn func(context.Context) error) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.release()

	if err := fn(ctx); err != nil {
		l.logFailure(act, err, 0)
		return err
	}
	l.logger.WithFields(l.fields(act)).Debug("lifecycle_control_ok")
	return nil
}
