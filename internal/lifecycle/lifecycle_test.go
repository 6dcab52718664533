package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hath-node/hath-node/internal/errkind"
	"github.com/hath-node/hath-node/internal/logging"
	"github.com/hath-node/hath-node/internal/rpc"
)

var errControl = errors.New("control server rejected")

type fakeControl struct {
	mu           sync.Mutex
	calls        map[string]int
	fail         map[string]bool
	props        map[string]string
	inFlight     int
	maxInFlight  int
	holdInFlight time.Duration
}

func newFakeControl() *fakeControl {
	return &fakeControl{calls: map[string]int{}, fail: map[string]bool{}, props: map[string]string{}}
}

func (f *fakeControl) record(act string) error {
	f.mu.Lock()
	f.calls[act]++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	fail := f.fail[act]
	hold := f.holdInFlight
	f.mu.Unlock()

	time.Sleep(hold)

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	if fail {
		return errControl
	}
	return nil
}

func (f *fakeControl) count(act string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[act]
}

func okLines() *rpc.LinesResponse {
	return &rpc.LinesResponse{Response: rpc.Response{Success: true, Status: rpc.StatusOK}}
}

func (f *fakeControl) lines(act string) (*rpc.LinesResponse, error) {
	if err := f.record(act); err != nil {
		return nil, err
	}
	return okLines(), nil
}

func (f *fakeControl) propsResp(act string) (*rpc.PropsResponse, error) {
	if err := f.record(act); err != nil {
		return nil, err
	}
	return &rpc.PropsResponse{Response: rpc.Response{Success: true, Status: rpc.StatusOK}, Properties: f.props}, nil
}

func (f *fakeControl) ServerStat(context.Context) (*rpc.PropsResponse, error) {
	return f.propsResp("server_stat")
}
func (f *fakeControl) ClientLogin(context.Context) (*rpc.PropsResponse, error) {
	return f.propsResp("client_login")
}
func (f *fakeControl) ClientSettings(context.Context) (*rpc.PropsResponse, error) {
	return f.propsResp("client_settings")
}
func (f *fakeControl) ClientStart(context.Context) (*rpc.LinesResponse, error) {
	return f.lines("client_start")
}
func (f *fakeControl) ClientSuspend(context.Context) (*rpc.LinesResponse, error) {
	return f.lines("client_suspend")
}
func (f *fakeControl) ClientResume(context.Context) (*rpc.LinesResponse, error) {
	return f.lines("client_resume")
}
func (f *fakeControl) ClientStop(context.Context) (*rpc.LinesResponse, error) {
	return f.lines("client_stop")
}
func (f *fakeControl) StillAlive(context.Context, bool) (*rpc.PropsResponse, error) {
	return f.propsResp("still_alive")
}
func (f *fakeControl) GetCertificate(context.Context) (*rpc.CertResponse, error) {
	if err := f.record("get_cert"); err != nil {
		return nil, err
	}
	return &rpc.CertResponse{Response: rpc.Response{Success: true, Status: rpc.StatusOK}, CertBytes: []byte("pfx")}, nil
}

type fakeSettings struct {
	applied   map[string]string
	minimal   int
	latest    int
	build     int
	skipStart bool
	skipStop  bool
	certErr   error
}

func (f *fakeSettings) ApplyAll(props map[string]string) error {
	f.applied = props
	return nil
}
func (f *fakeSettings) UpdateCertificate([]byte) (time.Time, error) {
	return time.Now().Add(time.Hour), f.certErr
}
func (f *fakeSettings) Builds() (int, int)    { return f.minimal, f.latest }
func (f *fakeSettings) ClientBuild() int      { return f.build }
func (f *fakeSettings) SkipStartNotify() bool { return f.skipStart }
func (f *fakeSettings) SkipStopNotify() bool  { return f.skipStop }

func newTestLifecycle() (*Lifecycle, *fakeControl, *fakeSettings) {
	control := newFakeControl()
	settings := &fakeSettings{build: 168}
	return New(control, settings, logging.Discard()), control, settings
}

func TestStartTransitionsToRunning(t *testing.T) {
	l, control, _ := newTestLifecycle()
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	status := l.Status()
	if status.State != Running || status.LastStart.IsZero() || status.LastProlongSession.IsZero() {
		t.Fatalf("Start 后应为 Running 且记录时间: %+v", status)
	}
	if control.count("client_start") != 1 {
		t.Fatalf("应只通知一次")
	}
}

func TestStartRetriesAndFails(t *testing.T) {
	l, control, _ := newTestLifecycle()
	control.fail["client_start"] = true

	err := l.Start(context.Background())
	if !errkind.Is(err, errkind.Exhaustion) {
		t.Fatalf("expected exhaustion error, got %v", err)
	}
	if control.count("client_start") != notifyMaxAttempts {
		t.Fatalf("expected %d attempts, got %d", notifyMaxAttempts, control.count("client_start"))
	}
	if l.State() != Stopped {
		t.Fatalf("失败后不应声称 Running")
	}
}

func TestStartSkipNotify(t *testing.T) {
	l, control, settings := newTestLifecycle()
	settings.skipStart = true
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	if l.State() != Running || control.count("client_start") != 0 {
		t.Fatalf("跳过通知时应直接 Running")
	}
}

func TestSuspendFailureKeepsRunning(t *testing.T) {
	l, control, _ := newTestLifecycle()
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	control.fail["client_suspend"] = true

	if err := l.Suspend(context.Background()); !errors.Is(err, errControl) {
		t.Fatalf("expected control error, got %v", err)
	}
	if l.State() != Running {
		t.Fatalf("挂起失败后应保持 Running, got %s", l.State())
	}
	if control.count("client_suspend") != 1 {
		t.Fatalf("挂起只尝试一次")
	}
}

func TestSuspendResumeCycle(t *testing.T) {
	l, _, _ := newTestLifecycle()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	if err := l.Suspend(context.Background()); err != nil {
		t.Fatalf("Suspend 失败: %v", err)
	}
	if l.State() != Suspended {
		t.Fatalf("expected suspended")
	}
	l.now = func() time.Time { return base.Add(time.Hour) }
	if err := l.Resume(context.Background()); err != nil {
		t.Fatalf("Resume 失败: %v", err)
	}
	status := l.Status()
	if status.State != Running || !status.LastStart.Equal(base.Add(time.Hour)) {
		t.Fatalf("Resume 应刷新 lastStart: %+v", status)
	}
}

func TestInvalidTransitions(t *testing.T) {
	l, control, _ := newTestLifecycle()
	if err := l.Suspend(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Stopped 状态不能挂起: %v", err)
	}
	if err := l.Resume(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Stopped 状态不能恢复: %v", err)
	}
	if control.count("client_suspend")+control.count("client_resume") != 0 {
		t.Fatalf("非法转换不应访问控制服务器")
	}
}

func TestStopFailureRevertsState(t *testing.T) {
	l, control, _ := newTestLifecycle()
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	control.fail["client_stop"] = true
	if err := l.Stop(context.Background()); !errkind.Is(err, errkind.Exhaustion) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if l.State() != Running {
		t.Fatalf("停止失败后恢复到尝试前状态, got %s", l.State())
	}

	control.fail["client_stop"] = false
	if err := l.Stop(context.Background()); err != nil {
		t.Fatalf("Stop 失败: %v", err)
	}
	if l.State() != Stopped {
		t.Fatalf("expected stopped")
	}
}

func TestStillAliveRefreshesProlongOnly(t *testing.T) {
	l, _, _ := newTestLifecycle()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start 失败: %v", err)
	}
	l.now = func() time.Time { return base.Add(2 * time.Minute) }
	if err := l.StillAlive(context.Background()); err != nil {
		t.Fatalf("StillAlive 失败: %v", err)
	}
	status := l.Status()
	if !status.LastStart.Equal(base) || !status.LastProlongSession.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("StillAlive 只应刷新 lastProlongSession: %+v", status)
	}
}

func TestFetchRemoteStatVersionGate(t *testing.T) {
	l, control, settings := newTestLifecycle()
	control.props["min_client_build"] = "200"
	settings.minimal = 200
	settings.latest = 200
	if err := l.FetchRemoteStat(context.Background()); !errors.Is(err, ErrVersionOutdated) {
		t.Fatalf("expected ErrVersionOutdated, got %v", err)
	}
	if settings.applied["min_client_build"] != "200" {
		t.Fatalf("属性应先应用再校验")
	}

	settings.minimal = 100
	if err := l.FetchRemoteStat(context.Background()); err != nil {
		t.Fatalf("版本满足时不应失败: %v", err)
	}
}

func TestHandshakesAreSerialized(t *testing.T) {
	l, control, _ := newTestLifecycle()
	control.holdInFlight = 20 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.StillAlive(context.Background())
			_ = l.RefreshSettings(context.Background())
		}()
	}
	wg.Wait()
	if control.maxInFlight != 1 {
		t.Fatalf("握手应串行执行, max in flight %d", control.maxInFlight)
	}
}

func TestGateHonorsContext(t *testing.T) {
	l, _, _ := newTestLifecycle()
	l.gate <- struct{}{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Login(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	<-l.gate
}

func TestFetchCertificate(t *testing.T) {
	l, control, settings := newTestLifecycle()
	if err := l.FetchCertificate(context.Background()); err != nil {
		t.Fatalf("FetchCertificate 失败: %v", err)
	}
	settings.certErr = errors.New("bad pfx")
	if err := l.FetchCertificate(context.Background()); err == nil {
		t.Fatalf("证书解析失败应返回错误")
	}
	if control.count("get_cert") != 2 {
		t.Fatalf("expected two cert fetches")
	}
}
