package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/hath-node/hath-node/internal/lifecycle"
	"github.com/hath-node/hath-node/internal/logging"
	"github.com/hath-node/hath-node/internal/rpc"
)

type fakeLifecycle struct {
	state      lifecycle.State
	certFetch  int
	stillAlive int
	refreshes  int
}

func (f *fakeLifecycle) State() lifecycle.State { return f.state }
func (f *fakeLifecycle) StillAlive(context.Context) error {
	f.stillAlive++
	return nil
}
func (f *fakeLifecycle) FetchCertificate(context.Context) error {
	f.certFetch++
	return nil
}
func (f *fakeLifecycle) RefreshSettings(context.Context) error {
	f.refreshes++
	return nil
}

type fakeCerts struct {
	has      bool
	notAfter time.Time
}

func (f fakeCerts) HasCertificate() bool           { return f.has }
func (f fakeCerts) CertificateNotAfter() time.Time { return f.notAfter }

type fakeBlacklist struct{ window time.Duration }

func (f *fakeBlacklist) GetBlacklist(_ context.Context, window time.Duration) (*rpc.LinesResponse, error) {
	f.window = window
	return &rpc.LinesResponse{Lines: []string{"a", "b"}}, nil
}

func TestCheckCertificate(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name  string
		state lifecycle.State
		certs fakeCerts
		want  int
	}{
		{"stopped node is skipped", lifecycle.Stopped, fakeCerts{}, 0},
		{"missing certificate", lifecycle.Running, fakeCerts{}, 1},
		{"expiring within a day", lifecycle.Running, fakeCerts{has: true, notAfter: now.Add(23 * time.Hour)}, 1},
		{"already expired", lifecycle.Running, fakeCerts{has: true, notAfter: now.Add(-time.Hour)}, 1},
		{"still valid", lifecycle.Running, fakeCerts{has: true, notAfter: now.Add(48 * time.Hour)}, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lc := &fakeLifecycle{state: tc.state}
			deps := NodeDeps{
				Lifecycle:    lc,
				Certificates: tc.certs,
				Logger:       logging.Discard(),
				Now:          func() time.Time { return now },
			}
			if err := deps.checkCertificate(context.Background()); err != nil {
				t.Fatalf("checkCertificate 失败: %v", err)
			}
			if lc.certFetch != tc.want {
				t.Fatalf("expected %d fetches, got %d", tc.want, lc.certFetch)
			}
		})
	}
}

func TestReloadBlacklistUsesSeventyTwoHourWindow(t *testing.T) {
	bl := &fakeBlacklist{}
	deps := NodeDeps{Blacklist: bl, Logger: logging.Discard()}
	if err := deps.reloadBlacklist(context.Background()); err != nil {
		t.Fatalf("reloadBlacklist 失败: %v", err)
	}
	if bl.window != 72*time.Hour {
		t.Fatalf("unexpected window %s", bl.window)
	}
}

func TestRegisterNodeJobs(t *testing.T) {
	s := NewScheduler(logging.Discard())
	if err := RegisterNodeJobs(s, NodeDeps{Logger: logging.Discard()}); err != nil {
		t.Fatalf("RegisterNodeJobs 失败: %v", err)
	}
	want := map[string]string{
		JobBlacklist:   "1h0m0s",
		JobCertificate: "1h0m0s",
		JobDownloads:   "1h0m0s",
		JobFreeSpace:   "30s",
		JobSettings:    "1h0m0s",
		JobStillAlive:  "2m0s",
	}
	snap := s.Snapshot()
	if len(snap) != len(want) {
		t.Fatalf("expected %d jobs, got %d", len(want), len(snap))
	}
	for _, status := range snap {
		if want[status.Name] != status.Interval {
			t.Fatalf("job %s interval %s, want %s", status.Name, status.Interval, want[status.Name])
		}
	}
}
