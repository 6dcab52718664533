package rpc

import (
	"math/rand/v2"
	"slices"
	"sync"
	"time"
)

// DefaultHost 在所有候选主机都处于冷却期时兜底使用。
const DefaultHost = "rpc.hentaiathome.net"

// FailureCooldown 是主机失败后被排除的时长。
const FailureCooldown = 4 * time.Hour

type hostRecord struct {
	host        string
	lastFailure time.Time
}

func (r *hostRecord) usable(now time.Time) bool {
	return r.lastFailure.IsZero() || now.Sub(r.lastFailure) > FailureCooldown
}

// HostSelector 维护控制服务器候选池与粘性选择，所有操作在同一把锁下串行。
type HostSelector struct {
	defaultHost string
	now         func() time.Time
	pick        func(n int) int

	mu       sync.Mutex
	hosts    []*hostRecord
	selected *hostRecord
	marker   time.Time
}

// NewHostSelector 创建选择器；defaultHost 为空时使用 DefaultHost。
func NewHostSelector(defaultHost string) *HostSelector {
	if defaultHost == "" {
		defaultHost = DefaultHost
	}
	return &HostSelector{
		defaultHost: defaultHost,
		now:         time.Now,
		pick:        rand.IntN,
	}
}

// Select 返回当前应使用的主机。
func (s *HostSelector) Select() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.selected != nil {
		return s.selected.host
	}

	now := s.now()
	usable := make([]*hostRecord, 0, len(s.hosts))
	for _, record := range s.hosts {
		if record.usable(now) {
			usable = append(usable, record)
		}
	}
	if len(usable) == 0 {
		return s.defaultHost
	}
	s.selected = usable[s.pick(len(usable))]
	return s.selected.host
}

// MarkFailed 记录主机失败；若为当前粘性主机则清除选择。
func (s *HostSelector) MarkFailed(host string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range s.hosts {
		if record.host == host {
			record.lastFailure = s.now()
		}
	}
	if s.selected != nil && s.selected.host == host {
		s.selected = nil
	}
}

// Reconcile 仅在 changed 标记变化时替换候选池，保留仍存在主机的失败时间。
func (s *HostSelector) Reconcile(addresses []string, changed time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if changed.Equal(s.marker) && s.hosts != nil {
		return
	}
	s.marker = changed

	previous := make(map[string]*hostRecord, len(s.hosts))
	for _, record := range s.hosts {
		previous[record.host] = record
	}

	hosts := make([]*hostRecord, 0, len(addresses))
	for _, address := range addresses {
		if address == "" || slices.ContainsFunc(hosts, func(r *hostRecord) bool { return r.host == address }) {
			continue
		}
		record := &hostRecord{host: address}
		if old, ok := previous[address]; ok {
			record.lastFailure = old.lastFailure
		}
		hosts = append(hosts, record)
	}
	s.hosts = hosts
	s.selected = nil
}

// HostState 是单个候选主机的只读视图。
type HostState struct {
	Host        string    `json:"host"`
	LastFailure time.Time `json:"last_failure,omitempty"`
	Usable      bool      `json:"usable"`
	Selected    bool      `json:"selected"`
}

// Snapshot 返回候选池的拷贝，供诊断输出。
func (s *HostSelector) Snapshot() []HostState {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	out := make([]HostState, 0, len(s.hosts))
	for _, record := range s.hosts {
		out = append(out, HostState{
			Host:        record.host,
			LastFailure: record.lastFailure,
			Usable:      record.usable(now),
			Selected:    record == s.selected,
		})
	}
	return out
}
