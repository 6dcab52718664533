// Package settings holds the node's mutable runtime configuration: the static
// values loaded from the config file plus everything the control server pushes
// through property responses. All values are read through typed accessors and
// written through Apply with an enumerated key set.
package settings

import (
	"crypto/tls"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"go.uber.org/multierr"

	"github.com/hath-node/hath-node/internal/config"
	"github.com/hath-node/hath-node/internal/errkind"
	"github.com/hath-node/hath-node/internal/version"
)

// Key 是控制服务器下发的属性名。
type Key string

const (
	KeyMinClientBuild     Key = "min_client_build"
	KeyCurClientBuild     Key = "cur_client_build"
	KeyServerTime         Key = "server_time"
	KeyRPCServerIP        Key = "rpc_server_ip"
	KeyHost               Key = "host"
	KeyPort               Key = "port"
	KeyThrottleBytes      Key = "throttle_bytes"
	KeyDiskLimitBytes     Key = "disklimit_bytes"
	KeyDiskRemainingBytes Key = "diskremaining_bytes"
	KeyDisableBWM         Key = "disable_bwm"
	KeyStaticRanges       Key = "static_ranges"
)

// ConfigError 表示控制服务器下发的属性值无法解析。
type ConfigError struct {
	Key   Key
	Value string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("setting %s=%q: %v", e.Key, e.Value, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ErrorKind implements errkind.Classified.
func (e *ConfigError) ErrorKind() errkind.Kind { return errkind.Config }

// ListenerFunc 在监听地址或端口变化后被调用。
type ListenerFunc func(host string, port int)

// Flags 汇总来自本地配置的运维开关。
type Flags struct {
	IgnoreAddressFromServer bool
	SkipStartNotify         bool
	SkipStopNotify          bool
	IgnoreInvalidTime       bool
	IgnoreInvalidSignature  bool
}

// Store 是节点唯一的可变配置实例，并发安全。
type Store struct {
	logger *logrus.Logger
	now    func() time.Time

	mu                 sync.RWMutex
	clientID           int
	clientKey          string
	clientBuild        int
	minimalBuild       int
	latestBuild        int
	timeDelta          time.Duration
	rpcServers         []string
	rpcServersUpdated  time.Time
	controlNetworks    []*net.IPNet
	host               string
	port               int
	throttleBytes      int64
	diskLimitBytes     int64
	diskRemainingBytes int64
	disableBWM         bool
	staticRanges       map[string]struct{}
	maxAllowedFileSize int64
	maxConcurrent      int
	flags              Flags
	cert               *tls.Certificate
	certNotAfter       time.Time
	listenerHooks      []ListenerFunc
}

// New 基于本地配置构建 Store；控制服务器下发的值在 Apply 时覆盖。
func New(cfg *config.Config, logger *logrus.Logger) (*Store, error) {
	networks, err := config.ParseNetworks(cfg.Client.ControlNetworks)
	if err != nil {
		return nil, err
	}
	return &Store{
		logger:             logger,
		now:                time.Now,
		clientID:           cfg.Client.ID,
		clientKey:          cfg.Client.Key,
		clientBuild:        version.ClientBuild,
		controlNetworks:    networks,
		host:               cfg.Global.ListenHost,
		port:               cfg.Global.ListenPort,
		staticRanges:       map[string]struct{}{},
		maxAllowedFileSize: cfg.Client.MaxAllowedFileSize,
		maxConcurrent:      cfg.Client.MaxConcurrentRequests,
		flags: Flags{
			IgnoreAddressFromServer: cfg.Client.IgnoreAddressFromServer,
			SkipStartNotify:         cfg.Client.SkipStartNotify,
			SkipStopNotify:          cfg.Client.SkipStopNotify,
			IgnoreInvalidTime:       cfg.Client.IgnoreInvalidTime,
			IgnoreInvalidSignature:  cfg.Client.IgnoreInvalidSignature,
		},
	}, nil
}

// ApplyAll 依次应用一组属性，单个键失败不影响其余键，错误合并返回。
func (s *Store) ApplyAll(props map[string]string) error {
	keys := make([]string, 0, len(props))
	for key := range props {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	var errs error
	for _, key := range keys {
		errs = multierr.Append(errs, s.Apply(Key(key), props[key]))
	}
	return errs
}

// Apply 更新单个属性。未知键只记录日志，不视为错误。
func (s *Store) Apply(key Key, value string) error {
	value = strings.TrimSpace(value)
	var notify bool

	s.mu.Lock()
	err := func() error {
		switch key {
		case KeyMinClientBuild:
			build, err := cast.ToIntE(value)
			if err != nil {
				return err
			}
			s.minimalBuild = build
		case KeyCurClientBuild:
			build, err := cast.ToIntE(value)
			if err != nil {
				return err
			}
			s.latestBuild = build
		case KeyServerTime:
			unix, err := cast.ToInt64E(value)
			if err != nil {
				return err
			}
			s.timeDelta = time.Unix(unix, 0).Sub(s.now())
		case KeyRPCServerIP:
			servers, err := parseServerList(value)
			if err != nil {
				return err
			}
			if !slices.Equal(servers, s.rpcServers) {
				s.rpcServers = servers
				s.rpcServersUpdated = s.now()
			}
		case KeyHost:
			if s.flags.IgnoreAddressFromServer {
				return nil
			}
			if value != "" && net.ParseIP(value) == nil {
				return fmt.Errorf("not an ip address")
			}
			notify = value != s.host
			s.host = value
		case KeyPort:
			if s.flags.IgnoreAddressFromServer {
				return nil
			}
			port, err := cast.ToIntE(value)
			if err != nil {
				return err
			}
			if port <= 0 || port > 65535 {
				return fmt.Errorf("port out of range")
			}
			notify = port != s.port
			s.port = port
		case KeyThrottleBytes:
			throttle, err := cast.ToInt64E(value)
			if err != nil {
				return err
			}
			s.throttleBytes = throttle
		case KeyDiskLimitBytes:
			limit, err := cast.ToInt64E(value)
			if err != nil {
				return err
			}
			switch {
			case limit > s.diskLimitBytes:
				s.diskLimitBytes = limit
			case limit < s.diskLimitBytes:
				s.logger.WithFields(logrus.Fields{
					"action":  "settings",
					"current": s.diskLimitBytes,
					"pushed":  limit,
				}).Warn("disk_limit_decrease_deferred")
			}
		case KeyDiskRemainingBytes:
			remaining, err := cast.ToInt64E(value)
			if err != nil {
				return err
			}
			s.diskRemainingBytes = remaining
		case KeyDisableBWM:
			disabled, err := cast.ToBoolE(value)
			if err != nil {
				return err
			}
			s.disableBWM = disabled
		case KeyStaticRanges:
			ranges := map[string]struct{}{}
			for _, r := range strings.Split(value, ";") {
				if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
					ranges[r] = struct{}{}
				}
			}
			s.staticRanges = ranges
		default:
			s.logger.WithFields(logrus.Fields{
				"action": "settings",
				"key":    string(key),
			}).Warn("setting_unknown")
		}
		return nil
	}()
	host, port := s.host, s.port
	hooks := append([]ListenerFunc(nil), s.listenerHooks...)
	s.mu.Unlock()

	if err != nil {
		return &ConfigError{Key: key, Value: value, Err: err}
	}
	if notify {
		for _, hook := range hooks {
			hook(host, port)
		}
	}
	return nil
}

// parseServerList 解析 ";" 分隔的 IP 列表，IPv4-mapped 地址统一转为 IPv4 形式。
func parseServerList(value string) ([]string, error) {
	var servers []string
	for _, raw := range strings.Split(value, ";") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid rpc server address %q", raw)
		}
		servers = append(servers, CanonicalIP(ip))
	}
	return servers, nil
}

// CanonicalIP 返回地址的规范字符串，IPv4-mapped IPv6 会被还原为 IPv4。
func CanonicalIP(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

// OnListenerChange 注册监听地址变化回调。
func (s *Store) OnListenerChange(fn ListenerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listenerHooks = append(s.listenerHooks, fn)
}

// IsControlAddress 判断请求方是否为控制服务器或配置的受信网段。
func (s *Store) IsControlAddress(addr string) bool {
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return false
	}
	canonical := CanonicalIP(ip)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if slices.Contains(s.rpcServers, canonical) {
		return true
	}
	for _, network := range s.controlNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Store) ClientID() int     { return s.clientID }
func (s *Store) ClientKey() string { return s.clientKey }
func (s *Store) ClientBuild() int  { return s.clientBuild }

// ServerNow 返回按控制服务器时间差校正后的当前时间。
func (s *Store) ServerNow() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now().Add(s.timeDelta)
}

// RPCServers 返回控制服务器地址列表及其最后更新时间。
func (s *Store) RPCServers() ([]string, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.rpcServers...), s.rpcServersUpdated
}

// Builds 返回 (最低要求, 最新发布) 构建号。
func (s *Store) Builds() (minimal, latest int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minimalBuild, s.latestBuild
}

// Listen 返回当前生效的监听地址与端口。
func (s *Store) Listen() (string, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.host, s.port
}

func (s *Store) ThrottleBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.throttleBytes
}

func (s *Store) DiskLimitBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.diskLimitBytes
}

func (s *Store) DiskRemainingBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.diskRemainingBytes
}

// HasStaticRange 判断 4 位十六进制前缀是否属于本节点负责的静态分区。
func (s *Store) HasStaticRange(prefix string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.staticRanges[strings.ToLower(prefix)]
	return ok
}

func (s *Store) StaticRangeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.staticRanges)
}

func (s *Store) MaxAllowedFileSize() int64 { return s.maxAllowedFileSize }

// MaxConcurrentOverride 返回本地配置的并发上限覆盖值，0 表示按带宽计算。
func (s *Store) MaxConcurrentOverride() int { return s.maxConcurrent }

func (s *Store) Flags() Flags { return s.flags }

func (s *Store) SkipStartNotify() bool        { return s.flags.SkipStartNotify }
func (s *Store) SkipStopNotify() bool         { return s.flags.SkipStopNotify }
func (s *Store) IgnoreInvalidTime() bool      { return s.flags.IgnoreInvalidTime }
func (s *Store) IgnoreInvalidSignature() bool { return s.flags.IgnoreInvalidSignature }

// Snapshot 是诊断接口输出的只读视图。
type Snapshot struct {
	ClientID           int       `json:"client_id"`
	ClientBuild        int       `json:"client_build"`
	MinimalBuild       int       `json:"min_client_build"`
	LatestBuild        int       `json:"cur_client_build"`
	ServerTimeDeltaSec int64     `json:"server_time_delta_sec"`
	RPCServers         []string  `json:"rpc_servers"`
	Host               string    `json:"host"`
	Port               int       `json:"port"`
	ThrottleBytes      int64     `json:"throttle_bytes"`
	DiskLimitBytes     int64     `json:"disklimit_bytes"`
	DiskRemainingBytes int64     `json:"diskremaining_bytes"`
	DisableBWM         bool      `json:"disable_bwm"`
	StaticRanges       int       `json:"static_ranges"`
	CertNotAfter       time.Time `json:"cert_not_after,omitempty"`
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ClientID:           s.clientID,
		ClientBuild:        s.clientBuild,
		MinimalBuild:       s.minimalBuild,
		LatestBuild:        s.latestBuild,
		ServerTimeDeltaSec: int64(s.timeDelta / time.Second),
		RPCServers:         append([]string(nil), s.rpcServers...),
		Host:               s.host,
		Port:               s.port,
		ThrottleBytes:      s.throttleBytes,
		DiskLimitBytes:     s.diskLimitBytes,
		DiskRemainingBytes: s.diskRemainingBytes,
		DisableBWM:         s.disableBWM,
		StaticRanges:       len(s.staticRanges),
		CertNotAfter:       s.certNotAfter,
	}
}
