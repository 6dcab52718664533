package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/hath-node/hath-node/internal/cache"
	"github.com/hath-node/hath-node/internal/jobs"
	"github.com/hath-node/hath-node/internal/lifecycle"
	"github.com/hath-node/hath-node/internal/rpc"
	"github.com/hath-node/hath-node/internal/settings"
	"github.com/hath-node/hath-node/internal/stats"
	"github.com/hath-node/hath-node/internal/version"
)

// StatusSources 汇总诊断接口读取的各个组件；任一字段为空时对应段落省略。
type StatusSources struct {
	Settings  interface{ Snapshot() settings.Snapshot }
	Hosts     interface{ Snapshot() []rpc.HostState }
	Lifecycle interface{ Status() lifecycle.Status }
	Stats     interface{ Snapshot() stats.Snapshot }
	Cache     interface {
		Accounting() cache.State
		FreeSpace() int64
	}
	Jobs      interface{ Snapshot() []jobs.JobStatus }
	Admission interface {
		Active() int64
		Ceiling() int
	}
}

type cachePayload struct {
	cache.State
	FreeBytes int64 `json:"free_bytes"`
}

type admissionPayload struct {
	Active  int64 `json:"active"`
	Ceiling int   `json:"ceiling"`
}

type statusPayload struct {
	Version   string             `json:"version"`
	Lifecycle *lifecycle.Status  `json:"lifecycle,omitempty"`
	Settings  *settings.Snapshot `json:"settings,omitempty"`
	RPCHosts  []rpc.HostState    `json:"rpc_hosts,omitempty"`
	Stats     *stats.Snapshot    `json:"stats,omitempty"`
	Cache     *cachePayload      `json:"cache,omitempty"`
	Admission *admissionPayload  `json:"admission,omitempty"`
	Jobs      []jobs.JobStatus   `json:"jobs,omitempty"`
}

// RegisterStatusRoutes 暴露 /-/status 诊断接口，需要与管理接口相同的凭据。
func RegisterStatusRoutes(app *fiber.App, creds Credentials, sources StatusSources) {
	if app == nil || creds == nil {
		return
	}
	app.Get("/-/status", BasicAuth(creds), func(c fiber.Ctx) error {
		return c.JSON(encodeStatus(sources))
	})
}

func encodeStatus(src StatusSources) statusPayload {
	payload := statusPayload{Version: version.Full()}
	if src.Lifecycle != nil {
		status := src.Lifecycle.Status()
		payload.Lifecycle = &status
	}
	if src.Settings != nil {
		snap := src.Settings.Snapshot()
		payload.Settings = &snap
	}
	if src.Hosts != nil {
		payload.RPCHosts = src.Hosts.Snapshot()
	}
	if src.Stats != nil {
		snap := src.Stats.Snapshot()
		payload.Stats = &snap
	}
	if src.Cache != nil {
		payload.Cache = &cachePayload{State: src.Cache.Accounting(), FreeBytes: src.Cache.FreeSpace()}
	}
	if src.Admission != nil {
		payload.Admission = &admissionPayload{Active: src.Admission.Active(), Ceiling: src.Admission.Ceiling()}
	}
	if src.Jobs != nil {
		payload.Jobs = src.Jobs.Snapshot()
	}
	return payload
}
