package jobs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hath-node/hath-node/internal/downloader"
	"github.com/hath-node/hath-node/internal/lifecycle"
	"github.com/hath-node/hath-node/internal/rpc"
)

// 节点任务名，JobDownloads 同时是 start_downloader 命令触发的目标。
const (
	JobStillAlive  = "still_alive"
	JobCertificate = "certificate_check"
	JobSettings    = "refresh_settings"
	JobBlacklist   = "blacklist"
	JobFreeSpace   = "cache_free_space"
	JobDownloads   = "pending_downloads"
)

const (
	stillAliveInterval  = 2 * time.Minute
	hourly              = time.Hour
	freeSpaceInterval   = 30 * time.Second
	blacklistWindow     = 72 * time.Hour
	certificateRenewal  = 24 * time.Hour
	downloadsStartDelay = 2 * time.Minute
)

// Lifecycle 是任务需要的生命周期操作。
type Lifecycle interface {
	State() lifecycle.State
	StillAlive(ctx context.Context) error
	FetchCertificate(ctx context.Context) error
	RefreshSettings(ctx context.Context) error
}

// Certificates 暴露当前证书的有效期。
type Certificates interface {
	HasCertificate() bool
	CertificateNotAfter() time.Time
}

// Blacklist 拉取最近被屏蔽的文件列表。
type Blacklist interface {
	GetBlacklist(ctx context.Context, window time.Duration) (*rpc.LinesResponse, error)
}

// FreeSpace 刷新缓存盘剩余空间。
type FreeSpace interface {
	UpdateFreeSpace() (int64, error)
}

// Downloads 消费画廊下载队列。
type Downloads interface {
	Run(ctx context.Context) (downloader.Summary, error)
}

// NodeDeps 汇总节点任务依赖。
type NodeDeps struct {
	Lifecycle    Lifecycle
	Certificates Certificates
	Blacklist    Blacklist
	FreeSpace    FreeSpace
	Downloads    Downloads
	Logger       *logrus.Logger
	Now          func() time.Time
}

// RegisterNodeJobs 注册节点的全部周期任务。
func RegisterNodeJobs(s *Scheduler, deps NodeDeps) error {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	jobs := []Job{
		{
			Name:     JobStillAlive,
			Interval: stillAliveInterval,
			Delay:    stillAliveInterval,
			Run: func(ctx context.Context) error {
				return deps.Lifecycle.StillAlive(ctx)
			},
		},
		{
			Name:     JobCertificate,
			Interval: hourly,
			Delay:    hourly,
			Run:      deps.checkCertificate,
		},
		{
			Name:     JobSettings,
			Interval: hourly,
			Delay:    hourly,
			Run: func(ctx context.Context) error {
				return deps.Lifecycle.RefreshSettings(ctx)
			},
		},
		{
			Name:     JobBlacklist,
			Interval: hourly,
			Run:      deps.reloadBlacklist,
		},
		{
			Name:     JobFreeSpace,
			Interval: freeSpaceInterval,
			Run: func(context.Context) error {
				_, err := deps.FreeSpace.UpdateFreeSpace()
				return err
			},
		},
		{
			Name:     JobDownloads,
			Interval: hourly,
			Delay:    downloadsStartDelay,
			Run: func(ctx context.Context) error {
				_, err := deps.Downloads.Run(ctx)
				return err
			},
		},
	}
	for _, job := range jobs {
		if err := s.Add(job); err != nil {
			return err
		}
	}
	return nil
}

// checkCertificate 在节点运行中且证书缺失或 24 小时内到期时重新拉取证书。
func (d NodeDeps) checkCertificate(ctx context.Context) error {
	fields := logrus.Fields{"action": "job", "job": JobCertificate}
	if d.Lifecycle.State() != lifecycle.Running {
		d.Logger.WithFields(fields).Debug("certificate_check_skipped")
		return nil
	}
	if d.Certificates.HasCertificate() {
		notAfter := d.Certificates.CertificateNotAfter()
		if notAfter.After(d.Now().Add(certificateRenewal)) {
			return nil
		}
		d.Logger.WithFields(fields).WithField("not_after", notAfter).Warn("certificate_expiring")
	} else {
		d.Logger.WithFields(fields).Warn("certificate_missing")
	}
	return d.Lifecycle.FetchCertificate(ctx)
}

// reloadBlacklist 拉取最近 72 小时的屏蔽列表；目前只记录条目数。
func (d NodeDeps) reloadBlacklist(ctx context.Context) error {
	resp, err := d.Blacklist.GetBlacklist(ctx, blacklistWindow)
	if err != nil {
		return err
	}
	d.Logger.WithFields(logrus.Fields{
		"action":  "job",
		"job":     JobBlacklist,
		"entries": len(resp.Lines),
	}).Info("blacklist_received")
	return nil
}
