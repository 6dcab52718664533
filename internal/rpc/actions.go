package rpc

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Action 是控制服务器支持的 RPC 动作名。
type Action string

const (
	ActServerStat         Action = "server_stat"
	ActClientLogin        Action = "client_login"
	ActClientSettings     Action = "client_settings"
	ActClientStart        Action = "client_start"
	ActClientSuspend      Action = "client_suspend"
	ActClientResume       Action = "client_resume"
	ActClientStop         Action = "client_stop"
	ActStillAlive         Action = "still_alive"
	ActGetCert            Action = "get_cert"
	ActGetBlacklist       Action = "get_blacklist"
	ActStaticRangeFetch   Action = "srfetch"
	ActDownloaderFetch    Action = "dlfetch"
	ActDownloaderFailures Action = "dlfails"
	ActOverload           Action = "overload"
	ActFetchQueue         Action = "fetchqueue"
)

// Call 是一次待签名的动作调用，构造后不可变。
type Call struct {
	Action     Action
	Additional string
}

func staticRangeFetch(fileIndex int, xres, fileID string) Call {
	return Call{Action: ActStaticRangeFetch, Additional: fmt.Sprintf("%d;%s;%s", fileIndex, xres, fileID)}
}

func downloaderFetch(gid, page, fileIndex int, xres string, attempt int) Call {
	return Call{
		Action:     ActDownloaderFetch,
		Additional: fmt.Sprintf("%d;%d;%d;%s;%d", gid, page, fileIndex, xres, attempt),
	}
}

// DownloadFailure 描述一次画廊文件下载失败，用于 dlfails 上报。
type DownloadFailure struct {
	Host      string
	FileIndex int
	XRes      string
}

func (f DownloadFailure) String() string {
	return fmt.Sprintf("%s-%d-%s", f.Host, f.FileIndex, f.XRes)
}

func downloaderFailures(failures []DownloadFailure) Call {
	parts := make([]string, 0, len(failures))
	for _, failure := range failures {
		parts = append(parts, failure.String())
	}
	return Call{Action: ActDownloaderFailures, Additional: strings.Join(parts, ";")}
}

func stillAlive(resume bool) Call {
	if resume {
		return Call{Action: ActStillAlive, Additional: "resume"}
	}
	return Call{Action: ActStillAlive}
}

func getBlacklist(window time.Duration) Call {
	return Call{Action: ActGetBlacklist, Additional: strconv.FormatInt(int64(window/time.Second), 10)}
}

func fetchQueue(gid *int, minXRes string) Call {
	if gid == nil {
		return Call{Action: ActFetchQueue}
	}
	return Call{Action: ActFetchQueue, Additional: fmt.Sprintf("%d;%s", *gid, minXRes)}
}
