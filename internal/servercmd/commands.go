package servercmd

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sourcegraph/conc/pool"
)

// 命令名。
const (
	CmdStillAlive        = "still_alive"
	CmdThreadedProxyTest = "threaded_proxy_test"
	CmdSpeedTest         = "speed_test"
	CmdRefreshSettings   = "refresh_settings"
	CmdStartDownloader   = "start_downloader"
	CmdRefreshCerts      = "refresh_certs"
)

const (
	stillAliveText       = "I feel FANTASTIC and I'm still alive"
	defaultSpeedTestSize = 1000000
	fetchTimeout         = 10 * time.Second
	testDeadline         = 60 * time.Second
)

// Control 是命令需要的控制面操作。
type Control interface {
	RefreshSettings(ctx context.Context) error
	FetchCertificate(ctx context.Context) error
}

// Trigger 立即触发一个后台任务。
type Trigger interface {
	Trigger(name string) error
}

// Dependencies 汇总默认命令集的依赖。
type Dependencies struct {
	Control      Control
	Jobs         Trigger
	DownloadJob  string
	FetchClient  *http.Client
	FetchTimeout time.Duration
	Deadline     time.Duration
}

// RegisterDefaults 注册控制服务器可下发的全部命令。
func RegisterDefaults(r *Registry, deps Dependencies) {
	if deps.FetchClient == nil {
		deps.FetchClient = &http.Client{}
	}
	if deps.FetchTimeout <= 0 {
		deps.FetchTimeout = fetchTimeout
	}
	if deps.Deadline <= 0 {
		deps.Deadline = testDeadline
	}

	r.MustRegister(CmdStillAlive, func(context.Context, Args) (Result, error) {
		return Result{Text: stillAliveText}, nil
	})
	r.MustRegister(CmdSpeedTest, func(_ context.Context, args Args) (Result, error) {
		size := int64(defaultSpeedTestSize)
		if n, err := args.Int64("testsize"); err == nil && n >= 0 {
			size = n
		}
		return Result{Body: RandomBody(size), Size: size}, nil
	})
	r.MustRegister(CmdThreadedProxyTest, func(ctx context.Context, args Args) (Result, error) {
		return threadedProxyTest(ctx, deps, args)
	})
	r.MustRegister(CmdRefreshSettings, func(ctx context.Context, _ Args) (Result, error) {
		return Result{}, deps.Control.RefreshSettings(ctx)
	})
	r.MustRegister(CmdRefreshCerts, func(ctx context.Context, _ Args) (Result, error) {
		return Result{}, deps.Control.FetchCertificate(ctx)
	})
	r.MustRegister(CmdStartDownloader, func(context.Context, Args) (Result, error) {
		return Result{}, deps.Jobs.Trigger(deps.DownloadJob)
	})
}

// RandomBody 返回恰好 size 字节的伪随机数据流。
func RandomBody(size int64) io.Reader {
	var seed [32]byte
	binary.LittleEndian.PutUint64(seed[:], uint64(time.Now().UnixNano()))
	return io.LimitReader(rand.NewChaCha8(seed), size)
}

type proxyTestArgs struct {
	host     string
	protocol string
	port     int
	size     int64
	count    int
	time     int64
	key      string
}

func parseProxyTestArgs(args Args) (proxyTestArgs, error) {
	var (
		out proxyTestArgs
		err error
	)
	if out.host, err = args.Require("hostname"); err != nil {
		return out, err
	}
	out.protocol = args.String("protocol", "https")
	if out.port, err = args.Int("port"); err != nil {
		return out, err
	}
	if out.size, err = args.Int64("testsize"); err != nil {
		return out, err
	}
	if out.count, err = args.Int("testcount"); err != nil {
		return out, err
	}
	if out.time, err = args.Int64("testtime"); err != nil {
		return out, err
	}
	if out.key, err = args.Require("testkey"); err != nil {
		return out, err
	}
	return out, nil
}

func (a proxyTestArgs) url() string {
	return fmt.Sprintf("%s://%s/t/%d/%d/%s/%d",
		a.protocol, net.JoinHostPort(a.host, strconv.Itoa(a.port)), a.size, a.time, a.key, rand.Int64())
}

type fetchResult struct {
	ok      bool
	elapsed time.Duration
}

// threadedProxyTest 并发请求对端的测速地址，返回 `OK:<成功数>-<成功请求耗时总和毫秒>`。
func threadedProxyTest(ctx context.Context, deps Dependencies, args Args) (Result, error) {
	parsed, err := parseProxyTestArgs(args)
	if err != nil {
		return Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, deps.Deadline)
	defer cancel()

	target := parsed.url()
	p := pool.NewWithResults[fetchResult]()
	for i := 0; i < parsed.count; i++ {
		p.Go(func() fetchResult {
			return testFetch(ctx, deps.FetchClient, deps.FetchTimeout, target, parsed.size)
		})
	}

	var (
		succeeded int
		total     time.Duration
	)
	for _, r := range p.Wait() {
		if r.ok {
			succeeded++
			total += r.elapsed
		}
	}
	return Result{Text: fmt.Sprintf("OK:%d-%d", succeeded, total.Milliseconds())}, nil
}

func testFetch(ctx context.Context, client *http.Client, timeout time.Duration, target string, expected int64) fetchResult {
	started := time.Now()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fetchResult{}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fetchResult{}
	}
	defer resp.Body.Close()
	read, err := io.Copy(io.Discard, resp.Body)
	if err != nil || read != expected {
		return fetchResult{}
	}
	return fetchResult{ok: true, elapsed: time.Since(started)}
}
