// Package rpc implements the signed control-server protocol: host selection
// with failover, one method per action, and the line/property/gallery response
// parsers.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hath-node/hath-node/internal/errkind"
	"github.com/hath-node/hath-node/internal/logging"
	"github.com/hath-node/hath-node/internal/signature"
)

const (
	rpcPath      = "/15/rpc"
	downloadPath = "/15/dl"

	signaturePrefix = "hentai@home"
	maxBodyBytes    = 16 << 20
)

// Settings 是客户端签名所需的节点身份与时间校正来源。
type Settings interface {
	ClientID() int
	ClientKey() string
	ClientBuild() int
	ServerNow() time.Time
	RPCServers() ([]string, time.Time)
}

// Client 负责对控制服务器发起签名请求。
type Client struct {
	http     *http.Client
	settings Settings
	hosts    *HostSelector
	logger   *logrus.Logger
	scheme   string
}

// NewClient 构建 RPC 客户端；httpClient 应为进程内共享实例。
func NewClient(httpClient *http.Client, settings Settings, hosts *HostSelector, logger *logrus.Logger) *Client {
	return &Client{
		http:     httpClient,
		settings: settings,
		hosts:    hosts,
		logger:   logger,
		scheme:   "http",
	}
}

// Hosts 暴露主机选择器，供诊断接口读取快照。
func (c *Client) Hosts() *HostSelector { return c.hosts }

// ServerStat 查询控制服务器状态，仅携带 clientbuild 与 act。
func (c *Client) ServerStat(ctx context.Context) (*PropsResponse, error) {
	return c.props(ctx, Call{Action: ActServerStat})
}

func (c *Client) ClientLogin(ctx context.Context) (*PropsResponse, error) {
	return c.props(ctx, Call{Action: ActClientLogin})
}

func (c *Client) ClientSettings(ctx context.Context) (*PropsResponse, error) {
	return c.props(ctx, Call{Action: ActClientSettings})
}

func (c *Client) ClientStart(ctx context.Context) (*LinesResponse, error) {
	return c.lines(ctx, rpcPath, Call{Action: ActClientStart})
}

func (c *Client) ClientSuspend(ctx context.Context) (*LinesResponse, error) {
	return c.lines(ctx, rpcPath, Call{Action: ActClientSuspend})
}

func (c *Client) ClientResume(ctx context.Context) (*LinesResponse, error) {
	return c.lines(ctx, rpcPath, Call{Action: ActClientResume})
}

func (c *Client) ClientStop(ctx context.Context) (*LinesResponse, error) {
	return c.lines(ctx, rpcPath, Call{Action: ActClientStop})
}

// StillAlive 延长会话；resume 为 true 时同时告知服务器节点已恢复。
func (c *Client) StillAlive(ctx context.Context, resume bool) (*PropsResponse, error) {
	return c.props(ctx, stillAlive(resume))
}

// GetBlacklist 拉取 window 时间窗内被拉黑的文件列表。
func (c *Client) GetBlacklist(ctx context.Context, window time.Duration) (*LinesResponse, error) {
	return c.lines(ctx, rpcPath, getBlacklist(window))
}

func (c *Client) Overload(ctx context.Context) (*LinesResponse, error) {
	return c.lines(ctx, rpcPath, Call{Action: ActOverload})
}

// StaticRangeFetch 返回文件的候选回源 URL，按优先级排序。
func (c *Client) StaticRangeFetch(ctx context.Context, fileIndex int, xres, fileID string) (*LinesResponse, error) {
	return c.lines(ctx, rpcPath, staticRangeFetch(fileIndex, xres, fileID))
}

// DownloaderFetch 返回画廊文件的候选下载 URL。
func (c *Client) DownloaderFetch(ctx context.Context, gid, page, fileIndex int, xres string, attempt int) (*LinesResponse, error) {
	return c.lines(ctx, rpcPath, downloaderFetch(gid, page, fileIndex, xres, attempt))
}

func (c *Client) DownloaderFailures(ctx context.Context, failures []DownloadFailure) (*LinesResponse, error) {
	return c.lines(ctx, rpcPath, downloaderFailures(failures))
}

// GetCertificate 拉取 PKCS#12 证书原始字节。
func (c *Client) GetCertificate(ctx context.Context) (*CertResponse, error) {
	call := Call{Action: ActGetCert}
	host, statusCode, body, err := c.do(ctx, rpcPath, call)
	resp := &CertResponse{Response: Response{StatusCode: statusCode, Status: StatusEmptyResponse}}
	if err != nil {
		return resp, err
	}
	if len(body) > 0 {
		resp.Status = StatusOK
		resp.Success = true
		resp.CertBytes = body
		return resp, nil
	}
	return resp, &CallError{Kind: errkind.Protocol, Action: call.Action, Host: host, Response: resp.Response}
}

// GetDownloadQueue 拉取下一个待下载画廊；gid 非空时表示确认上一个画廊已完成。
func (c *Client) GetDownloadQueue(ctx context.Context, gid *int, minXRes string) (*GalleryResponse, error) {
	call := fetchQueue(gid, minXRes)
	host, statusCode, body, err := c.do(ctx, downloadPath, call)
	text := string(body)
	lines := splitLines(text)
	resp := &GalleryResponse{Response: Response{StatusCode: statusCode, RawText: text, Status: StatusEmptyResponse}}
	if err != nil {
		return resp, err
	}
	if len(lines) == 0 {
		return resp, &CallError{Kind: errkind.Protocol, Action: call.Action, Host: host, Response: resp.Response}
	}

	switch first := lines[0]; first {
	case StatusInvalidRequest, StatusNoPendingDownloads:
		resp.Status = first
		return resp, &CallError{Kind: errkind.Protocol, Action: call.Action, Host: host, Response: resp.Response}
	case StatusOK:
		lines = lines[1:]
	}

	gallery, parseErr := ParseGallery(lines)
	if parseErr != nil {
		c.hosts.MarkFailed(host)
		resp.Status = StatusFail
		return resp, &CallError{Kind: errkind.Protocol, Action: call.Action, Host: host, Response: resp.Response, Err: parseErr}
	}
	resp.Status = StatusOK
	resp.Success = true
	resp.Gallery = gallery
	return resp, nil
}

func (c *Client) lines(ctx context.Context, path string, call Call) (*LinesResponse, error) {
	host, statusCode, body, err := c.do(ctx, path, call)
	if err != nil {
		return &LinesResponse{Response: Response{StatusCode: statusCode, Status: StatusEmptyResponse}}, err
	}
	resp := ParseLines(statusCode, string(body))
	if !resp.Success {
		c.logStatus(call, host, resp.Status)
		return resp, &CallError{Kind: errkind.Protocol, Action: call.Action, Host: host, Response: resp.Response}
	}
	return resp, nil
}

func (c *Client) props(ctx context.Context, call Call) (*PropsResponse, error) {
	host, statusCode, body, err := c.do(ctx, rpcPath, call)
	if err != nil {
		return &PropsResponse{Response: Response{StatusCode: statusCode, Status: StatusEmptyResponse}, Properties: map[string]string{}}, err
	}
	resp := ParseProps(statusCode, string(body))
	if !resp.Success {
		c.logStatus(call, host, resp.Status)
		return resp, &CallError{Kind: errkind.Protocol, Action: call.Action, Host: host, Response: resp.Response}
	}
	return resp, nil
}

// do 发起请求并读取完整响应体。传输层失败会将主机标记为失败；
// 调用方自身取消的请求不计入主机失败。
func (c *Client) do(ctx context.Context, path string, call Call) (string, int, []byte, error) {
	servers, updated := c.settings.RPCServers()
	c.hosts.Reconcile(servers, updated)
	host := c.hosts.Select()

	started := time.Now()
	fail := func(statusCode int, err error) (string, int, []byte, error) {
		if ctx.Err() == nil {
			c.hosts.MarkFailed(host)
		}
		fields := logging.RPCFields(string(call.Action), host)
		fields["elapsed_ms"] = time.Since(started).Milliseconds()
		fields["error"] = err.Error()
		c.logger.WithFields(fields).Warn("rpc_transport_failed")
		return host, statusCode, nil, &CallError{
			Kind:     errkind.Transport,
			Action:   call.Action,
			Host:     host,
			Response: Response{StatusCode: statusCode},
			Err:      err,
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(host, path, call), nil)
	if err != nil {
		return fail(0, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fail(resp.StatusCode, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(resp.StatusCode, fmt.Errorf("unexpected http status %d", resp.StatusCode))
	}

	fields := logging.RPCFields(string(call.Action), host)
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	c.logger.WithFields(fields).Debug("rpc_complete")
	return host, resp.StatusCode, body, nil
}

func (c *Client) buildURL(host, path string, call Call) string {
	query := url.Values{}
	query.Set("clientbuild", strconv.Itoa(c.settings.ClientBuild()))
	query.Set("act", string(call.Action))
	if call.Action != ActServerStat {
		cid := strconv.Itoa(c.settings.ClientID())
		acttime := strconv.FormatInt(c.settings.ServerNow().Unix(), 10)
		query.Set("add", call.Additional)
		query.Set("cid", cid)
		query.Set("acttime", acttime)
		query.Set("actkey", signature.Sign(signaturePrefix, string(call.Action), call.Additional, cid, acttime, c.settings.ClientKey()))
	}
	return (&url.URL{Scheme: c.scheme, Host: host, Path: path, RawQuery: query.Encode()}).String()
}

func (c *Client) logStatus(call Call, host, status string) {
	fields := logging.RPCFields(string(call.Action), host)
	fields["status"] = status
	c.logger.WithFields(fields).Warn("rpc_status_not_ok")
}

// IsStatus reports whether err is a protocol failure with the given status line.
func IsStatus(err error, status string) bool {
	var callErr *CallError
	return errors.As(err, &callErr) && callErr.Kind == errkind.Protocol && callErr.Response.Status == status
}
