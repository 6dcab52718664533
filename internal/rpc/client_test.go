package rpc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/hath-node/hath-node/internal/errkind"
	"github.com/hath-node/hath-node/internal/logging"
	"github.com/hath-node/hath-node/internal/signature"
)

type fakeSettings struct {
	servers []string
	now     time.Time
}

func (f *fakeSettings) ClientID() int        { return 42 }
func (f *fakeSettings) ClientKey() string    { return "abcdefghij0123456789" }
func (f *fakeSettings) ClientBuild() int     { return 168 }
func (f *fakeSettings) ServerNow() time.Time { return f.now }
func (f *fakeSettings) RPCServers() ([]string, time.Time) {
	return f.servers, time.Unix(1, 0)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, _ := url.Parse(srv.URL)
	settings := &fakeSettings{servers: []string{u.Host}, now: time.Unix(1_700_000_000, 0)}
	client := NewClient(srv.Client(), settings, NewHostSelector("unreachable.invalid"), logging.Discard())
	return client, srv
}

func TestClientSignsActionQuery(t *testing.T) {
	var seen url.Values
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != rpcPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		seen = r.URL.Query()
		_, _ = w.Write([]byte("OK\r\nhttp://a/1\r\n\r\nhttp://b/2\n"))
	})

	resp, err := client.StaticRangeFetch(context.Background(), 7, "org", "fid")
	if err != nil {
		t.Fatalf("StaticRangeFetch 失败: %v", err)
	}
	if len(resp.Lines) != 2 || resp.Lines[0] != "http://a/1" || resp.Lines[1] != "http://b/2" {
		t.Fatalf("行解析错误: %v", resp.Lines)
	}

	if seen.Get("act") != "srfetch" || seen.Get("add") != "7;org;fid" {
		t.Fatalf("动作参数错误: %v", seen)
	}
	if seen.Get("clientbuild") != "168" || seen.Get("cid") != "42" {
		t.Fatalf("身份参数错误: %v", seen)
	}
	acttime := strconv.FormatInt(time.Unix(1_700_000_000, 0).Unix(), 10)
	if seen.Get("acttime") != acttime {
		t.Fatalf("acttime 错误: %s", seen.Get("acttime"))
	}
	want := signature.Sign("hentai@home", "srfetch", "7;org;fid", "42", acttime, "abcdefghij0123456789")
	if seen.Get("actkey") != want {
		t.Fatalf("签名错误: got %s want %s", seen.Get("actkey"), want)
	}
}

func TestServerStatIsUnsigned(t *testing.T) {
	var seen url.Values
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL.Query()
		_, _ = w.Write([]byte("OK\nmin_client_build=160\ncur_client_build=168\nserver_time=1700000000"))
	})

	resp, err := client.ServerStat(context.Background())
	if err != nil {
		t.Fatalf("ServerStat 失败: %v", err)
	}
	for _, key := range []string{"add", "cid", "acttime", "actkey"} {
		if seen.Has(key) {
			t.Fatalf("server_stat 不应携带 %s", key)
		}
	}
	if resp.Properties["cur_client_build"] != "168" || len(resp.Properties) != 3 {
		t.Fatalf("属性解析错误: %v", resp.Properties)
	}
}

func TestProtocolErrorDoesNotFailOver(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("KEY_EXPIRED\n"))
	})

	resp, err := client.ClientStart(context.Background())
	if err == nil {
		t.Fatalf("非 OK 状态应返回错误")
	}
	if !errkind.Is(err, errkind.Protocol) || !IsStatus(err, StatusKeyExpired) {
		t.Fatalf("expected protocol KEY_EXPIRED, got %v", err)
	}
	if resp == nil || resp.Status != StatusKeyExpired || resp.Success {
		t.Fatalf("错误应携带已解析响应: %+v", resp)
	}
	for _, st := range client.Hosts().Snapshot() {
		if !st.LastFailure.IsZero() {
			t.Fatalf("协议错误不应标记主机失败")
		}
	}
}

func TestTransportErrorMarksHostFailed(t *testing.T) {
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	_, err := client.ClientStop(context.Background())
	if !errkind.Is(err, errkind.Transport) {
		t.Fatalf("expected transport error, got %v", err)
	}
	states := client.Hosts().Snapshot()
	if len(states) != 1 || states[0].LastFailure.IsZero() {
		t.Fatalf("传输失败应标记主机: %+v", states)
	}
	if host := client.Hosts().Select(); host != "unreachable.invalid" {
		t.Fatalf("唯一主机失败后应回退默认主机，得到 %s", host)
	}
}

func TestEmptyBodyIsEmptyResponse(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	resp, err := client.Overload(context.Background())
	if err == nil || resp.Status != StatusEmptyResponse {
		t.Fatalf("空响应应为 EMPTY_RESPONSE: %+v err=%v", resp, err)
	}
}

func TestParsePropsMessage(t *testing.T) {
	resp := ParseProps(200, "FAIL\nsomething went wrong")
	if resp.Success || resp.Message != "something went wrong" {
		t.Fatalf("两行响应应解析 Message: %+v", resp)
	}

	resp = ParseProps(200, "OK\na=1\nb=x=y\nnoeq")
	if !resp.Success || resp.Message != "" {
		t.Fatalf("多行响应不应有 Message: %+v", resp)
	}
	if resp.Properties["a"] != "1" || resp.Properties["b"] != "x=y" {
		t.Fatalf("属性应只按第一个 = 切分: %v", resp.Properties)
	}
	if _, ok := resp.Properties["noeq"]; ok {
		t.Fatalf("不含 = 的行应丢弃")
	}
}

func TestStillAlivePayload(t *testing.T) {
	var add string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		add = r.URL.Query().Get("add")
		_, _ = w.Write([]byte("OK"))
	})
	if _, err := client.StillAlive(context.Background(), true); err != nil {
		t.Fatalf("StillAlive 失败: %v", err)
	}
	if add != "resume" {
		t.Fatalf("resume 标记错误: %q", add)
	}
}

func TestStillAliveReadsPropsForm(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("FAIL\nTERM_BAD_NETWORK"))
	})
	resp, err := client.StillAlive(context.Background(), false)
	if err == nil {
		t.Fatalf("FAIL 状态应返回错误")
	}
	if resp.Status != StatusFail || resp.Message != "TERM_BAD_NETWORK" {
		t.Fatalf("still_alive 应按属性式解析出 Message: %+v", resp)
	}

	client, _ = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("OK\nmin_client_build=176"))
	})
	resp, err = client.StillAlive(context.Background(), false)
	if err != nil {
		t.Fatalf("StillAlive 失败: %v", err)
	}
	if resp.Properties["min_client_build"] != "176" {
		t.Fatalf("属性解析错误: %v", resp.Properties)
	}
}

func TestDownloaderFailuresPayload(t *testing.T) {
	var add string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		add = r.URL.Query().Get("add")
		_, _ = w.Write([]byte("OK"))
	})
	_, err := client.DownloaderFailures(context.Background(), []DownloadFailure{
		{Host: "h1", FileIndex: 3, XRes: "org"},
		{Host: "h2", FileIndex: 9, XRes: "780"},
	})
	if err != nil {
		t.Fatalf("DownloaderFailures 失败: %v", err)
	}
	if add != "h1-3-org;h2-9-780" {
		t.Fatalf("dlfails 负载错误: %q", add)
	}
}

func TestGetCertificateReturnsRawBytes(t *testing.T) {
	payload := []byte{0x30, 0x82, 0x00, 0x0a, 0x0d}
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	})
	resp, err := client.GetCertificate(context.Background())
	if err != nil {
		t.Fatalf("GetCertificate 失败: %v", err)
	}
	if string(resp.CertBytes) != string(payload) {
		t.Fatalf("证书字节不应被解析或修改")
	}
}

func TestGetDownloadQueue(t *testing.T) {
	var path, add string
	body := "NO_PENDING_DOWNLOADS\n"
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		add = r.URL.Query().Get("add")
		_, _ = w.Write([]byte(body))
	})

	gid := 5
	_, err := client.GetDownloadQueue(context.Background(), &gid, "org")
	if !IsStatus(err, StatusNoPendingDownloads) {
		t.Fatalf("expected NO_PENDING_DOWNLOADS, got %v", err)
	}
	if path != downloadPath || add != "5;org" {
		t.Fatalf("fetchqueue 请求错误: path=%s add=%s", path, add)
	}

	body = "GID 9\nFILECOUNT 1\nMINXRES 780\nTITLE x\nFILELIST\n1 2 780 unknown png p.png\nINFORMATION\n"
	resp, err := client.GetDownloadQueue(context.Background(), nil, "")
	if err != nil {
		t.Fatalf("GetDownloadQueue 失败: %v", err)
	}
	if !resp.Success || resp.Gallery.GalleryID != 9 || resp.Gallery.DirName() != "9_780" {
		t.Fatalf("画廊解析错误: %+v", resp.Gallery)
	}
	if add != "" {
		t.Fatalf("首次请求不应携带 add，得到 %q", add)
	}
}
