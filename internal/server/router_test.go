package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/hath-node/hath-node/internal/auth"
	"github.com/hath-node/hath-node/internal/cache"
	"github.com/hath-node/hath-node/internal/errkind"
	"github.com/hath-node/hath-node/internal/logging"
	"github.com/hath-node/hath-node/internal/servercmd"
)

const (
	testClientID  = 4242
	testClientKey = "abcdefghijklmnopqrst"
	testFileID    = "0123456789abcdef0123456789abcdef01234567-1024-800-600-jpg"
)

type keySource struct{}

func (keySource) ClientID() int                { return testClientID }
func (keySource) ClientKey() string            { return testClientKey }
func (keySource) IgnoreInvalidTime() bool      { return false }
func (keySource) IgnoreInvalidSignature() bool { return false }

type fakeControl struct{ allow bool }

func (f fakeControl) IsControlAddress(string) bool { return f.allow }

type fileRecorder struct {
	mu    sync.Mutex
	files []cache.RequestedFile
	err   error
}

func (f *fileRecorder) ServeFile(c fiber.Ctx, file cache.RequestedFile, requestID string) error {
	f.mu.Lock()
	f.files = append(f.files, file)
	f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if requestID == "" {
		return errors.New("missing request id")
	}
	return c.SendString("file:" + file.FileID())
}

type commandRecorder struct {
	name       string
	additional string
	result     servercmd.Result
}

func (r *commandRecorder) Execute(_ context.Context, name, additional, _ string) servercmd.Result {
	r.name = name
	r.additional = additional
	return r.result
}

type testApp struct {
	*fiber.App
	validator *auth.Validator
	files     *fileRecorder
	commands  *commandRecorder
}

func newTestApp(t *testing.T, control bool, rateLimit int) *testApp {
	t.Helper()
	validator := auth.NewValidator(keySource{})
	files := &fileRecorder{}
	commands := &commandRecorder{result: servercmd.Result{Status: http.StatusOK, Text: "I feel FANTASTIC and I'm still alive"}}
	app, err := NewApp(AppOptions{
		Logger:             logging.Discard(),
		Validator:          validator,
		Control:            fakeControl{allow: control},
		Files:              files,
		Commands:           commands,
		RateLimitPerMinute: rateLimit,
	})
	if err != nil {
		t.Fatalf("NewApp 失败: %v", err)
	}
	return &testApp{App: app, validator: validator, files: files, commands: commands}
}

func (a *testApp) get(t *testing.T, target string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	resp, err := a.Test(req)
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, string(body)
}

func (a *testApp) filePath(unixTime int64, key, extra string) string {
	return "/h/" + testFileID + "/keystamp=" + strconv.FormatInt(unixTime, 10) + "-" + key + extra + "/image.jpg"
}

func TestRobotsAndFavicon(t *testing.T) {
	app := newTestApp(t, false, 0)

	resp, body := app.get(t, "/robots.txt")
	if resp.StatusCode != fiber.StatusOK || body != "User-agent: *\nDisallow: /" {
		t.Fatalf("unexpected robots response %d %q", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}

	resp, _ = app.get(t, "/favicon.ico")
	if resp.StatusCode != fiber.StatusMovedPermanently || resp.Header.Get("Location") != "https://e-hentai.org/favicon.ico" {
		t.Fatalf("unexpected favicon response %d %s", resp.StatusCode, resp.Header.Get("Location"))
	}
}

func TestUnknownRouteRendersErrorPage(t *testing.T) {
	app := newTestApp(t, false, 0)
	resp, body := app.get(t, "/nope")
	if resp.StatusCode != fiber.StatusNotFound || body != "An error has occurred. (404)" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
}

func TestFileRouteParsesRequest(t *testing.T) {
	app := newTestApp(t, false, 0)
	now := time.Now().Unix()
	key := app.validator.FileKey(now, testFileID)

	resp, body := app.get(t, app.filePath(now, key, ";fileindex=77;xres=org"))
	if resp.StatusCode != fiber.StatusOK || body != "file:"+testFileID {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if len(app.files.files) != 1 {
		t.Fatalf("expected one served file")
	}
	got := app.files.files[0]
	if got.FileIndex != 77 || got.XResType != "org" || got.FileName != "image.jpg" || got.Size != 1024 {
		t.Fatalf("unexpected parsed file %+v", got)
	}
}

func TestFileRouteRejections(t *testing.T) {
	app := newTestApp(t, false, 0)
	now := time.Now().Unix()
	key := app.validator.FileKey(now, testFileID)
	stale := now - 1000

	cases := []struct {
		name   string
		path   string
		status int
	}{
		{"bad key", app.filePath(now, "0000000000", ";fileindex=1;xres=org"), fiber.StatusForbidden},
		{"stale timestamp", app.filePath(stale, app.validator.FileKey(stale, testFileID), ";fileindex=1;xres=org"), fiber.StatusForbidden},
		{"missing keystamp", "/h/" + testFileID + "/fileindex=1;xres=org/a.jpg", fiber.StatusForbidden},
		{"missing fileindex", app.filePath(now, key, ";xres=org"), fiber.StatusBadRequest},
		{"missing xres", app.filePath(now, key, ";fileindex=3"), fiber.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := app.get(t, tc.path)
			if resp.StatusCode != tc.status {
				t.Fatalf("expected %d, got %d (%s)", tc.status, resp.StatusCode, body)
			}
		})
	}
	if len(app.files.files) != 0 {
		t.Fatalf("rejected requests must not reach the file server")
	}
}

func TestValidationErrorFromHandlerIs403(t *testing.T) {
	app := newTestApp(t, false, 0)
	app.files.err = errkind.New(errkind.Validation, "serve", errors.New("nope"))
	now := time.Now().Unix()
	resp, body := app.get(t, app.filePath(now, app.validator.FileKey(now, testFileID), ";fileindex=1;xres=org"))
	if resp.StatusCode != fiber.StatusForbidden || body != "An error has occurred. (403)" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
}

func TestSpeedTestRoute(t *testing.T) {
	app := newTestApp(t, false, 0)
	now := time.Now().Unix()
	key := app.validator.TestKey(now, 4096)

	resp, body := app.get(t, "/t/4096/"+strconv.FormatInt(now, 10)+"/"+key+"/x")
	if resp.StatusCode != fiber.StatusOK || len(body) != 4096 {
		t.Fatalf("expected 4096 random bytes, got %d (%d)", len(body), resp.StatusCode)
	}

	resp, _ = app.get(t, "/t/4096/"+strconv.FormatInt(now, 10)+"/badkey/x")
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("expected 403 for bad key, got %d", resp.StatusCode)
	}
}

func TestServerCommandRequiresControlAddress(t *testing.T) {
	app := newTestApp(t, false, 0)
	now := time.Now().Unix()
	key := app.validator.CommandKey(now, "still_alive", "")
	resp, _ := app.get(t, "/servercmd/still_alive//"+strconv.FormatInt(now, 10)+"/"+key)
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if app.commands.name != "" {
		t.Fatalf("command must not run for foreign sources")
	}
}

func TestServerCommandWithEmptyAdditional(t *testing.T) {
	app := newTestApp(t, true, 0)
	now := time.Now().Unix()
	key := app.validator.CommandKey(now, "still_alive", "")

	resp, body := app.get(t, "/servercmd/still_alive//"+strconv.FormatInt(now, 10)+"/"+key)
	if resp.StatusCode != fiber.StatusOK || body != "I feel FANTASTIC and I'm still alive" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}
	if app.commands.name != "still_alive" || app.commands.additional != "" {
		t.Fatalf("unexpected dispatch %q %q", app.commands.name, app.commands.additional)
	}
}

func TestServerCommandStatusMapping(t *testing.T) {
	app := newTestApp(t, true, 0)
	now := time.Now().Unix()
	additional := "testsize=10"
	key := app.validator.CommandKey(now, "speed_test", additional)

	app.commands.result = servercmd.Result{Status: http.StatusOK, Body: strings.NewReader("0123456789"), Size: 10}
	resp, body := app.get(t, "/servercmd/speed_test/"+additional+"/"+strconv.FormatInt(now, 10)+"/"+key)
	if resp.StatusCode != fiber.StatusOK || body != "0123456789" {
		t.Fatalf("unexpected stream response %d %q", resp.StatusCode, body)
	}
	if app.commands.additional != additional {
		t.Fatalf("unexpected additional %q", app.commands.additional)
	}

	app.commands.result = servercmd.Result{Status: http.StatusNotFound}
	resp, body = app.get(t, "/servercmd/speed_test/"+additional+"/"+strconv.FormatInt(now, 10)+"/"+key)
	if resp.StatusCode != fiber.StatusNotFound || body != "An error has occurred. (404)" {
		t.Fatalf("unexpected response %d %q", resp.StatusCode, body)
	}

	resp, _ = app.get(t, "/servercmd/speed_test/"+additional+"/"+strconv.FormatInt(now, 10)+"/wrong")
	if resp.StatusCode != fiber.StatusForbidden {
		t.Fatalf("expected 403 for bad signature, got %d", resp.StatusCode)
	}
}

func TestSplitCommandPath(t *testing.T) {
	cmd, additional, ts, key, ok := splitCommandPath("/servercmd/threaded_proxy_test/hostname=a;port=80/1700000000/abc/extra?x=1")
	if !ok || cmd != "threaded_proxy_test" || additional != "hostname=a;port=80" || ts != 1700000000 || key != "abc" {
		t.Fatalf("unexpected split %q %q %d %q %v", cmd, additional, ts, key, ok)
	}
	for _, bad := range []string{"/servercmd/", "/servercmd/a/b/c", "/servercmd/a/b/notanumber/k", "/other/a/b/1/k"} {
		if _, _, _, _, ok := splitCommandPath(bad); ok {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func TestParseKeystamp(t *testing.T) {
	if ts, key := parseKeystamp("1700000000-abcdef0123"); ts != 1700000000 || key != "abcdef0123" {
		t.Fatalf("unexpected keystamp parse %d %q", ts, key)
	}
	for _, bad := range []string{"", "abc-def", "1-2-3", "1700000000"} {
		if ts, key := parseKeystamp(bad); ts != 0 || key != "" {
			t.Fatalf("expected %q to yield zero values", bad)
		}
	}
}

func TestRateLimitReturns429(t *testing.T) {
	app := newTestApp(t, false, 2)
	for i := 0; i < 2; i++ {
		if resp, _ := app.get(t, "/robots.txt"); resp.StatusCode != fiber.StatusOK {
			t.Fatalf("request %d should pass, got %d", i, resp.StatusCode)
		}
	}
	resp, body := app.get(t, "/robots.txt")
	if resp.StatusCode != fiber.StatusTooManyRequests || body != "An error has occurred. (429)" {
		t.Fatalf("expected 429, got %d %q", resp.StatusCode, body)
	}
}

func TestRateLimitExemptsControlAddresses(t *testing.T) {
	app := newTestApp(t, true, 1)
	for i := 0; i < 3; i++ {
		if resp, _ := app.get(t, "/robots.txt"); resp.StatusCode != fiber.StatusOK {
			t.Fatalf("control address should not be limited, got %d", resp.StatusCode)
		}
	}
}
