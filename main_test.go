package main

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseCLIFlagsPriority(t *testing.T) {
	t.Setenv("HATH_NODE_CONFIG", "/tmp/env.toml")

	opts, err := parseCLIFlags([]string{})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", opts.configPath)
	}

	opts, err = parseCLIFlags([]string{"--config", "/tmp/flag.toml", "--validate-cache"})
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if opts.configPath != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", opts.configPath)
	}
	if !opts.validateCache {
		t.Fatalf("validate-cache flag not parsed")
	}
}

func TestParseCLIFlagsRejectsUnknown(t *testing.T) {
	if _, err := parseCLIFlags([]string{"--nope"}); err == nil {
		t.Fatalf("unknown flag should fail")
	}
}

func TestRunCheckConfigSuccess(t *testing.T) {
	out := captureCLI(t)
	code := run(cliOptions{configPath: configFixture(t, "valid.toml"), checkOnly: true})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d: %s", code, out.stderr.String())
	}
}

func TestRunCheckConfigFailure(t *testing.T) {
	out := captureCLI(t)
	code := run(cliOptions{configPath: configFixture(t, "missing.toml"), checkOnly: true})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	if !strings.Contains(out.stderr.String(), "加载配置失败") {
		t.Fatalf("stderr should explain the failure, got %q", out.stderr.String())
	}
}

func TestRunVersionOutput(t *testing.T) {
	out := captureCLI(t)
	code := run(cliOptions{showVersion: true})
	if code != 0 {
		t.Fatalf("version 模式应成功退出，得到 %d", code)
	}
	if !strings.Contains(out.stdout.String(), "hath-node") {
		t.Fatalf("version 输出应包含 hath-node 标识")
	}
}

func TestRunValidateCacheReportsCorruption(t *testing.T) {
	layout := newNodeLayout(t)
	// sha1("hello")
	goodHash := "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"
	layout.putCacheFile(t, goodHash+"-5-1-1-jpg", []byte("hello"))
	badHash := "0123456789abcdef0123456789abcdef01234567"
	layout.putCacheFile(t, badHash+"-5-1-1-jpg", []byte("nope!"))
	configPath := layout.writeConfig(t, `LogLevel = "error"`)

	out := captureCLI(t)
	code := run(cliOptions{configPath: configPath, validateCache: true})
	if code != 1 {
		t.Fatalf("corrupted cache should exit 1, got %d: %s", code, out.stderr.String())
	}

	var report struct {
		Checked int64    `json:"checked"`
		OK      int64    `json:"ok"`
		Bad     int64    `json:"bad"`
		BadIDs  []string `json:"bad_ids"`
	}
	if err := json.Unmarshal(out.stdout.Bytes(), &report); err != nil {
		t.Fatalf("解析报告失败: %v (%s)", err, out.stdout.String())
	}
	if report.Checked != 2 || report.OK != 1 || report.Bad != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(report.BadIDs) != 1 || !strings.HasPrefix(report.BadIDs[0], badHash) {
		t.Fatalf("损坏文件应列入 bad_ids: %v", report.BadIDs)
	}
}

func TestRunValidateCacheCleanExitsZero(t *testing.T) {
	layout := newNodeLayout(t)
	layout.putCacheFile(t, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d-5-1-1-jpg", []byte("hello"))

	out := captureCLI(t)
	code := run(cliOptions{configPath: layout.writeConfig(t, `LogLevel = "error"`), validateCache: true})
	if code != 0 {
		t.Fatalf("完整缓存应退出 0，得到 %d: %s", code, out.stderr.String())
	}
}
