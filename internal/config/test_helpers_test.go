package config

import (
	"os"
	"path/filepath"
	"testing"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			LogLevel:            "info",
			ListenPort:          4430,
			CachePath:           "./files/cache",
			TempPath:            "./files/tmp",
			DownloadPath:        "./files/download",
			StateFilePath:       "./files/state.json",
			RPCTimeout:          Duration(30e9),
			OriginHeaderTimeout: Duration(5e9),
		},
		Client: ClientConfig{
			ID:                 1,
			Key:                "abcdefghij0123456789",
			RPCHost:            "rpc.hentaiathome.net",
			MaxAllowedFileSize: DefaultMaxAllowedFileSize,
		},
		Download: DownloadConfig{
			URLMapping:  URLMappingDefault,
			TLSCheck:    TLSCheckStrict,
			MaxParallel: 3,
			MaxAttempts: 3,
		},
		Security: SecurityConfig{RateLimit: true, RateLimitPerMinute: 20},
	}
}
