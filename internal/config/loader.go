package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultMaxAllowedFileSize 是回源时接受的最大 Content-Length（1 GiB）。
const DefaultMaxAllowedFileSize int64 = 1 << 30

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyClientDefaults(&cfg.Client)
	applyDownloadDefaults(&cfg.Download)
	applySecurityDefaults(&cfg.Security)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := absolutizePaths(&cfg.Global); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenHost", "")
	v.SetDefault("ListenPort", 0)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("CachePath", "./files/cache")
	v.SetDefault("TempPath", "./files/tmp")
	v.SetDefault("DownloadPath", "./files/download")
	v.SetDefault("StateFilePath", "./files/file_manager_state.json")
	v.SetDefault("RPCTimeout", "30s")
	v.SetDefault("OriginHeaderTimeout", "5s")
	v.SetDefault("ShutdownTimeout", "2m")
	v.SetDefault("Client.RPCHost", "rpc.hentaiathome.net")
	v.SetDefault("Client.MaxAllowedFileSize", DefaultMaxAllowedFileSize)
	v.SetDefault("Download.URLMapping", URLMappingDefault)
	v.SetDefault("Download.TLSCheck", TLSCheckStrict)
	v.SetDefault("Download.MaxParallel", 3)
	v.SetDefault("Download.MaxAttempts", 3)
	v.SetDefault("Security.RateLimit", true)
	v.SetDefault("Security.RateLimitPerMinute", 20)
	v.SetDefault("Security.AdminAPI", true)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if g.RPCTimeout.DurationValue() == 0 {
		g.RPCTimeout = Duration(30 * time.Second)
	}
	if g.OriginHeaderTimeout.DurationValue() == 0 {
		g.OriginHeaderTimeout = Duration(5 * time.Second)
	}
	if g.ShutdownTimeout.DurationValue() == 0 {
		g.ShutdownTimeout = Duration(2 * time.Minute)
	}
}

func applyClientDefaults(c *ClientConfig) {
	c.Key = strings.TrimSpace(c.Key)
	if strings.TrimSpace(c.RPCHost) == "" {
		c.RPCHost = "rpc.hentaiathome.net"
	}
	if c.MaxAllowedFileSize <= 0 {
		c.MaxAllowedFileSize = DefaultMaxAllowedFileSize
	}
}

func applyDownloadDefaults(d *DownloadConfig) {
	d.URLMapping = strings.ToLower(strings.TrimSpace(d.URLMapping))
	if d.URLMapping == "" {
		d.URLMapping = URLMappingDefault
	}
	d.TLSCheck = strings.ToLower(strings.TrimSpace(d.TLSCheck))
	if d.TLSCheck == "" {
		d.TLSCheck = TLSCheckStrict
	}
	if d.MaxParallel <= 0 {
		d.MaxParallel = 3
	}
	if d.MaxAttempts <= 0 {
		d.MaxAttempts = 3
	}
}

func applySecurityDefaults(s *SecurityConfig) {
	if s.RateLimitPerMinute <= 0 {
		s.RateLimitPerMinute = 20
	}
}

func absolutizePaths(g *GlobalConfig) error {
	targets := map[string]*string{
		"CachePath":     &g.CachePath,
		"TempPath":      &g.TempPath,
		"DownloadPath":  &g.DownloadPath,
		"StateFilePath": &g.StateFilePath,
	}
	for field, target := range targets {
		abs, err := filepath.Abs(*target)
		if err != nil {
			return fmt.Errorf("无法解析 %s: %w", field, err)
		}
		*target = abs
	}
	return nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
