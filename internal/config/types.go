package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// URL 映射模式，决定回源地址是否升级为 https。
const (
	URLMappingDefault   = "default"
	URLMappingForceSSL  = "force-ssl"
	URLMappingPreferSSL = "prefer-ssl"
)

// 回源 TLS 校验模式。
const (
	TLSCheckStrict            = "strict"
	TLSCheckAllowNameMismatch = "allow-name-mismatch"
	TLSCheckBypass            = "bypass"
)

// GlobalConfig 描述进程级运行参数：监听、日志、存储路径与超时。
type GlobalConfig struct {
	ListenHost          string   `mapstructure:"ListenHost"`
	ListenPort          int      `mapstructure:"ListenPort"`
	LogLevel            string   `mapstructure:"LogLevel"`
	LogFilePath         string   `mapstructure:"LogFilePath"`
	LogMaxSize          int      `mapstructure:"LogMaxSize"`
	LogMaxBackups       int      `mapstructure:"LogMaxBackups"`
	LogCompress         bool     `mapstructure:"LogCompress"`
	CachePath           string   `mapstructure:"CachePath"`
	TempPath            string   `mapstructure:"TempPath"`
	DownloadPath        string   `mapstructure:"DownloadPath"`
	StateFilePath       string   `mapstructure:"StateFilePath"`
	RPCTimeout          Duration `mapstructure:"RPCTimeout"`
	OriginHeaderTimeout Duration `mapstructure:"OriginHeaderTimeout"`
	ShutdownTimeout     Duration `mapstructure:"ShutdownTimeout"`
	GeoIPDatabase       string   `mapstructure:"GeoIPDatabase"`
}

// ClientConfig 保存节点身份以及与控制服务器交互相关的开关。
type ClientConfig struct {
	ID                      int      `mapstructure:"ID"`
	Key                     string   `mapstructure:"Key"`
	RPCHost                 string   `mapstructure:"RPCHost"`
	MaxAllowedFileSize      int64    `mapstructure:"MaxAllowedFileSize"`
	MaxConcurrentRequests   int      `mapstructure:"MaxConcurrentRequests"`
	ControlNetworks         []string `mapstructure:"ControlNetworks"`
	IgnoreAddressFromServer bool     `mapstructure:"IgnoreAddressFromServer"`
	SkipStartNotify         bool     `mapstructure:"SkipStartNotify"`
	SkipStopNotify          bool     `mapstructure:"SkipStopNotify"`
	IgnoreInvalidTime       bool     `mapstructure:"IgnoreInvalidTime"`
	IgnoreInvalidSignature  bool     `mapstructure:"IgnoreInvalidSignature"`
}

// DownloadConfig 控制回源下载客户端（代理、TLS、并发）。
type DownloadConfig struct {
	URLMapping    string `mapstructure:"URLMapping"`
	TLSCheck      string `mapstructure:"TLSCheck"`
	Proxy         string `mapstructure:"Proxy"`
	ProxyUsername string `mapstructure:"ProxyUsername"`
	ProxyPassword string `mapstructure:"ProxyPassword"`
	MaxParallel   int    `mapstructure:"MaxParallel"`
	MaxAttempts   int    `mapstructure:"MaxAttempts"`
}

// SecurityConfig 控制入站限流与管理接口。
type SecurityConfig struct {
	RateLimit          bool `mapstructure:"RateLimit"`
	RateLimitPerMinute int  `mapstructure:"RateLimitPerMinute"`
	AdminAPI           bool `mapstructure:"AdminAPI"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global   GlobalConfig   `mapstructure:",squash"`
	Client   ClientConfig   `mapstructure:"Client"`
	Download DownloadConfig `mapstructure:"Download"`
	Security SecurityConfig `mapstructure:"Security"`
}

// HasProxyCredentials 表示回源代理是否配置了账号密码。
func (d DownloadConfig) HasProxyCredentials() bool {
	return d.ProxyUsername != "" && d.ProxyPassword != ""
}

// ProxyMode 输出 `direct`、`proxy` 或 `proxy+auth`，供日志字段使用。
func (d DownloadConfig) ProxyMode() string {
	switch {
	case d.Proxy == "":
		return "direct"
	case d.HasProxyCredentials():
		return "proxy+auth"
	default:
		return "proxy"
	}
}
