package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort < 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 0-65535（0 表示使用控制服务器下发的端口）")
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("Global.LogLevel", "无法识别的日志级别")
	}
	for field, value := range map[string]string{
		"Global.CachePath":     g.CachePath,
		"Global.TempPath":      g.TempPath,
		"Global.DownloadPath":  g.DownloadPath,
		"Global.StateFilePath": g.StateFilePath,
	} {
		if strings.TrimSpace(value) == "" {
			return newFieldError(field, "不能为空")
		}
	}
	if g.RPCTimeout.DurationValue() <= 0 {
		return newFieldError("Global.RPCTimeout", "必须大于 0")
	}
	if g.OriginHeaderTimeout.DurationValue() <= 0 {
		return newFieldError("Global.OriginHeaderTimeout", "必须大于 0")
	}

	if err := c.Client.validate(); err != nil {
		return err
	}
	if err := c.Download.validate(); err != nil {
		return err
	}
	if c.Security.RateLimitPerMinute <= 0 {
		return newFieldError("Security.RateLimitPerMinute", "必须大于 0")
	}
	return nil
}

func (cl ClientConfig) validate() error {
	if cl.ID <= 0 {
		return newFieldError("Client.ID", "必须为正整数")
	}
	if cl.Key == "" {
		return newFieldError("Client.Key", "不能为空")
	}
	for _, r := range cl.Key {
		if !isAlphaNumeric(r) {
			return newFieldError("Client.Key", "只能包含字母与数字")
		}
	}
	if strings.Contains(cl.RPCHost, "/") {
		return newFieldError("Client.RPCHost", "不允许包含协议或路径")
	}
	if cl.MaxAllowedFileSize <= 0 {
		return newFieldError("Client.MaxAllowedFileSize", "必须大于 0")
	}
	if cl.MaxConcurrentRequests < 0 {
		return newFieldError("Client.MaxConcurrentRequests", "不能为负数")
	}
	if _, err := ParseNetworks(cl.ControlNetworks); err != nil {
		return fmt.Errorf("Client.ControlNetworks: %w", err)
	}
	return nil
}

func (d DownloadConfig) validate() error {
	switch d.URLMapping {
	case URLMappingDefault, URLMappingForceSSL, URLMappingPreferSSL:
	default:
		return newFieldError("Download.URLMapping", "仅支持 default/force-ssl/prefer-ssl")
	}
	switch d.TLSCheck {
	case TLSCheckStrict, TLSCheckAllowNameMismatch, TLSCheckBypass:
	default:
		return newFieldError("Download.TLSCheck", "仅支持 strict/allow-name-mismatch/bypass")
	}
	if (d.ProxyUsername == "") != (d.ProxyPassword == "") {
		return newFieldError("Download.ProxyUsername/ProxyPassword", "必须同时提供或同时留空")
	}
	if d.Proxy != "" {
		if err := validateProxy(d.Proxy); err != nil {
			return fmt.Errorf("Download.Proxy: %w", err)
		}
	}
	if d.MaxParallel <= 0 {
		return newFieldError("Download.MaxParallel", "必须大于 0")
	}
	if d.MaxAttempts <= 0 {
		return newFieldError("Download.MaxAttempts", "必须大于 0")
	}
	return nil
}

// ParseNetworks 将 CIDR 或单个 IP 字符串解析为网段列表。
func ParseNetworks(raw []string) ([]*net.IPNet, error) {
	networks := make([]*net.IPNet, 0, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if !strings.Contains(item, "/") {
			ip := net.ParseIP(item)
			if ip == nil {
				return nil, fmt.Errorf("无效地址: %s", item)
			}
			bits := 128
			if v4 := ip.To4(); v4 != nil {
				ip, bits = v4, 32
			}
			networks = append(networks, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, network, err := net.ParseCIDR(item)
		if err != nil {
			return nil, fmt.Errorf("无效网段: %s", item)
		}
		networks = append(networks, network)
	}
	return networks, nil
}

func validateProxy(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch parsed.Scheme {
	case "http", "https", "socks5":
	default:
		return fmt.Errorf("仅支持 http/https/socks5 代理: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("代理缺少 Host: %s", raw)
	}
	return nil
}

func isAlphaNumeric(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
