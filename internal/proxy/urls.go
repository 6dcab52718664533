package proxy

import (
	"net"
	"net/url"

	"github.com/hath-node/hath-node/internal/config"
)

// MapURLs 按 URL 映射模式改写候选地址：
// force-ssl 将 http 升级为 https，prefer-ssl 先尝试全部 https 变体再回退原地址。
// 无法解析的地址原样保留，交由下载阶段失败。
func MapURLs(mode string, urls []string) []string {
	switch mode {
	case config.URLMappingForceSSL:
		out := make([]string, 0, len(urls))
		for _, raw := range urls {
			out = append(out, upgradeScheme(raw))
		}
		return out
	case config.URLMappingPreferSSL:
		secure := make([]string, 0, len(urls))
		var fallback []string
		for _, raw := range urls {
			upgraded := upgradeScheme(raw)
			secure = append(secure, upgraded)
			if upgraded != raw {
				fallback = append(fallback, raw)
			}
		}
		return append(secure, fallback...)
	default:
		return append([]string(nil), urls...)
	}
}

func upgradeScheme(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "http" {
		return raw
	}
	u.Scheme = "https"
	if u.Port() == "80" {
		u.Host = net.JoinHostPort(u.Hostname(), "443")
	}
	return u.String()
}
