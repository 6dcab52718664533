package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hath-node/hath-node/internal/config"
)

// Shared HTTP transport tunings，复用长连接并集中配置超时。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewControlClient 返回访问控制服务器的共享 http.Client。
func NewControlClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: defaultTransport.Clone(),
	}
}

// NewOriginClient 返回回源下载共用的 http.Client，按配置挂载代理与证书校验策略。
// 不设置整体超时：响应头与读取停滞由调用方的计时器控制。
func NewOriginClient(cfg config.DownloadConfig) (*http.Client, error) {
	transport := defaultTransport.Clone()

	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse download proxy: %w", err)
		}
		if cfg.HasProxyCredentials() {
			proxyURL.User = url.UserPassword(cfg.ProxyUsername, cfg.ProxyPassword)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	switch cfg.TLSCheck {
	case "", config.TLSCheckStrict:
	case config.TLSCheckAllowNameMismatch:
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
			VerifyConnection:   verifyChainOnly,
		}
	case config.TLSCheckBypass:
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	default:
		return nil, fmt.Errorf("unsupported tls check mode %q", cfg.TLSCheck)
	}

	return &http.Client{Transport: transport}, nil
}

// verifyChainOnly 校验证书链但忽略主机名。
func verifyChainOnly(state tls.ConnectionState) error {
	if len(state.PeerCertificates) == 0 {
		return errors.New("origin presented no certificate")
	}
	intermediates := x509.NewCertPool()
	for _, cert := range state.PeerCertificates[1:] {
		intermediates.AddCert(cert)
	}
	_, err := state.PeerCertificates[0].Verify(x509.VerifyOptions{Intermediates: intermediates})
	return err
}
