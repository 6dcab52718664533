package settings

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/pkcs12"
)

// UpdateCertificate 解码控制服务器下发的 PKCS#12 证书（密码为 client key），
// 成功后替换当前 TLS 证书并返回到期时间。
func (s *Store) UpdateCertificate(pfx []byte) (time.Time, error) {
	cert, err := decodePKCS12(pfx, s.clientKey)
	if err != nil {
		return time.Time{}, &ConfigError{Key: "certificate", Err: err}
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return time.Time{}, &ConfigError{Key: "certificate", Err: err}
	}
	cert.Leaf = leaf

	s.mu.Lock()
	s.cert = cert
	s.certNotAfter = leaf.NotAfter
	s.mu.Unlock()
	return leaf.NotAfter, nil
}

// Certificate 返回当前 TLS 证书，可直接用作 tls.Config.GetCertificate。
func (s *Store) Certificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cert == nil {
		return nil, errors.New("no certificate loaded")
	}
	return s.cert, nil
}

// HasCertificate 表示是否已加载 TLS 证书。
func (s *Store) HasCertificate() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cert != nil
}

// CertificateNotAfter 返回当前证书到期时间，未加载时为零值。
func (s *Store) CertificateNotAfter() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.certNotAfter
}

func decodePKCS12(pfx []byte, password string) (*tls.Certificate, error) {
	if len(pfx) == 0 {
		return nil, errors.New("empty certificate payload")
	}
	blocks, err := pkcs12.ToPEM(pfx, password)
	if err != nil {
		return nil, fmt.Errorf("decode pkcs12: %w", err)
	}

	var certPEM, keyPEM []byte
	for _, block := range blocks {
		encoded := pem.EncodeToMemory(block)
		if block.Type == "CERTIFICATE" {
			certPEM = append(certPEM, encoded...)
		} else {
			keyPEM = append(keyPEM, encoded...)
		}
	}
	if len(certPEM) == 0 || len(keyPEM) == 0 {
		return nil, errors.New("pkcs12 bundle lacks certificate or key")
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("build key pair: %w", err)
	}
	return &cert, nil
}
