// Package signature produces the SHA-1 signatures shared with the control
// server. Both the outbound RPC signer and the inbound key validator build on
// Sign, so the two can never drift apart.
package signature

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// Separator joins signature fields before hashing.
const Separator = "-"

// FormatError 表示十六进制签名无法解码。
type FormatError struct {
	Value string
	Err   error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid hex signature %q: %v", e.Value, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// Sign 以 "-" 连接 fields 后计算 SHA-1，返回小写十六进制串。
func Sign(fields ...string) string {
	sum := sha1.Sum([]byte(strings.Join(fields, Separator)))
	return hex.EncodeToString(sum[:])
}

// Decode 将十六进制签名还原为字节。
func Decode(value string) ([]byte, error) {
	raw, err := hex.DecodeString(value)
	if err != nil {
		return nil, &FormatError{Value: value, Err: err}
	}
	return raw, nil
}

// Equal 以常量时间逐字节比较两个签名，大小写敏感。
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
