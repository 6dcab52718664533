// Package auth validates the keys embedded in inbound file, speed-test and
// server-command URLs. Every check mirrors the control server's signer, so any
// change here is a protocol change.
package auth

import (
	"fmt"
	"strconv"
	"time"

	"github.com/hath-node/hath-node/internal/errkind"
	"github.com/hath-node/hath-node/internal/signature"
)

// 各类请求允许的时间漂移。
const (
	CommandMaxDrift = 300 * time.Second
	TestMaxDrift    = 300 * time.Second
	FileMaxDrift    = 900 * time.Second

	fileKeyLength = 10
)

// Reason 描述校验失败的原因。
type Reason string

const (
	ReasonTimeDrift    Reason = "time_drift"
	ReasonBadSignature Reason = "bad_signature"
)

// ValidationError 总是映射为 403。
type ValidationError struct {
	Scope  string
	Reason Reason
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s key rejected: %s", e.Scope, e.Reason)
}

// ErrorKind implements errkind.Classified.
func (e *ValidationError) ErrorKind() errkind.Kind { return errkind.Validation }

// Source 提供节点身份以及运维绕过开关。
type Source interface {
	ClientID() int
	ClientKey() string
	IgnoreInvalidTime() bool
	IgnoreInvalidSignature() bool
}

// Validator 校验入站请求签名。
type Validator struct {
	source Source
	now    func() time.Time
}

// NewValidator 创建校验器。
func NewValidator(source Source) *Validator {
	return &Validator{source: source, now: time.Now}
}

// CommandKey 计算 servercmd 请求应携带的签名。
func (v *Validator) CommandKey(unixTime int64, command, additional string) string {
	return signature.Sign("hentai@home", "servercmd", command, additional,
		strconv.Itoa(v.source.ClientID()), strconv.FormatInt(unixTime, 10), v.source.ClientKey())
}

// TestKey 计算测速请求应携带的签名。
func (v *Validator) TestKey(unixTime int64, testSize int) string {
	return signature.Sign("hentai@home", "speedtest", strconv.Itoa(testSize),
		strconv.FormatInt(unixTime, 10), strconv.Itoa(v.source.ClientID()), v.source.ClientKey())
}

// FileKey 计算文件请求 keystamp 中的 10 位签名。
func (v *Validator) FileKey(unixTime int64, fileID string) string {
	full := signature.Sign(strconv.FormatInt(unixTime, 10), fileID, v.source.ClientKey(), "hotlinkthis")
	return full[:fileKeyLength]
}

// ValidateCommand 校验 servercmd 请求（300 秒窗口）。
func (v *Validator) ValidateCommand(unixTime int64, command, additional, key string) error {
	return v.check("command", unixTime, CommandMaxDrift, key, v.CommandKey(unixTime, command, additional))
}

// ValidateTest 校验测速请求（300 秒窗口）。
func (v *Validator) ValidateTest(unixTime int64, testSize int, key string) error {
	return v.check("speedtest", unixTime, TestMaxDrift, key, v.TestKey(unixTime, testSize))
}

// ValidateFile 校验文件请求（900 秒窗口）。
func (v *Validator) ValidateFile(unixTime int64, fileID, key string) error {
	return v.check("file", unixTime, FileMaxDrift, key, v.FileKey(unixTime, fileID))
}

func (v *Validator) check(scope string, unixTime int64, maxDrift time.Duration, got, want string) error {
	if !v.source.IgnoreInvalidTime() {
		if driftSeconds(v.now().Unix(), unixTime) >= uint64(maxDrift/time.Second) {
			return &ValidationError{Scope: scope, Reason: ReasonTimeDrift}
		}
	}
	if !v.source.IgnoreInvalidSignature() && !signature.Equal(got, want) {
		return &ValidationError{Scope: scope, Reason: ReasonBadSignature}
	}
	return nil
}

// driftSeconds 以秒为单位求 |now-stamp|，任意 int64 输入都不会溢出。
func driftSeconds(now, stamp int64) uint64 {
	if now >= stamp {
		return uint64(now) - uint64(stamp)
	}
	return uint64(stamp) - uint64(now)
}
