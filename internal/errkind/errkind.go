// Package errkind classifies failures so callers can branch on the kind of
// error (transport, protocol, integrity...) without inspecting concrete types.
package errkind

import (
	"errors"
	"fmt"
)

// Kind 标识错误类别，调用方据此决定重试、切换主机或返回 HTTP 状态码。
type Kind string

const (
	Unknown    Kind = ""
	Transport  Kind = "transport"
	Protocol   Kind = "protocol"
	Integrity  Kind = "integrity"
	Validation Kind = "validation"
	Config     Kind = "config"
	Exhaustion Kind = "exhaustion"
)

// Classified is implemented by every error type that carries a Kind.
type Classified interface {
	error
	ErrorKind() Kind
}

// Error 是通用的分类错误，Op 描述失败的操作。
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s failure", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrorKind implements Classified.
func (e *Error) ErrorKind() Kind { return e.Kind }

// New 包装 err 并标注类别。
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf 返回错误链上第一个带类别的错误的 Kind。
func KindOf(err error) Kind {
	var classified Classified
	if errors.As(err, &classified) {
		return classified.ErrorKind()
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
