package rpc

import (
	"fmt"

	"github.com/hath-node/hath-node/internal/errkind"
)

// CallError 携带失败调用的动作名、类别以及已解析的部分响应，
// 调用方无需重新解析即可输出诊断信息。
type CallError struct {
	Kind     errkind.Kind
	Action   Action
	Host     string
	Response Response
	Err      error
}

func (e *CallError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rpc %s via %s: %v", e.Action, e.Host, e.Err)
	}
	return fmt.Sprintf("rpc %s via %s: status %s", e.Action, e.Host, e.Response.Status)
}

func (e *CallError) Unwrap() error { return e.Err }

// ErrorKind implements errkind.Classified.
func (e *CallError) ErrorKind() errkind.Kind { return e.Kind }

// Status 返回控制服务器给出的状态行，传输失败时为空。
func (e *CallError) Status() string { return e.Response.Status }
