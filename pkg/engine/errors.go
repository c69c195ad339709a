package engine

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/iniwex5/isakmp-go/pkg/isakmp"
)

// ErrNothingToDo 处理成功但没有需要推进的状态 (例如重复的内核事件)
var ErrNothingToDo = errors.New("无需处理")

// NotifyError 处理失败，Code 是应通知对端的 ISAKMP 通知类型
// InternalError 只在本地记录，不发送给对端
type NotifyError struct {
	Code   isakmp.NotifyType
	Reason string
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func notifyf(code isakmp.NotifyType, format string, args ...interface{}) *NotifyError {
	return &NotifyError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// internal 包装本地错误
func internal(err error, msg string) *NotifyError {
	return &NotifyError{Code: isakmp.InternalError, Reason: errors.Wrap(err, msg).Error()}
}

// errState 消息与当前状态不符
func errState(want, got fmt.Stringer) *NotifyError {
	return notifyf(isakmp.InternalError, "状态不符: 期望 %s, 当前 %s", want, got)
}

// CodeOf 取错误对应的通知类型，非 NotifyError 视为内部错误
func CodeOf(err error) isakmp.NotifyType {
	var ne *NotifyError
	if errors.As(err, &ne) {
		return ne.Code
	}
	return isakmp.InternalError
}
