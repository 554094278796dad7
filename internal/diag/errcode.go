package diag

import (
	"context"
	"errors"
	"net"
	"os"

	"surprisal/pkg/contract"
)

// Code 是最小错误分类代码。
// 用于日志/指标汇总与重试判定，与退出码解耦。
type Code string

const (
	CodeUnknown    Code = "unknown"
	CodeInput      Code = "input"
	CodeResolution Code = "resolution"
	CodeNetwork    Code = "network"
	CodeProtocol   Code = "protocol"
	CodeInvariant  Code = "invariant"
	CodeBudget     Code = "budget"
	CodeCancel     Code = "cancel"
	CodeIO         Code = "io"
)

// Classify 将错误归为最小分类。
// 仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	// 取消/超时优先
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	if errors.Is(err, contract.ErrMalformedInput) {
		return CodeInput
	}
	if errors.Is(err, contract.ErrResolution) {
		return CodeResolution
	}
	// 预算/配额
	if errors.Is(err, contract.ErrBudgetExceeded) || errors.Is(err, contract.ErrRateLimited) {
		return CodeBudget
	}
	if errors.Is(err, contract.ErrResponseInvalid) {
		return CodeProtocol
	}
	if errors.Is(err, contract.ErrInvariantViolation) ||
		errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrLengthMismatch) ||
		errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	// 网络（连接/超时/上游 5xx）
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	return CodeUnknown
}

// Retryable 报告打分调用失败后是否值得重试：限流、网络、协议类可重试；取消与输入非法不重试。
func Retryable(err error) bool {
	switch Classify(err) {
	case CodeBudget, CodeNetwork, CodeProtocol:
		return true
	default:
		return false
	}
}
