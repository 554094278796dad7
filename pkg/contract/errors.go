package contract

import "errors"

// 最小错误分类（用于上层策略判定与日志分类）。
var (
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrBudgetExceeded: 预算或配额不足（如单请求 token 上限）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrMalformedInput: 输入表缺少必需列、分组键为空或词面非法。
	ErrMalformedInput = errors.New("malformed input")
	// ErrResolution: token 流无法精确还原句子的词序列。
	ErrResolution = errors.New("resolution failure")
	// ErrLengthMismatch: 数量不一致（句数/打分数、surprisal 数/行数）。
	ErrLengthMismatch = errors.New("length mismatch")

	ErrRateLimited     = errors.New("rate limited")
	ErrResponseInvalid = errors.New("response invalid")
	ErrInvalidInput    = errors.New("invalid input")
)
