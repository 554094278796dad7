package contract

import (
	"context"
	"io"
)

// Assembler: 将 surprisal 按行位置附加为新列，编码为最终输出字节流。
// 约束：
//  1. len(vals) 必须等于 len(tbl.Rows)，否则返回 ErrLengthMismatch（不得产出残缺输出）；
//  2. 行序与原表一致；
//  3. 不引入跨文件状态。
type Assembler interface {
	Assemble(ctx context.Context, tbl Table, vals Surprisal) (io.Reader, error)
}
