package contract

import (
	"context"
	"io"
)

// Reader: 输入源抽象（按逻辑名定位文件）。
// 约束：
// 1) 按配置顺序逐个回调，不在内部起并发；
// 2) FileID 稳定且去平台差异化；
// 3) 不做解析，仅提供字节流；
// 4) 单个输入打开失败以 openErr 传给 yield（rc 为 nil），由调用方决定是否继续。
type Reader interface {
	Iterate(ctx context.Context, names []string, yield func(fileID FileID, rc io.ReadCloser, openErr error) error) error
}

// TableParser: 将单文件字节流解析为 Table（表头 + 行 + WordRecord）。
// 约束：
// 1) 缺少必需列、分组键为空、词面为空或含空白 → ErrMalformedInput；
// 2) 行序不变，Index 自 0 递增；
// 3) 无内部并发、幂等。
type TableParser interface {
	Parse(ctx context.Context, fileID FileID, r io.Reader) (Table, error)
}
