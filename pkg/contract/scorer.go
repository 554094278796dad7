package contract

import "context"

// Scorer: 语言模型打分边界（外部协作者）。
// 对每个句子：前置边界标记、teacher-forced 计算每个实际 token 的对数概率，
// 剔除无条件的首位置与特殊/控制 token。
// 约束：
//   - 返回长度与 sentences 相同、顺序一致；
//   - 单句内 Piece 顺序即真实的从左到右 token 顺序，不含 padding；
//   - 单次调用、同步返回；应尊重 ctx 取消/超时。
type Scorer interface {
	Score(ctx context.Context, sentences []string) ([]ScoredSentence, error)
}

// Fingerprinter: 可选。返回决定打分结果的稳定标识（模型、边界标记等），
// 供缓存区分命名空间。
type Fingerprinter interface {
	Fingerprint() string
}

// ScoreStore: 打分结果缓存（按 key 存取单句 ScoredSentence）。
// 未命中返回 (nil, false, nil)。
type ScoreStore interface {
	Get(ctx context.Context, key string) (ScoredSentence, bool, error)
	Put(ctx context.Context, key string, s ScoredSentence) error
	Close() error
}
