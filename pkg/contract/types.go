package contract

import "strings"

// FileID: 逻辑输入名（配置中的 input name，规范化后跨平台一致）。
type FileID string

// Index: 单文件内稳定递增的行索引（0..n-1）。
type Index int64

// WordRecord: 原始输入的一行（一个词）。
// 约束：
// - FileID 一致；
// - Index 自 0 严格递增，与数据行一一对应；
// - SentenceID 仅用于相等比较，不要求是整数；
// - Text 为词面（可含尾随标点），不含空白。
type WordRecord struct {
	Index      Index
	FileID     FileID
	SentenceID string
	Text       string
}

// Table: 单个输入文件的解析结果。
// Rows 保留原始单元格（不含表头），Words 与 Rows 按下标一一对应。
type Table struct {
	FileID FileID
	Header []string
	Rows   [][]string
	Words  []WordRecord
}

// Sentence: 同一 SentenceID 的连续行。
type Sentence struct {
	// Index: 文件内句序（0..n-1）。
	Index int
	ID    string
	// First: 首词所在行的 Index。
	First Index
	Words []string
}

// Text 返回以单个空格连接的句面（joined_text）。
func (s Sentence) Text() string { return strings.Join(s.Words, " ") }

// TokenProb: 一个已打分的子词单元（按生成顺序；特殊/控制 token 已在上游剔除）。
type TokenProb struct {
	Piece   string  `json:"p"`
	LogProb float64 `json:"l"`
}

// ScoredSentence: 单句的 TokenProb 序列，与 Sentence 按下标 1:1 对齐。
type ScoredSentence []TokenProb

// Surprisal: 每行一个浮点值，按原始行序。
type Surprisal []float64
