package align

import (
	"fmt"

	"surprisal/pkg/contract"
)

// Sentences 将按行序排列的 WordRecord 按 SentenceID 做连续分组。
// 规则：
// - 仅检测相邻行的 id 变化，不重排、不按 id 分桶（非相邻的重复 id 视为新句）；
// - 以“尚无当前句”状态起步，不会产生空的首句；
// - 循环结束后对非空累加器做一次尾部冲刷；
// - SentenceID 为空 → ErrMalformedInput。
func Sentences(words []contract.WordRecord) ([]contract.Sentence, error) {
	var (
		out []contract.Sentence
		cur *contract.Sentence
	)
	flush := func() {
		if cur != nil && len(cur.Words) > 0 {
			cur.Index = len(out)
			out = append(out, *cur)
		}
		cur = nil
	}
	for _, w := range words {
		if w.SentenceID == "" {
			return nil, fmt.Errorf("%w: row %d: empty sentence id", contract.ErrMalformedInput, w.Index)
		}
		if cur == nil || cur.ID != w.SentenceID {
			flush()
			cur = &contract.Sentence{ID: w.SentenceID, First: w.Index}
		}
		cur.Words = append(cur.Words, w.Text)
	}
	flush()
	return out, nil
}

// Texts 返回各句的 joined_text（单空格连接）。
func Texts(sents []contract.Sentence) []string {
	out := make([]string, len(sents))
	for i, s := range sents {
		out[i] = s.Text()
	}
	return out
}

// WordCount 返回所有句子的词总数。
func WordCount(sents []contract.Sentence) int {
	n := 0
	for _, s := range sents {
		n += len(s.Words)
	}
	return n
}
