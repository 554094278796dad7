// Package lmscore 提供 teacher-forced 打分的公共步骤：
// 边界标记前置、逐 token 结果收集（剔除无条件首位置与特殊 token、还原前导空格标记）以及 token 数估算。
// 各 Scorer 插件共用，保证不同后端产出一致的 ScoredSentence。
package lmscore

import (
	"fmt"
	"math"
	"strings"

	"surprisal/pkg/contract"
)

const (
	// DefaultMarker: GPT-2 系列的句界/文档界 token。
	DefaultMarker = "<|endoftext|>"
	// DefaultMarkerRepeat: 前置次数。首个真实词由此获得稳定的上文。
	DefaultMarkerRepeat = 2
)

// DefaultSpaceMarkers: 常见分词器的前导空格标记（byte-level BPE 的 Ġ，SentencePiece 的 ▁）。
var DefaultSpaceMarkers = []string{"Ġ", "▁"}

// WithBoundary 在句前拼接 repeat 个 marker（repeat<=0 时原样返回）。
func WithBoundary(sentence, marker string, repeat int) string {
	if repeat <= 0 || marker == "" {
		return sentence
	}
	return strings.Repeat(marker, repeat) + sentence
}

// CollectOptions 控制 Collect 的过滤与还原规则。
type CollectOptions struct {
	// Special: 需剔除的特殊/控制 token（含边界标记、padding）。
	Special []string
	// SpaceMarkers: 需还原为空格的前导空格标记。
	SpaceMarkers []string
}

// Collect 将后端回显的 token 序列与逐位置 logprob 组装为 ScoredSentence。
// 规则：
// - 位置 0 无上文条件，直接丢弃；
// - token 属于 Special 时丢弃（即使其 logprob 存在）；
// - 其余位置 logprob 缺失或非有限值 → ErrResponseInvalid；
// - SpaceMarkers 替换为空格。
func Collect(tokens []string, logprobs []*float64, o CollectOptions) (contract.ScoredSentence, error) {
	if len(tokens) != len(logprobs) {
		return nil, fmt.Errorf("%w: %d tokens vs %d logprobs", contract.ErrResponseInvalid, len(tokens), len(logprobs))
	}
	special := make(map[string]struct{}, len(o.Special))
	for _, s := range o.Special {
		special[s] = struct{}{}
	}
	var rep *strings.Replacer
	if len(o.SpaceMarkers) > 0 {
		args := make([]string, 0, 2*len(o.SpaceMarkers))
		for _, m := range o.SpaceMarkers {
			if m != "" {
				args = append(args, m, " ")
			}
		}
		rep = strings.NewReplacer(args...)
	}
	out := make(contract.ScoredSentence, 0, len(tokens))
	for i := 1; i < len(tokens); i++ {
		tok := tokens[i]
		if _, ok := special[tok]; ok {
			continue
		}
		lp := logprobs[i]
		if lp == nil || math.IsNaN(*lp) || math.IsInf(*lp, 0) {
			return nil, fmt.Errorf("%w: missing logprob at position %d (%q)", contract.ErrResponseInvalid, i, tok)
		}
		if rep != nil {
			tok = rep.Replace(tok)
		}
		out = append(out, contract.TokenProb{Piece: tok, LogProb: *lp})
	}
	return out, nil
}

// Estimator 返回基于字节数的 token 估算函数（tokens ≈ ceil(bytes / bpt)），供限流闸门使用。
func Estimator(bytesPerToken int) func(texts []string) int {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(texts []string) int {
		total := 0
		for _, s := range texts {
			total += len(s)
		}
		if total <= 0 {
			return 0
		}
		return (total + bpt - 1) / bpt
	}
}
