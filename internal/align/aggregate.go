package align

import (
	"fmt"
	"math"
	"strings"

	"surprisal/pkg/contract"
)

// 模型偶发输出极小的正 logprob（数值误差），容差内按 0 处理。
const positiveLogProbTolerance = 1e-9

// Reason 描述还原失败的具体形态。
type Reason string

const (
	// ReasonDivergence: 已拼接文本不再是期望词的前缀（含 overshoot）。
	ReasonDivergence Reason = "divergence"
	// ReasonOverrun: 所有词已还原后仍有非空 token。
	ReasonOverrun Reason = "overrun"
	// ReasonUnresolved: token 流结束时仍有词未还原。
	ReasonUnresolved Reason = "unresolved"
)

// ResolutionError: 单句 token 流无法精确还原为期望词序列。
type ResolutionError struct {
	Sentence int
	Word     int
	Expected string
	Composed string
	Reason   Reason
}

func (e *ResolutionError) Error() string {
	switch e.Reason {
	case ReasonOverrun:
		return fmt.Sprintf("resolution %s: sentence %d: extra token text %q after last word", e.Reason, e.Sentence, e.Composed)
	case ReasonUnresolved:
		return fmt.Sprintf("resolution %s: sentence %d: word %d %q not resolved (composed %q)", e.Reason, e.Sentence, e.Word, e.Expected, e.Composed)
	default:
		return fmt.Sprintf("resolution %s: sentence %d: word %d %q, composed %q", e.Reason, e.Sentence, e.Word, e.Expected, e.Composed)
	}
}

func (e *ResolutionError) Unwrap() error { return contract.ErrResolution }

// composer: 单句的累加状态（accumulate → match → reset）。
type composer struct {
	sentence int
	expected []string
	ptr      int
	text     strings.Builder
	cost     float64
	out      []float64
}

func (c *composer) fail(r Reason) error {
	e := &ResolutionError{Sentence: c.sentence, Word: c.ptr, Composed: c.text.String(), Reason: r}
	if c.ptr < len(c.expected) {
		e.Expected = c.expected[c.ptr]
	}
	return e
}

func (c *composer) feed(tp contract.TokenProb) error {
	piece := strings.TrimSpace(tp.Piece)
	if c.ptr >= len(c.expected) {
		if piece == "" {
			return nil
		}
		c.text.WriteString(piece)
		return c.fail(ReasonOverrun)
	}
	lp, err := checkLogProb(tp.LogProb)
	if err != nil {
		return fmt.Errorf("sentence %d: %w", c.sentence, err)
	}
	c.text.WriteString(piece)
	c.cost += -lp
	want := c.expected[c.ptr]
	got := c.text.String()
	if got == want {
		c.out = append(c.out, c.cost)
		c.ptr++
		c.text.Reset()
		c.cost = 0
		return nil
	}
	if !strings.HasPrefix(want, got) {
		return c.fail(ReasonDivergence)
	}
	return nil
}

func (c *composer) finish() error {
	if c.ptr != len(c.expected) {
		return c.fail(ReasonUnresolved)
	}
	return nil
}

func checkLogProb(lp float64) (float64, error) {
	switch {
	case math.IsNaN(lp) || math.IsInf(lp, 0):
		return 0, fmt.Errorf("%w: non-finite logprob %v", contract.ErrResponseInvalid, lp)
	case lp > positiveLogProbTolerance:
		return 0, fmt.Errorf("%w: positive logprob %v", contract.ErrResponseInvalid, lp)
	case lp > 0:
		return 0, nil
	}
	return lp, nil
}

// Aggregate 将逐句的 token 打分还原为逐词 surprisal（按原始词序拼接为一个扁平序列）。
// 约束：
// - len(scored) == len(raw)，否则 ErrLengthMismatch；
// - 多 token 词的 surprisal 为各 token 的 -logprob 按出现顺序求和；
// - 拼接文本一旦不再是期望词前缀即失败，结束时必须恰好还原全部词；
// - 失败返回 *ResolutionError（errors.Is(err, contract.ErrResolution)）。
func Aggregate(scored []contract.ScoredSentence, raw []string) (contract.Surprisal, error) {
	if len(scored) != len(raw) {
		return nil, fmt.Errorf("%w: %d scored sentences for %d sentences", contract.ErrLengthMismatch, len(scored), len(raw))
	}
	var out contract.Surprisal
	for i := range raw {
		c := &composer{sentence: i, expected: strings.Fields(raw[i])}
		for _, tp := range scored[i] {
			if err := c.feed(tp); err != nil {
				return nil, err
			}
		}
		if err := c.finish(); err != nil {
			return nil, err
		}
		out = append(out, c.out...)
	}
	return out, nil
}
