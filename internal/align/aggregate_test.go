package align

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surprisal/pkg/contract"
)

func toks(kv ...any) contract.ScoredSentence {
	out := make(contract.ScoredSentence, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, contract.TokenProb{Piece: kv[i].(string), LogProb: kv[i+1].(float64)})
	}
	return out
}

func TestAggregate_OneTokenPerWord(t *testing.T) {
	got, err := Aggregate(
		[]contract.ScoredSentence{toks("The", -0.1, "cat", -0.2, "sat", -0.3, ".", -0.05)},
		[]string{"The cat sat ."},
	)
	require.NoError(t, err)
	assert.Equal(t, contract.Surprisal{0.1, 0.2, 0.3, 0.05}, got)
}

func TestAggregate_MultiTokenWordAdds(t *testing.T) {
	got, err := Aggregate(
		[]contract.ScoredSentence{toks("un", -0.5, "believ", -0.3, "able", -0.2)},
		[]string{"unbelievable"},
	)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.InDelta(t, 1.0, got[0], 1e-12)
	// 按出现顺序求和
	assert.Equal(t, (0.0+0.5)+0.3+0.2, got[0])
}

func TestAggregate_LeadingSpacePiecesAndPunctuation(t *testing.T) {
	got, err := Aggregate(
		[]contract.ScoredSentence{
			toks("Hello", -1.0, ",", -0.5, " wor", -2.0, "ld", -0.25, "!", -0.125),
			toks("Bye", -3.0),
		},
		[]string{"Hello, world!", "Bye"},
	)
	require.NoError(t, err)
	assert.Equal(t, contract.Surprisal{1.5, 2.375, 3.0}, got)
	for _, v := range got {
		assert.GreaterOrEqual(t, v, 0.0)
	}
}

func TestAggregate_WhitespacePiecesAreInvisible(t *testing.T) {
	got, err := Aggregate(
		[]contract.ScoredSentence{toks("a", -1.0, " ", -0.5, "b", -1.0, "\n", -0.1)},
		[]string{"a b"},
	)
	require.NoError(t, err)
	// 空白 token 的代价计入下一个词；全部还原后的空白 token 被忽略
	assert.Equal(t, contract.Surprisal{1.0, 1.5}, got)
}

func TestAggregate_Failures(t *testing.T) {
	cases := []struct {
		name   string
		scored contract.ScoredSentence
		raw    string
		reason Reason
		word   int
	}{
		{"多余字符", toks("Thx", -0.1, "cat", -0.1), "The cat", ReasonDivergence, 0},
		{"越界拼接", toks("ca", -0.1, "ts", -0.1), "cat sat", ReasonDivergence, 0},
		{"未还原", toks("The", -0.1, "ca", -0.1), "The cat", ReasonUnresolved, 1},
		{"尾部多余", toks("Hi", -0.1, "!", -0.1), "Hi", ReasonOverrun, 1},
		{"空流", nil, "Hi", ReasonUnresolved, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Aggregate([]contract.ScoredSentence{c.scored}, []string{c.raw})
			require.Error(t, err)
			assert.True(t, errors.Is(err, contract.ErrResolution))
			var re *ResolutionError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, c.reason, re.Reason)
			assert.Equal(t, c.word, re.Word)
			assert.Equal(t, 0, re.Sentence)
		})
	}
}

func TestAggregate_ErrorNamesSentence(t *testing.T) {
	_, err := Aggregate(
		[]contract.ScoredSentence{toks("ok", -0.1), toks("bad", -0.1)},
		[]string{"ok", "good"},
	)
	var re *ResolutionError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, 1, re.Sentence)
	assert.Equal(t, "good", re.Expected)
	assert.Contains(t, err.Error(), "sentence 1")
}

func TestAggregate_LengthMismatch(t *testing.T) {
	_, err := Aggregate([]contract.ScoredSentence{toks("a", -0.1)}, []string{"a", "b"})
	assert.True(t, errors.Is(err, contract.ErrLengthMismatch))
}

func TestAggregate_LogProbChecks(t *testing.T) {
	got, err := Aggregate([]contract.ScoredSentence{toks("a", 1e-12)}, []string{"a"})
	require.NoError(t, err)
	assert.Equal(t, contract.Surprisal{0}, got)

	for _, lp := range []float64{0.5, math.NaN(), math.Inf(-1)} {
		_, err := Aggregate([]contract.ScoredSentence{toks("a", lp)}, []string{"a"})
		assert.True(t, errors.Is(err, contract.ErrResponseInvalid), "logprob=%v: %v", lp, err)
	}
}

func TestAggregate_RoundTripCount(t *testing.T) {
	words := recs("1", "A", "1", "b.", "2", "Cc", "3", "d", "3", "e,", "3", "f")
	sents, err := Sentences(words)
	require.NoError(t, err)
	raw := Texts(sents)
	scored := make([]contract.ScoredSentence, len(sents))
	for i, s := range sents {
		for j, w := range s.Words {
			p := w
			if j > 0 {
				p = " " + w
			}
			scored[i] = append(scored[i], contract.TokenProb{Piece: p, LogProb: -0.5})
		}
	}
	got, err := Aggregate(scored, raw)
	require.NoError(t, err)
	assert.Len(t, got, len(words))
}
