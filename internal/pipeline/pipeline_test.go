package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surprisal/internal/diag"
	"surprisal/internal/throttle"
	"surprisal/pkg/contract"
	acsv "surprisal/plugins/assembler/csvcolumn"
	pcsv "surprisal/plugins/parser/csv"
	flaky "surprisal/plugins/scorer/flaky"
	mock "surprisal/plugins/scorer/mock"
	wfs "surprisal/plugins/writer/filesystem"
)

// 通用桩件 ----------------------------------------------------

// memReader 从内存表按名给出输入；缺失的名字以 openErr 回调。
type memReader map[string]string

func (m memReader) Iterate(ctx context.Context, names []string, yield func(contract.FileID, io.ReadCloser, error) error) error {
	for _, n := range names {
		id := contract.NormalizeFileID(n)
		body, ok := m[n]
		if !ok {
			if err := yield(id, nil, &os.PathError{Op: "open", Path: n, Err: os.ErrNotExist}); err != nil {
				return err
			}
			continue
		}
		if err := yield(id, io.NopCloser(strings.NewReader(body)), nil); err != nil {
			return err
		}
	}
	return nil
}

// fixedScorer 返回预置结果，并统计调用批大小。
type fixedScorer struct {
	fn    func(s string) contract.ScoredSentence
	mu    sync.Mutex
	sizes []int
}

func (f *fixedScorer) Score(ctx context.Context, sentences []string) ([]contract.ScoredSentence, error) {
	f.mu.Lock()
	f.sizes = append(f.sizes, len(sentences))
	f.mu.Unlock()
	out := make([]contract.ScoredSentence, len(sentences))
	for i, s := range sentences {
		out[i] = f.fn(s)
	}
	return out, nil
}

// wordScorer 每个词一个 token，log-prob 固定为 -1。
func wordScorer() *fixedScorer {
	return &fixedScorer{fn: func(s string) contract.ScoredSentence {
		var ss contract.ScoredSentence
		for i, w := range strings.Fields(s) {
			if i > 0 {
				w = " " + w
			}
			ss = append(ss, contract.TokenProb{Piece: w, LogProb: -1})
		}
		return ss
	}}
}

type errScorer struct {
	err   error
	calls atomic.Int32
}

func (e *errScorer) Score(ctx context.Context, sentences []string) ([]contract.ScoredSentence, error) {
	e.calls.Add(1)
	return nil, e.err
}

const sample = "Passage,WordWithPunctuation\n1,The\n1,cat\n1,sat.\n2,Hello\n2,world\n"

func newComponents(t *testing.T, files memReader, sc contract.Scorer) (Components, string) {
	t.Helper()
	p, err := pcsv.New(nil)
	require.NoError(t, err)
	asm, err := acsv.New(nil)
	require.NoError(t, err)
	out := t.TempDir()
	w, err := wfs.New(&wfs.Options{OutputDir: out})
	require.NoError(t, err)
	return Components{Reader: files, Parser: p, Scorer: sc, Assembler: asm, Writer: w}, out
}

func readOutput(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

// 端到端：mock 打分器，输出追加 surprisal 列，行数与输入一致。
func TestRunMockEndToEnd(t *testing.T) {
	sc, err := mock.New(nil)
	require.NoError(t, err)
	comp, out := newComponents(t, memReader{"a": sample}, sc)
	logger := diag.NewWriterLogger("t", "debug", io.Discard)

	require.NoError(t, Run(context.Background(), comp, Settings{Inputs: []string{"a"}, BatchSize: 1}, logger))

	rows := readOutput(t, filepath.Join(out, "a_processed.csv"))
	require.Len(t, rows, 6)
	assert.Equal(t, []string{"Passage", "WordWithPunctuation", "surprisal"}, rows[0])
	for _, r := range rows[1:] {
		require.Len(t, r, 3)
		assert.NotEmpty(t, r[2], "每行都应有 surprisal 值")
		assert.False(t, strings.HasPrefix(r[2], "-"), "surprisal 不应为负: %v", r)
	}
}

// 单文件失败不影响其他文件；返回 FileError 的聚合。
func TestRunContinuesAfterFileFailure(t *testing.T) {
	files := memReader{
		"good": sample,
		"bad":  "Passage,Other\n1,x\n",
	}
	comp, out := newComponents(t, files, wordScorer())

	err := Run(context.Background(), comp, Settings{Inputs: []string{"missing", "bad", "good"}}, nil)
	require.Error(t, err)

	var fe *FileError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, contract.FileID("missing"), fe.FileID)
	assert.Equal(t, "reader", fe.Stage)
	assert.ErrorIs(t, err, contract.ErrMalformedInput)
	assert.Contains(t, err.Error(), "file bad: parser")

	rows := readOutput(t, filepath.Join(out, "good_processed.csv"))
	require.Len(t, rows, 6)
	assert.Equal(t, "1", rows[1][2])
	_, statErr := os.Stat(filepath.Join(out, "bad_processed.csv"))
	assert.True(t, os.IsNotExist(statErr), "失败文件不应产生输出")
}

// 还原失败：错误指明句子与词，且不写出。
func TestRunResolutionFailure(t *testing.T) {
	sc := &fixedScorer{fn: func(s string) contract.ScoredSentence {
		return contract.ScoredSentence{{Piece: "The", LogProb: -1}, {Piece: " cax", LogProb: -1}}
	}}
	comp, out := newComponents(t, memReader{"a": "Passage,WordWithPunctuation\n1,The\n1,cat\n"}, sc)

	err := Run(context.Background(), comp, Settings{Inputs: []string{"a"}}, nil)
	require.ErrorIs(t, err, contract.ErrResolution)
	var fe *FileError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "aggregator", fe.Stage)
	assert.Contains(t, err.Error(), `"cat"`)
	_, statErr := os.Stat(filepath.Join(out, "a_processed.csv"))
	assert.True(t, os.IsNotExist(statErr))
}

// 分块：5 句、BatchSize=2 → 3 次调用（2,2,1）。
func TestRunChunksSentences(t *testing.T) {
	body := "Passage,WordWithPunctuation\n1,a\n2,b\n3,c\n4,d\n5,e\n"
	sc := wordScorer()
	comp, _ := newComponents(t, memReader{"a": body}, sc)

	require.NoError(t, Run(context.Background(), comp, Settings{Inputs: []string{"a"}, BatchSize: 2}, nil))
	assert.Equal(t, []int{2, 2, 1}, sc.sizes)
}

// 重试：flaky 前两次失败，max_retries=2 时成功；为 0 时以限流错误失败。
func TestRunRetriesScorer(t *testing.T) {
	sc, err := flaky.New(nil)
	require.NoError(t, err)
	comp, out := newComponents(t, memReader{"a": sample}, sc)
	set := Settings{Inputs: []string{"a"}, BatchSize: 8, MaxRetries: 2, RetryBackoff: time.Millisecond}
	require.NoError(t, Run(context.Background(), comp, set, nil))
	assert.Equal(t, 3, sc.Calls())
	_, statErr := os.Stat(filepath.Join(out, "a_processed.csv"))
	require.NoError(t, statErr)

	sc2, err := flaky.New(nil)
	require.NoError(t, err)
	comp.Scorer = sc2
	set.MaxRetries = 0
	err = Run(context.Background(), comp, set, nil)
	require.ErrorIs(t, err, contract.ErrRateLimited)
	assert.Equal(t, 1, sc2.Calls())
}

// 不可重试的错误只调用一次。
func TestRunDoesNotRetryInvalidInput(t *testing.T) {
	sc := &errScorer{err: contract.ErrInvalidInput}
	comp, _ := newComponents(t, memReader{"a": sample}, sc)
	err := Run(context.Background(), comp, Settings{Inputs: []string{"a"}, MaxRetries: 3, RetryBackoff: time.Millisecond}, nil)
	require.ErrorIs(t, err, contract.ErrInvalidInput)
	assert.Equal(t, int32(1), sc.calls.Load())
}

// 打分结果数量不符视为长度不一致。
func TestRunScorerCountMismatch(t *testing.T) {
	sc := &shortScorer{}
	comp, _ := newComponents(t, memReader{"a": sample}, sc)
	err := Run(context.Background(), comp, Settings{Inputs: []string{"a"}}, nil)
	require.ErrorIs(t, err, contract.ErrLengthMismatch)
}

type shortScorer struct{}

func (shortScorer) Score(ctx context.Context, sentences []string) ([]contract.ScoredSentence, error) {
	return make([]contract.ScoredSentence, len(sentences)-1), nil
}

// 闸门：单请求 token 超限快速失败，不调用 Scorer。
func TestRunGateRejectsOversizedChunk(t *testing.T) {
	sc := wordScorer()
	comp, _ := newComponents(t, memReader{"a": sample}, sc)
	key := throttle.LimitKey("k")
	gate := throttle.NewGate(map[throttle.LimitKey]throttle.Limits{key: {MaxTokensPerReq: 1}}, nil)
	err := Run(context.Background(), comp, Settings{Inputs: []string{"a"}, Gate: gate, GateKey: key}, nil)
	require.ErrorIs(t, err, contract.ErrInvalidInput)
	var fe *FileError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "gate", fe.Stage)
	assert.Empty(t, sc.sizes)
}

// 并发：多文件并行处理，全部写出。
func TestRunConcurrentFiles(t *testing.T) {
	files := memReader{}
	var names []string
	for _, n := range []string{"f1", "f2", "f3", "f4"} {
		files[n] = sample
		names = append(names, n)
	}
	comp, out := newComponents(t, files, wordScorer())
	require.NoError(t, Run(context.Background(), comp, Settings{Inputs: names, Concurrency: 3}, nil))
	for _, n := range names {
		_, err := os.Stat(filepath.Join(out, n+"_processed.csv"))
		assert.NoError(t, err, n)
	}
}

// 空表：只写表头。
func TestRunEmptyTable(t *testing.T) {
	sc := wordScorer()
	comp, out := newComponents(t, memReader{"a": "Passage,WordWithPunctuation\n"}, sc)
	require.NoError(t, Run(context.Background(), comp, Settings{Inputs: []string{"a"}}, nil))
	rows := readOutput(t, filepath.Join(out, "a_processed.csv"))
	require.Len(t, rows, 1)
	assert.Empty(t, sc.sizes)
}

func TestRunCanceled(t *testing.T) {
	comp, _ := newComponents(t, memReader{"a": sample}, wordScorer())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, comp, Settings{Inputs: []string{"a"}}, nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSanity(t *testing.T) {
	err := Run(context.Background(), Components{}, Settings{Inputs: []string{"a"}}, nil)
	require.Error(t, err)
	comp, _ := newComponents(t, memReader{}, wordScorer())
	err = Run(context.Background(), comp, Settings{}, nil)
	require.Error(t, err)

	s, err := sanity(comp, Settings{Inputs: []string{"a"}, MaxRetries: -1})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Concurrency)
	assert.Equal(t, 16, s.BatchSize)
	assert.Equal(t, 0, s.MaxRetries)
	assert.Equal(t, DefaultSuffix, s.Suffix)
}

func TestFileErrorUnwrap(t *testing.T) {
	fe := &FileError{FileID: "x", Stage: "writer", Err: contract.ErrPathInvalid}
	assert.True(t, errors.Is(fe, contract.ErrPathInvalid))
	assert.Equal(t, "file x: writer: path invalid", fe.Error())
}

func TestSleepWithCtx(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepWithCtx(ctx, time.Second), context.Canceled)
	assert.NoError(t, sleepWithCtx(context.Background(), 0))
}
