package diag

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surprisal/pkg/contract"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), "非 JSON 行: %s", sc.Text())
		out = append(out, m)
	}
	return out
}

func TestLogger_EventFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger("cid-1", "info", &buf)
	tm := l.StartWith("scorer", "score", "a", "0")
	tm.Finish("score", 3)
	l.ErrorWithKV("aggregator", string(CodeResolution), "aggregate failed", nil, "a", "", map[string]string{"sentence": "2"})

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 3)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "cid-1", lines[0]["corr_id"])
	assert.Equal(t, "start", lines[0]["stage"])
	assert.Equal(t, "a", lines[0]["file_id"])
	assert.Equal(t, "0", lines[0]["batch_id"])
	assert.NotEmpty(t, lines[0]["ts"])

	assert.Equal(t, "finish", lines[1]["stage"])
	assert.EqualValues(t, 3, lines[1]["count"])

	assert.Equal(t, "error", lines[2]["level"])
	assert.Equal(t, "resolution", lines[2]["code"])
	assert.Equal(t, map[string]any{"sentence": "2"}, lines[2]["kv"])
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger("x", "warn", &buf)
	l.Start("reader", "iterate").Finish("iterate", 0)
	l.DebugStart("gate", "ask", "", "", nil)
	l.Warn("cache", "io", "put failed", nil)
	l.Error("reader", "io", "boom", nil)
	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 2)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, "error", lines[1]["level"])
}

func TestLogger_NilSafe(t *testing.T) {
	var l *Logger
	tm := l.StartWith("c", "m", "", "")
	tm.Finish("m", 1)
	l.Error("c", "x", "y", nil)
	assert.NoError(t, l.Close())
}

func TestLogger_FileSink(t *testing.T) {
	dir := t.TempDir()
	l := NewLoggerWith("cid", "debug", Options{Dir: dir, MaxSizeMB: 1})
	l.DebugStart("gate", "ask", "f", "1", map[string]string{"tokens": "4"})
	require.NoError(t, l.Close())

	b, err := os.ReadFile(filepath.Join(dir, LogFileName))
	require.NoError(t, err)
	lines := decodeLines(t, b)
	require.Len(t, lines, 1)
	assert.Equal(t, "debug", lines[0]["level"])
}

func TestMetrics_Snapshot(t *testing.T) {
	ResetMetrics()
	IncOp("scorer", "finish", "success")
	IncOp("scorer", "finish", "success")
	IncError("scorer", "network")
	ObserveDuration("scorer", "score", 7)
	snap := Snapshot()
	assert.EqualValues(t, 2, snap["op_total{scorer,finish,success}"])
	assert.EqualValues(t, 1, snap["error_total{scorer,network}"])
	assert.EqualValues(t, 7, snap["op_duration_ms{scorer,score}"])
	assert.Equal(t, "2", SnapshotKV()["op_total{scorer,finish,success}"])
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Code
	}{
		{nil, CodeUnknown},
		{contract.ErrResponseInvalid, CodeProtocol},
		{fmt.Errorf("wrap: %w", context.Canceled), CodeCancel},
		{context.DeadlineExceeded, CodeCancel},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO},
		{&net.DNSError{Err: "x"}, CodeNetwork},
		{contract.ErrBudgetExceeded, CodeBudget},
		{contract.ErrRateLimited, CodeBudget},
		{contract.ErrMalformedInput, CodeInput},
		{fmt.Errorf("s: %w", contract.ErrResolution), CodeResolution},
		{contract.ErrLengthMismatch, CodeInvariant},
		{contract.ErrPathInvalid, CodeInvariant},
		{errors.New("other"), CodeUnknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.err), "%v", c.err)
	}
	assert.True(t, Retryable(contract.ErrRateLimited))
	assert.True(t, Retryable(contract.ErrResponseInvalid))
	assert.False(t, Retryable(context.Canceled))
	assert.False(t, Retryable(contract.ErrInvalidInput))
}

func TestTerminal_NonTTY(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf, true)
	term.RunStart(2, "mock", 2)
	term.FileStart("dir/a", 3)
	term.FileProgress("dir/a", 3)
	term.FileFinish("dir/a", true, 1500*time.Millisecond)
	term.FileFinish("b", false, 5*time.Millisecond)
	term.RunFinish(false, 2*time.Second)

	out := buf.String()
	assert.Contains(t, out, "[run] 文件=2 | 并发=2 | scorer=mock")
	assert.Contains(t, out, "[file] a | 句子=3")
	assert.Contains(t, out, "[done] a | 句子 3 | 用时 1.5s | 1/2")
	assert.Contains(t, out, "[fail] b | 句子 0 | 用时 5ms | 2/2")
	assert.Contains(t, out, "[fail] 全部完成 | 文件 2 | 失败 1")
	assert.NotContains(t, out, "\r")
}

func TestTerminal_Disabled(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminal(&buf, false)
	term.RunStart(1, "x", 1)
	term.FileStart("a", 1)
	term.FileFinish("a", true, 0)
	assert.Empty(t, buf.String())

	var nilTerm *Terminal
	nilTerm.RunFinish(true, 0)
}

func TestShortenBase(t *testing.T) {
	assert.Equal(t, "abc", shortenBase("x/abc", 10))
	assert.Equal(t, "ab…", shortenBase("abcdef", 3))
	assert.Equal(t, "", shortenBase("", 3))
	assert.True(t, strings.HasSuffix(shortenBase(strings.Repeat("字", 60), 48), "…"))
}

func TestLogger_InfoKV(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger("cid", "info", &buf)
	l.InfoKV("metrics", "snapshot", map[string]string{"op_total{scorer,finish,success}": "2"})
	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	assert.Equal(t, "info", lines[0]["stage"])
	assert.Equal(t, "snapshot", lines[0]["msg"])
}
