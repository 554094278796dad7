package diag

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Terminal: 终端信息提示（非日志）。
// - 输出到提供的 io.Writer（默认 stderr）；
// - 按文件分行打印关键节点；TTY 且单文件并发时用 \r 单行刷新进度；
// - 并发安全；写失败后进入禁用态为 no-op。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	concurrency int
	scorer      string
	filesTotal  int
	filesDone   int
	filesFailed int
	runStart    time.Time

	files map[string]*fileState

	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

type fileState struct {
	name  string
	total int
	done  int
}

// 进程级终端（可选，全局设置后供 pipeline 旁路调用）。
var (
	termMu sync.RWMutex
	term   *Terminal
)

// SetTerminal 设置全局终端指针（nil 可清除）。
func SetTerminal(t *Terminal) { termMu.Lock(); term = t; termMu.Unlock() }

// GetTerminal 返回全局终端（可能为 nil）。
func GetTerminal() *Terminal { termMu.RLock(); defer termMu.RUnlock(); return term }

// NewTerminal 构造终端提示器。enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled, files: map[string]*fileState{}}
	// CI 环境视为非 TTY
	if os.Getenv("CI") == "" {
		if f, ok := w.(*os.File); ok {
			if fi, err := f.Stat(); err == nil {
				t.isTTY = fi.Mode()&os.ModeCharDevice != 0
			}
		}
	}
	return t
}

// RunStart: 记录运行上下文（并发、scorer、文件数）。
func (t *Terminal) RunStart(concurrency int, scorer string, files int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.concurrency = concurrency
	t.scorer = scorer
	t.filesTotal = files
	t.filesDone, t.filesFailed = 0, 0
	t.runStart = time.Now()
	t.println(fmt.Sprintf("[run] 文件=%d | 并发=%d | scorer=%s", files, concurrency, safe(scorer)))
}

// FileStart: 标记文件开始与待打分句数。
func (t *Terminal) FileStart(fileID string, sentences int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	fs := &fileState{name: shortenBase(fileID, 48), total: sentences}
	t.files[fileID] = fs
	if !t.inline() {
		t.println(fmt.Sprintf("[file] %s | 句子=%d", fs.name, sentences))
	}
}

// FileProgress: 已打分句数（TTY 下 100ms 节流刷新）。
func (t *Terminal) FileProgress(fileID string, done int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fs, ok := t.files[fileID]
	if !t.enabled || !ok {
		return
	}
	fs.done = done
	if !t.inline() {
		return
	}
	now := time.Now()
	if now.Sub(t.lastFlush) < 100*time.Millisecond {
		return
	}
	t.lastFlush = now
	t.printInline(fmt.Sprintf("[file] %s | 进度 %d/%d | 用时 %s", fs.name, fs.done, fs.total, formatSince(t.runStart)))
}

// FileFinish: 完成文件（换行输出结果）。
func (t *Terminal) FileFinish(fileID string, ok bool, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	name := shortenBase(fileID, 48)
	total := 0
	if fs, found := t.files[fileID]; found {
		name, total = fs.name, fs.total
		delete(t.files, fileID)
	}
	t.filesDone++
	status := "done"
	if !ok {
		status = "fail"
		t.filesFailed++
	}
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
	t.println(fmt.Sprintf("[%s] %s | 句子 %d | 用时 %s | %d/%d", status, name, total, formatDur(dur), t.filesDone, t.filesTotal))
}

// RunFinish: 结束总览。
func (t *Terminal) RunFinish(ok bool, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	tag := "ok"
	if !ok {
		tag = "fail"
	}
	t.println(fmt.Sprintf("[%s] 全部完成 | 文件 %d | 失败 %d | 总用时 %s", tag, t.filesDone, t.filesFailed, formatDur(dur)))
}

// inline: 多文件并发时各文件进度交错，只在串行且 TTY 时单行刷新。
func (t *Terminal) inline() bool { return t.isTTY && t.concurrency <= 1 }

func (t *Terminal) println(s string) {
	if !t.enabled {
		return
	}
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		t.enabled = false
	}
	t.lastLen = 0
}

func (t *Terminal) printInline(s string) {
	if !t.enabled {
		return
	}
	// 新行比旧行短时用空格覆盖残留
	pad := 0
	if l := visLen(s); t.lastLen > l {
		pad = t.lastLen - l
	}
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	b.WriteString(strings.Repeat(" ", pad))
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = visLen(s)
}

// shortenBase: 取基名并按可见宽度截断（尾部省略号）。
func shortenBase(s string, max int) string {
	base := filepath.Base(strings.TrimSpace(s))
	if max <= 0 || base == "" || base == "." {
		return ""
	}
	rs := []rune(base)
	if len(rs) <= max {
		return base
	}
	return string(rs[:max-1]) + "…"
}

func visLen(s string) int { return len([]rune(s)) }

func safe(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}

func formatSince(t0 time.Time) string { return formatDur(time.Since(t0)) }

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms < 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(d.Milliseconds())/1000.0)
}
