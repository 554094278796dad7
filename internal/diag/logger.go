package diag

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

func (l Level) slog() slog.Level {
	switch l {
	case Debug:
		return slog.LevelDebug
	case Warn:
		return slog.LevelWarn
	case Error:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogFileName: 日志目录下的当前文件名（lumberjack 轮转后追加时间戳）。
const LogFileName = "surprisal.log"

// Options: 日志输出配置。
type Options struct {
	// Dir: 日志目录；为空时写 stderr。
	Dir string
	// MaxSizeMB: 单文件上限（MiB），默认 10。
	MaxSizeMB int
	// MaxBackups: 保留的历史文件数，0 表示不限。
	MaxBackups int
}

// Logger: 结构化日志器，单行 JSON（slog JSONHandler），写入按大小轮转的文件。
type Logger struct {
	corrID string
	level  Level
	sl     *slog.Logger
	closer io.Closer
}

// NewLogger 以默认目录 logs/ 初始化，10 MiB 轮转。
func NewLogger(corrID, level string) *Logger {
	return NewLoggerWith(corrID, level, Options{Dir: "logs"})
}

// NewLoggerWith 按给定输出配置初始化。
func NewLoggerWith(corrID, level string, o Options) *Logger {
	var (
		w      io.Writer = os.Stderr
		closer io.Closer
	)
	if d := strings.TrimSpace(o.Dir); d != "" {
		size := o.MaxSizeMB
		if size <= 0 {
			size = 10
		}
		lj := &lumberjack.Logger{
			Filename:   filepath.Join(d, LogFileName),
			MaxSize:    size,
			MaxBackups: o.MaxBackups,
		}
		w, closer = lj, lj
	}
	return newLogger(corrID, parseLevel(level), w, closer)
}

// NewWriterLogger 直接写入给定 io.Writer（测试与嵌入场景）。
func NewWriterLogger(corrID, level string, w io.Writer) *Logger {
	return newLogger(corrID, parseLevel(level), w, nil)
}

func newLogger(corrID string, lvl Level, w io.Writer, closer io.Closer) *Logger {
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: lvl.slog(),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) > 0 {
				return a
			}
			switch a.Key {
			case slog.TimeKey:
				return slog.String("ts", a.Value.Time().UTC().Format(time.RFC3339))
			case slog.LevelKey:
				return slog.String("level", strings.ToLower(a.Value.String()))
			}
			return a
		},
	})
	return &Logger{corrID: corrID, level: lvl, sl: slog.New(h).With("corr_id", corrID), closer: closer}
}

// Close 关闭底层文件（若有）。
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// CorrID 返回本次运行的关联 ID。
func (l *Logger) CorrID() string { return l.corrID }

func parseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Event 为标准事件结构。
type Event struct {
	Comp   string
	Stage  string // start|finish|error
	Code   string
	DurMS  int64
	Count  int64
	FileID string
	Batch  string
	Msg    string
	KV     map[string]string
}

func (l *Logger) log(lv Level, ev Event) {
	if l == nil || lv < l.level {
		return
	}
	attrs := make([]slog.Attr, 0, 8)
	attrs = append(attrs, slog.String("comp", ev.Comp), slog.String("stage", ev.Stage))
	if ev.Code != "" {
		attrs = append(attrs, slog.String("code", ev.Code))
	}
	if ev.DurMS != 0 {
		attrs = append(attrs, slog.Int64("dur_ms", ev.DurMS))
	}
	if ev.Count != 0 {
		attrs = append(attrs, slog.Int64("count", ev.Count))
	}
	if ev.FileID != "" {
		attrs = append(attrs, slog.String("file_id", ev.FileID))
	}
	if ev.Batch != "" {
		attrs = append(attrs, slog.String("batch_id", ev.Batch))
	}
	if len(ev.KV) > 0 {
		attrs = append(attrs, slog.Any("kv", ev.KV))
	}
	l.sl.LogAttrs(context.Background(), lv.slog(), ev.Msg, attrs...)
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	return l.StartWithKV(comp, msg, "", "", nil)
}

// StartWith 记录带 file_id/batch_id 的 start。
func (l *Logger) StartWith(comp, msg, fileID, batch string) *Timer {
	return l.StartWithKV(comp, msg, fileID, batch, nil)
}

// StartWithKV 记录带 file_id/batch_id 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, fileID, batch string, kv map[string]string) *Timer {
	if l == nil {
		return nil
	}
	l.log(Info, Event{Comp: comp, Stage: "start", FileID: fileID, Batch: batch, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, fileID: fileID, batch: batch, t0: time.Now()}
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWith 支持 file_id/batch_id。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, fileID, batch string) {
	l.ErrorWithKV(comp, code, msg, durSince, fileID, batch, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段、还原失败位置）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, fileID, batch string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, FileID: fileID, Batch: batch, KV: kv})
}

// Warn 记录非致命异常（如缓存读写失败）。
func (l *Logger) Warn(comp, code, msg string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "warn", Code: code, Msg: msg, KV: kv})
}

// InfoKV 记录一般信息事件（如运行结束时的指标快照）。
func (l *Logger) InfoKV(comp, msg string, kv map[string]string) {
	l.log(Info, Event{Comp: comp, Stage: "info", Msg: msg, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// DebugStart 输出调试级别的“start”类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, fileID, batch string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", FileID: fileID, Batch: batch, Msg: msg, KV: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l      *Logger
	comp   string
	fileID string
	batch  string
	t0     time.Time
}

// Finish 记录 finish 并上报阶段耗时；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	dur := time.Since(t.t0).Milliseconds()
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: dur, Count: count, FileID: t.fileID, Batch: t.batch, Msg: msg})
	ObserveDuration(t.comp, msg, dur)
}
