package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"surprisal/internal/align"
	"surprisal/internal/diag"
	"surprisal/internal/lmscore"
	"surprisal/internal/throttle"
	"surprisal/pkg/contract"
)

// - 单点并发：仅此层管理并发（文件级 errgroup）；原子组件均为同步、无内部并发。
// - 文件内严格顺序：按块调用 Scorer，结果全部就绪后再聚合。
// - 文件级失败：记录 FileError 后继续下一个文件；运行结束返回 errors.Join。

// DefaultSuffix 为输出工件名后缀：<name>_processed.csv。
const DefaultSuffix = "_processed"

// Components 聚合运行所需的原子组件。
type Components struct {
	Reader    contract.Reader
	Parser    contract.TableParser
	Scorer    contract.Scorer
	Assembler contract.Assembler
	Writer    contract.Writer
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	Inputs      []string
	Concurrency int
	// BatchSize: 单次 Scorer 调用的句数（>=1），也是限流申请粒度。
	BatchSize int
	// MaxRetries: 打分阶段最大重试次数（>=0）。0 表示不重试。
	MaxRetries   int
	RetryBackoff time.Duration
	// BytesPerToken: 限流 token 估算参数；<=0 时取 4。
	BytesPerToken int
	// Suffix: 输出名后缀，空则 DefaultSuffix。
	Suffix string
	// 限流闸门（可选）：若非空，则在调用 Scorer 前调用 Gate.Wait
	Gate    throttle.Gate
	GateKey throttle.LimitKey
	// ScorerName 仅用于终端展示。
	ScorerName string
}

// FileError 标识单个文件在某阶段的失败。
type FileError struct {
	FileID contract.FileID
	Stage  string
	Err    error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("file %s: %s: %v", e.FileID, e.Stage, e.Err)
}

func (e *FileError) Unwrap() error { return e.Err }

type runner struct {
	comp   Components
	set    Settings
	logger *diag.Logger
	est    func([]string) int
}

// Run 执行完整流水线：Reader → Parser → Extractor → (Gate) → Scorer → Aggregator → Assembler → Writer。
// 约束：
// - Reader 顺序遍历并在回调内完成解析；打分及之后的阶段按文件并发（上限 Concurrency）；
// - 单文件失败不影响其他文件，返回值为所有 *FileError 的 errors.Join；
// - Reader 自身错误（如 '-' 与其他输入混用）或取消直接返回。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) error {
	set, err := sanity(comp, set)
	if err != nil {
		return fmt.Errorf("sanity: %w", err)
	}
	r := &runner{comp: comp, set: set, logger: logger, est: lmscore.Estimator(set.BytesPerToken)}

	runStart := time.Now()
	if t := diag.GetTerminal(); t != nil {
		t.RunStart(set.Concurrency, set.ScorerName, len(set.Inputs))
	}

	var (
		mu    sync.Mutex
		fails []error
		done  int
	)
	record := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			fails = append(fails, err)
			return
		}
		done++
	}

	var g errgroup.Group
	g.SetLimit(set.Concurrency)

	rtimer := logger.Start("reader", "iterate")
	iterErr := comp.Reader.Iterate(ctx, set.Inputs, func(fid contract.FileID, rc io.ReadCloser, openErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if openErr != nil {
			record(r.fail(fid, "reader", "open failed", openErr, nil))
			return nil
		}
		tbl, err := r.parse(ctx, fid, rc)
		_ = rc.Close()
		if err != nil {
			record(err)
			return nil
		}
		g.Go(func() error {
			record(r.processFile(ctx, tbl))
			return nil
		})
		return nil
	})
	_ = g.Wait()

	if iterErr != nil {
		code := diag.Classify(iterErr)
		logger.Error("reader", string(code), "iterate failed", nil)
		diag.IncOp("reader", "error", "error")
		if code != diag.CodeUnknown {
			diag.IncError("reader", string(code))
		}
	} else {
		rtimer.Finish("iterate", int64(len(set.Inputs)))
		diag.IncOp("reader", "finish", "success")
	}

	ok := iterErr == nil && len(fails) == 0
	if t := diag.GetTerminal(); t != nil {
		t.RunFinish(ok, time.Since(runStart))
	}
	logger.InfoFinish("pipeline", "run", runStart, int64(done))

	if iterErr != nil {
		return errors.Join(append([]error{fmt.Errorf("reader iterate: %w", iterErr)}, fails...)...)
	}
	return errors.Join(fails...)
}

func (r *runner) parse(ctx context.Context, fid contract.FileID, rc io.Reader) (contract.Table, error) {
	ptimer := r.logger.StartWith("parser", "parse", string(fid), "")
	tbl, err := r.comp.Parser.Parse(ctx, fid, rc)
	if err != nil {
		return contract.Table{}, r.fail(fid, "parser", "parse failed", err, nil)
	}
	ptimer.Finish("parse", int64(len(tbl.Rows)))
	diag.IncOp("parser", "finish", "success")
	return tbl, nil
}

// processFile 处理单个已解析文件：抽句 → 打分 → 聚合 → 装配 → 写出。
func (r *runner) processFile(ctx context.Context, tbl contract.Table) (err error) {
	fid := tbl.FileID
	fileStart := time.Now()

	sents, err := align.Sentences(tbl.Words)
	if err != nil {
		return r.fail(fid, "extractor", "extract failed", err, nil)
	}
	texts := align.Texts(sents)
	diag.IncOp("extractor", "finish", "success")

	if t := diag.GetTerminal(); t != nil {
		t.FileStart(string(fid), len(sents))
	}
	defer func() {
		if t := diag.GetTerminal(); t != nil {
			t.FileFinish(string(fid), err == nil, time.Since(fileStart))
		}
	}()

	scored, err := r.score(ctx, fid, texts)
	if err != nil {
		return err
	}

	atimer := r.logger.StartWith("aggregator", "aggregate", string(fid), "")
	surp, err := align.Aggregate(scored, texts)
	if err != nil {
		var kv map[string]string
		var re *align.ResolutionError
		if errors.As(err, &re) {
			kv = map[string]string{
				"sentence": strconv.Itoa(re.Sentence),
				"word":     strconv.Itoa(re.Word),
				"expected": re.Expected,
				"composed": re.Composed,
				"reason":   string(re.Reason),
			}
			if re.Sentence >= 0 && re.Sentence < len(sents) {
				kv["sentence_id"] = sents[re.Sentence].ID
			}
		}
		return r.fail(fid, "aggregator", "aggregate failed", err, kv)
	}
	if len(surp) != len(tbl.Rows) {
		err = fmt.Errorf("%w: %d surprisal values for %d rows", contract.ErrInvariantViolation, len(surp), len(tbl.Rows))
		return r.fail(fid, "aggregator", "word count check failed", err, nil)
	}
	atimer.Finish("aggregate", int64(len(surp)))
	diag.IncOp("aggregator", "finish", "success")

	stimer := r.logger.StartWith("assembler", "assemble", string(fid), "")
	rd, err := r.comp.Assembler.Assemble(ctx, tbl, surp)
	if err != nil {
		return r.fail(fid, "assembler", "assemble failed", err, nil)
	}
	stimer.Finish("assemble", int64(len(surp)))
	diag.IncOp("assembler", "finish", "success")

	id := contract.ArtifactFor(fid, r.set.Suffix)
	wtimer := r.logger.StartWithKV("writer", "write", string(fid), "", map[string]string{"artifact": string(id)})
	if err := r.comp.Writer.Write(ctx, id, rd); err != nil {
		return r.fail(fid, "writer", "write failed", err, nil)
	}
	wtimer.Finish("write", 1)
	diag.IncOp("writer", "finish", "success")
	return nil
}

// score 按 BatchSize 分块调用 Scorer；每块先过限流闸门，失败按 Retryable 有限重试。
func (r *runner) score(ctx context.Context, fid contract.FileID, texts []string) ([]contract.ScoredSentence, error) {
	out := make([]contract.ScoredSentence, 0, len(texts))
	for from := 0; from < len(texts); from += r.set.BatchSize {
		to := from + r.set.BatchSize
		if to > len(texts) {
			to = len(texts)
		}
		chunk := texts[from:to]
		batch := strconv.Itoa(from / r.set.BatchSize)
		tokens := r.est(chunk)

		res, err := r.scoreChunk(ctx, fid, batch, chunk, tokens)
		if err != nil {
			return nil, err
		}
		out = append(out, res...)
		if t := diag.GetTerminal(); t != nil {
			t.FileProgress(string(fid), len(out))
		}
	}
	return out, nil
}

func (r *runner) scoreChunk(ctx context.Context, fid contract.FileID, batch string, chunk []string, tokens int) ([]contract.ScoredSentence, error) {
	attempts := r.set.MaxRetries + 1
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if r.set.Gate != nil {
			r.logger.DebugStart("gate", "ask", string(fid), batch, map[string]string{
				"requests": "1",
				"tokens":   strconv.Itoa(tokens),
				"attempt":  strconv.Itoa(attempt + 1),
			})
			if err := r.set.Gate.Wait(ctx, throttle.Ask{Key: r.set.GateKey, Requests: 1, Tokens: tokens}); err != nil {
				// 闸门错误不重试（通常为取消或超出单请求上限）
				return nil, r.failBatch(fid, batch, "gate", "wait failed", err, nil)
			}
		}

		timer := r.logger.StartWithKV("scorer", "score", string(fid), batch, map[string]string{
			"sentences": strconv.Itoa(len(chunk)),
			"tokens":    strconv.Itoa(tokens),
			"attempt":   strconv.Itoa(attempt + 1),
		})
		res, err := r.comp.Scorer.Score(ctx, chunk)
		if err == nil && len(res) != len(chunk) {
			err = fmt.Errorf("%w: scorer returned %d results for %d sentences", contract.ErrLengthMismatch, len(res), len(chunk))
		}
		if err == nil {
			timer.Finish("score", int64(len(chunk)))
			diag.IncOp("scorer", "finish", "success")
			return res, nil
		}

		lastErr = err
		code := diag.Classify(err)
		var kv map[string]string
		var ue contract.UpstreamError
		if errors.As(err, &ue) {
			kv = map[string]string{"http_status": strconv.Itoa(ue.UpstreamStatus())}
			if m := strings.TrimSpace(ue.UpstreamMessage()); m != "" {
				if len(m) > 200 {
					m = m[:200]
				}
				kv["upstream_msg"] = m
			}
		}
		r.logger.ErrorWithKV("scorer", string(code), "score failed", nil, string(fid), batch, kv)
		diag.IncOp("scorer", "error", "error")
		if code != diag.CodeUnknown {
			diag.IncError("scorer", string(code))
		}
		if attempt+1 < attempts && diag.Retryable(err) {
			if serr := sleepWithCtx(ctx, r.set.RetryBackoff); serr != nil {
				lastErr = serr
				break
			}
			continue
		}
		break
	}
	return nil, &FileError{FileID: fid, Stage: "scorer", Err: lastErr}
}

// fail 记录阶段错误（日志 + 指标）并包装为 FileError。
func (r *runner) fail(fid contract.FileID, comp, msg string, err error, kv map[string]string) error {
	return r.failBatch(fid, "", comp, msg, err, kv)
}

func (r *runner) failBatch(fid contract.FileID, batch, comp, msg string, err error, kv map[string]string) error {
	code := diag.Classify(err)
	r.logger.ErrorWithKV(comp, string(code), msg, nil, string(fid), batch, kv)
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
	return &FileError{FileID: fid, Stage: comp, Err: err}
}

func sanity(c Components, s Settings) (Settings, error) {
	if c.Reader == nil || c.Parser == nil || c.Scorer == nil || c.Assembler == nil || c.Writer == nil {
		return s, errors.New("pipeline: missing components")
	}
	if len(s.Inputs) == 0 {
		return s, errors.New("pipeline: empty inputs")
	}
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	if s.BatchSize < 1 {
		s.BatchSize = 16
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.RetryBackoff <= 0 {
		s.RetryBackoff = 200 * time.Millisecond
	}
	if s.Suffix == "" {
		s.Suffix = DefaultSuffix
	}
	return s, nil
}

// sleepWithCtx: 可取消的 sleep。
func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
