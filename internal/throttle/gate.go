// Package throttle 为打分调用提供按分组键的 RPM/TPM 限流闸门（基于 golang.org/x/time/rate 令牌桶）。
package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"surprisal/pkg/contract"
)

// LimitKey: 限流分组键（scorer 名 + 凭据摘要）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM             int // requests per minute
	TPM             int // tokens per minute
	MaxTokensPerReq int // 单次请求 token 上限，0 表示不限制
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 必须 >=1
	Tokens   int // 预计 token（>=0）
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；违反单请求上限时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false。
	Try(a Ask) bool
}

// NewGate 从静态配置构造闸门；clk 为空则使用 time.Now（仅影响 Try 的时间基准）。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*entry, len(m))}
	for k, lim := range m {
		g.m[k] = newEntry(lim)
	}
	return g
}

type gate struct {
	clk func() time.Time
	mu  sync.Mutex
	m   map[LimitKey]*entry
}

type entry struct {
	lim Limits
	req *rate.Limiter // nil 表示该维度关闭
	tok *rate.Limiter
}

func perMinute(n int) *rate.Limiter {
	if n <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(n)/60.0), n)
}

func newEntry(lim Limits) *entry {
	return &entry{lim: lim, req: perMinute(lim.RPM), tok: perMinute(lim.TPM)}
}

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		// 未配置的 key 视为不限额
		e = newEntry(Limits{})
		g.m[key] = e
	}
	return e
}

func (e *entry) check(a Ask) error {
	if a.Requests <= 0 || a.Tokens < 0 {
		return fmt.Errorf("%w: ask requests=%d tokens=%d", contract.ErrInvalidInput, a.Requests, a.Tokens)
	}
	if e.lim.MaxTokensPerReq > 0 && a.Tokens > e.lim.MaxTokensPerReq {
		return fmt.Errorf("%w: %d tokens over per-request limit %d", contract.ErrInvalidInput, a.Tokens, e.lim.MaxTokensPerReq)
	}
	if e.req != nil && a.Requests > e.req.Burst() {
		return fmt.Errorf("%w: %d requests over rpm %d", contract.ErrBudgetExceeded, a.Requests, e.req.Burst())
	}
	if e.tok != nil && a.Tokens > e.tok.Burst() {
		return fmt.Errorf("%w: %d tokens over tpm %d", contract.ErrBudgetExceeded, a.Tokens, e.tok.Burst())
	}
	return nil
}

func (g *gate) Try(a Ask) bool {
	e := g.get(a.Key)
	if e.check(a) != nil {
		return false
	}
	now := g.clk()
	var r1, r2 *rate.Reservation
	if e.req != nil {
		r1 = e.req.ReserveN(now, a.Requests)
		if r1.DelayFrom(now) > 0 {
			r1.CancelAt(now)
			return false
		}
	}
	if e.tok != nil && a.Tokens > 0 {
		r2 = e.tok.ReserveN(now, a.Tokens)
		if r2.DelayFrom(now) > 0 {
			r2.CancelAt(now)
			if r1 != nil {
				r1.CancelAt(now)
			}
			return false
		}
	}
	return true
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	e := g.get(a.Key)
	if err := e.check(a); err != nil {
		return err
	}
	if e.req != nil {
		if err := e.req.WaitN(ctx, a.Requests); err != nil {
			return waitErr(ctx, err)
		}
	}
	if e.tok != nil && a.Tokens > 0 {
		if err := e.tok.WaitN(ctx, a.Tokens); err != nil {
			return waitErr(ctx, err)
		}
	}
	return nil
}

// waitErr: WaitN 在预计等待超过 deadline 时返回普通错误，这里统一成 ctx 语义。
func waitErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, ok := ctx.Deadline(); ok {
		return fmt.Errorf("throttle: %w", context.DeadlineExceeded)
	}
	return fmt.Errorf("throttle: %w", err)
}

var _ Gate = (*gate)(nil)
