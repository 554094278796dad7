// Package flaky 是带状态的测试替身：包装 mock 打分器并按调用次数注入故障，用于验证重试策略。
package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"surprisal/pkg/contract"
	"surprisal/plugins/scorer/mock"
)

// Options 定义可选项。
type Options struct {
	// Mock: 透传给内部 mock 打分器的配置。
	Mock json.RawMessage `json:"mock,omitempty"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client:
// 第一次 Score 返回 ErrRateLimited；
// 第二次返回残缺结果（ErrResponseInvalid）；
// 之后委托 mock。
type Client struct {
	inner   *mock.Client
	logPath string
	count   atomic.Int32
}

// New 构造 Client。
func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, err
		}
	}
	inner, err := mock.New(o.Mock)
	if err != nil {
		return nil, err
	}
	return &Client{inner: inner, logPath: o.LogPath}, nil
}

// Calls 返回已发生的调用次数。
func (c *Client) Calls() int { return int(c.count.Load()) }

func (c *Client) Fingerprint() string { return "flaky|" + c.inner.Fingerprint() }

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	f, err := os.OpenFile(c.logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(s + "\n")
}

func (c *Client) Score(ctx context.Context, sentences []string) ([]contract.ScoredSentence, error) {
	switch c.count.Add(1) {
	case 1:
		c.log("rate_limited")
		return nil, contract.ErrRateLimited
	case 2:
		c.log("invalid_response")
		return nil, fmt.Errorf("flaky: truncated logprobs: %w", contract.ErrResponseInvalid)
	default:
		c.log("ok")
		return c.inner.Score(ctx, sentences)
	}
}

var (
	_ contract.Scorer        = (*Client)(nil)
	_ contract.Fingerprinter = (*Client)(nil)
)
