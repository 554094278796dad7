// Package openai 通过 OpenAI 兼容的 legacy completions 接口（OpenAI、vLLM、llama.cpp server 等）
// 对句子做 teacher-forced 打分：echo=true 回显 prompt 的逐 token logprob，不做生成。
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"surprisal/internal/lmscore"
	"surprisal/pkg/contract"
)

// Options: 打分后端配置。
type Options struct {
	BaseURL        string `json:"base_url"`        // 例如 http://localhost:8000/v1
	Model          string `json:"model"`           // 默认 gpt2
	APIKeyEnv      string `json:"api_key_env"`     // 优先从环境变量读取；自建服务可留空
	APIKey         string `json:"api_key"`         // 明文传入（不推荐，按需用于测试）
	TimeoutSeconds int    `json:"timeout_seconds"` // client 级超时（秒），默认 60

	// BatchSize: 单次 HTTP 请求携带的句子数（prompt 数组长度），默认 16。
	BatchSize int `json:"batch_size"`
	// MaxTokens: 生成 token 数，默认 0；部分服务要求 >=1，此时按 text_offset 截掉生成部分。
	MaxTokens int `json:"max_tokens"`

	// Marker/MarkerRepeat: 句首边界标记与重复次数（默认 <|endoftext|> ×2）。
	Marker       string `json:"marker"`
	MarkerRepeat *int   `json:"marker_repeat,omitempty"`
	// SpecialTokens: 需剔除的特殊 token，默认仅 Marker。
	SpecialTokens []string `json:"special_tokens"`
	// SpaceMarkers: 还原为空格的前导标记，默认 ["Ġ","▁"]。
	SpaceMarkers []string `json:"space_markers"`

	EndpointPath       string            `json:"endpoint_path"`        // 覆盖默认 /completions；可为完整 URL
	DisableDefaultAuth bool              `json:"disable_default_auth"` // 关闭默认 Authorization: Bearer 注入
	ExtraHeaders       map[string]string `json:"extra_headers"`        // 追加/覆盖请求头
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "http://localhost:8000/v1"
	}
	if o.Model == "" {
		o.Model = "gpt2"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/completions"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 16
	}
	if o.Marker == "" {
		o.Marker = lmscore.DefaultMarker
	}
	if o.MarkerRepeat == nil {
		r := lmscore.DefaultMarkerRepeat
		o.MarkerRepeat = &r
	}
	if o.SpecialTokens == nil {
		o.SpecialTokens = []string{o.Marker}
	}
	if o.SpaceMarkers == nil {
		o.SpaceMarkers = lmscore.DefaultSpaceMarkers
	}
}

type Client struct {
	url         string
	apiKey      string
	model       string
	batch       int
	maxTokens   int
	marker      string
	repeat      int
	collect     lmscore.CollectOptions
	extraH      map[string]string
	disableAuth bool
	do          func(*http.Request) (*http.Response, error)
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	if *opts.MarkerRepeat < 1 {
		return nil, fmt.Errorf("openai: %w: marker_repeat must be >= 1", contract.ErrInvalidInput)
	}
	if opts.MaxTokens < 0 {
		return nil, fmt.Errorf("openai: %w: negative max_tokens", contract.ErrInvalidInput)
	}
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	fullURL := opts.EndpointPath
	if !(strings.HasPrefix(fullURL, "http://") || strings.HasPrefix(fullURL, "https://")) {
		fullURL = strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(opts.EndpointPath, "/")
	}
	return &Client{
		url:         fullURL,
		apiKey:      key,
		model:       opts.Model,
		batch:       opts.BatchSize,
		maxTokens:   opts.MaxTokens,
		marker:      opts.Marker,
		repeat:      *opts.MarkerRepeat,
		collect:     lmscore.CollectOptions{Special: opts.SpecialTokens, SpaceMarkers: opts.SpaceMarkers},
		extraH:      opts.ExtraHeaders,
		disableAuth: opts.DisableDefaultAuth || key == "",
		do:          hc.Do,
	}, nil
}

var (
	_ contract.Scorer        = (*Client)(nil)
	_ contract.Fingerprinter = (*Client)(nil)
)

// Fingerprint: 端点 + 模型 + 边界标记 + token 过滤规则决定打分结果。
func (c *Client) Fingerprint() string {
	return "openai|" + c.url + "|" + c.model + "|" + c.marker + "x" + strconv.Itoa(c.repeat) +
		"|special=" + sortedJoin(c.collect.Special) + "|space=" + sortedJoin(c.collect.SpaceMarkers)
}

func sortedJoin(ss []string) string {
	cp := append([]string(nil), ss...)
	sort.Strings(cp)
	return strings.Join(cp, ",")
}

type completionReq struct {
	Model       string   `json:"model"`
	Prompt      []string `json:"prompt"`
	Echo        bool     `json:"echo"`
	Logprobs    int      `json:"logprobs"`
	MaxTokens   int      `json:"max_tokens"`
	Temperature float64  `json:"temperature"`
}

type completionResp struct {
	Choices []struct {
		Index    int `json:"index"`
		Logprobs *struct {
			Tokens        []string   `json:"tokens"`
			TokenLogprobs []*float64 `json:"token_logprobs"`
			TextOffset    []int      `json:"text_offset"`
		} `json:"logprobs"`
	} `json:"choices"`
}

// upstreamError 实现 net.Error，将 HTTP 上游 5xx/408 映射为网络类错误（可重试）。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("openai upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// Score 按 BatchSize 分组请求，结果按 choice.index 对齐回原句序。
func (c *Client) Score(ctx context.Context, sentences []string) ([]contract.ScoredSentence, error) {
	out := make([]contract.ScoredSentence, 0, len(sentences))
	for from := 0; from < len(sentences); from += c.batch {
		to := from + c.batch
		if to > len(sentences) {
			to = len(sentences)
		}
		part, err := c.scoreBatch(ctx, sentences[from:to])
		if err != nil {
			return nil, err
		}
		out = append(out, part...)
	}
	return out, nil
}

func (c *Client) scoreBatch(ctx context.Context, sentences []string) ([]contract.ScoredSentence, error) {
	prompts := make([]string, len(sentences))
	for i, s := range sentences {
		prompts[i] = lmscore.WithBoundary(s, c.marker, c.repeat)
	}
	body, err := json.Marshal(&completionReq{
		Model:     c.model,
		Prompt:    prompts,
		Echo:      true,
		Logprobs:  0,
		MaxTokens: c.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("encode: %v: %w", err, contract.ErrInvalidInput)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	if !c.disableAuth {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range c.extraH {
		if k != "" {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, contract.ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := strings.TrimSpace(string(slurp))
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5 {
			return nil, upstreamError{status: resp.StatusCode, msg: msg}
		}
		return nil, fmt.Errorf("openai upstream %d: %s: %w", resp.StatusCode, msg, contract.ErrInvalidInput)
	}
	var cr completionResp
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return nil, fmt.Errorf("decode: %v: %w", err, contract.ErrResponseInvalid)
	}
	if len(cr.Choices) != len(prompts) {
		return nil, fmt.Errorf("%w: %d choices for %d prompts", contract.ErrResponseInvalid, len(cr.Choices), len(prompts))
	}
	sort.SliceStable(cr.Choices, func(i, j int) bool { return cr.Choices[i].Index < cr.Choices[j].Index })

	out := make([]contract.ScoredSentence, len(prompts))
	for i, ch := range cr.Choices {
		if ch.Index != i {
			return nil, fmt.Errorf("%w: choice index %d missing", contract.ErrResponseInvalid, i)
		}
		lp := ch.Logprobs
		if lp == nil {
			return nil, fmt.Errorf("%w: choice %d without logprobs", contract.ErrResponseInvalid, i)
		}
		tokens, lps := lp.Tokens, lp.TokenLogprobs
		if c.maxTokens > 0 {
			n, err := promptTokenCount(lp.TextOffset, len(tokens), utf8.RuneCountInString(prompts[i]))
			if err != nil {
				return nil, fmt.Errorf("choice %d: %w", i, err)
			}
			tokens, lps = tokens[:n], lps[:min(n, len(lps))]
		}
		ss, err := lmscore.Collect(tokens, lps, c.collect)
		if err != nil {
			return nil, fmt.Errorf("choice %d: %w", i, err)
		}
		out[i] = ss
	}
	return out, nil
}

// promptTokenCount 返回属于 prompt 的 token 数（text_offset < prompt 长度）。
func promptTokenCount(offsets []int, ntok, promptLen int) (int, error) {
	if len(offsets) != ntok {
		return 0, fmt.Errorf("%w: %d text_offset for %d tokens", contract.ErrResponseInvalid, len(offsets), ntok)
	}
	n := 0
	for n < len(offsets) && offsets[n] < promptLen {
		n++
	}
	return n, nil
}
