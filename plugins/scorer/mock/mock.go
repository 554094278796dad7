// Package mock 提供确定性的离线打分器：按固定长度切分子词，logprob 由前两个 token 与当前 token 的 FNV 哈希导出。
// 与真实后端走同一条 WithBoundary/Collect 路径，用于联调与端到端测试。
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"surprisal/internal/lmscore"
	"surprisal/pkg/contract"
)

// Options: 调试配置（均可选）。
type Options struct {
	// PieceSize: 每个子词的最大字符数，默认 3。
	PieceSize int `json:"piece_size"`
	// Marker/MarkerRepeat: 边界标记与重复次数（默认 <|endoftext|> ×2，至少 1）。
	Marker       string `json:"marker"`
	MarkerRepeat *int   `json:"marker_repeat,omitempty"`
	// APIKey: 仅用于限流分组，不参与任何网络请求。
	APIKey string `json:"api_key"`
}

type Client struct {
	size   int
	marker string
	repeat int
}

// New 构造 mock 打分器。
func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	c := &Client{size: 3, marker: lmscore.DefaultMarker, repeat: lmscore.DefaultMarkerRepeat}
	if o.PieceSize > 0 {
		c.size = o.PieceSize
	}
	if o.Marker != "" {
		c.marker = o.Marker
	}
	if o.MarkerRepeat != nil {
		// 位置 0 总被丢弃，没有标记时首个子词将丢失
		if *o.MarkerRepeat < 1 {
			return nil, fmt.Errorf("mock: %w: marker_repeat must be >= 1", contract.ErrInvalidInput)
		}
		c.repeat = *o.MarkerRepeat
	}
	return c, nil
}

var (
	_ contract.Scorer        = (*Client)(nil)
	_ contract.Fingerprinter = (*Client)(nil)
)

func (c *Client) Fingerprint() string {
	return "mock|" + strconv.Itoa(c.size) + "|" + c.marker + "x" + strconv.Itoa(c.repeat)
}

func (c *Client) Score(ctx context.Context, sentences []string) ([]contract.ScoredSentence, error) {
	out := make([]contract.ScoredSentence, len(sentences))
	for i, s := range sentences {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		tokens := c.Tokenize(lmscore.WithBoundary(s, c.marker, c.repeat))
		lps := make([]*float64, len(tokens))
		for j := 1; j < len(tokens); j++ {
			var p2 string
			if j >= 2 {
				p2 = tokens[j-2]
			}
			v := LogProb(p2, tokens[j-1], tokens[j])
			lps[j] = &v
		}
		ss, err := lmscore.Collect(tokens, lps, lmscore.CollectOptions{
			Special:      []string{c.marker},
			SpaceMarkers: lmscore.DefaultSpaceMarkers,
		})
		if err != nil {
			return nil, err
		}
		out[i] = ss
	}
	return out, nil
}

// Tokenize 模拟 byte-level BPE：先剥离前缀边界标记，再把每个词切成 PieceSize 长的子词，
// 非首词的首个子词带 Ġ 前缀。
func (c *Client) Tokenize(text string) []string {
	var tokens []string
	for strings.HasPrefix(text, c.marker) {
		tokens = append(tokens, c.marker)
		text = text[len(c.marker):]
	}
	for wi, w := range strings.Fields(text) {
		rs := []rune(w)
		for k := 0; k < len(rs); k += c.size {
			end := k + c.size
			if end > len(rs) {
				end = len(rs)
			}
			p := string(rs[k:end])
			if k == 0 && wi > 0 {
				p = "Ġ" + p
			}
			tokens = append(tokens, p)
		}
	}
	return tokens
}

// LogProb 返回 (-10.01, -0.01] 区间内的确定性对数概率。
func LogProb(prev2, prev1, cur string) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(prev2 + "\x1f" + prev1 + "\x1f" + cur))
	return -(float64(h.Sum64()%10000)/1000 + 0.01)
}
