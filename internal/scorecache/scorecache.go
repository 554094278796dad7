// Package scorecache 为 Scorer 增加按句缓存：命中的句子不再请求模型，未命中的去重后一次性打分并回写。
package scorecache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"surprisal/internal/diag"
	"surprisal/pkg/contract"
)

// Scorer: 带缓存的 Scorer 装饰器。
// 缓存读写失败不影响打分结果：读失败按未命中处理，写失败仅记日志与指标。
type Scorer struct {
	inner  contract.Scorer
	store  contract.ScoreStore
	ns     string
	logger *diag.Logger
}

// New 包装 inner。namespace 为空时取 inner 的 Fingerprint（若实现）。
func New(inner contract.Scorer, store contract.ScoreStore, namespace string, logger *diag.Logger) *Scorer {
	if namespace == "" {
		if fp, ok := inner.(contract.Fingerprinter); ok {
			namespace = fp.Fingerprint()
		}
	}
	return &Scorer{inner: inner, store: store, ns: namespace, logger: logger}
}

var _ contract.Scorer = (*Scorer)(nil)

// Key 返回句子在缓存中的键：sha256(namespace + "\x00" + sentence)。
func Key(namespace, sentence string) string {
	sum := sha256.Sum256([]byte(namespace + "\x00" + sentence))
	return hex.EncodeToString(sum[:])
}

// Fingerprint 透传命名空间，便于多层装饰。
func (s *Scorer) Fingerprint() string { return s.ns }

func (s *Scorer) Score(ctx context.Context, sentences []string) ([]contract.ScoredSentence, error) {
	out := make([]contract.ScoredSentence, len(sentences))
	keys := make([]string, len(sentences))
	// 未命中句子去重：同一句面只请求一次
	missIdx := map[string][]int{}
	var missing []string
	for i, sent := range sentences {
		keys[i] = Key(s.ns, sent)
		ss, ok, err := s.store.Get(ctx, keys[i])
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.warn("get failed", err)
			ok = false
		}
		if ok {
			out[i] = ss
			diag.IncOp("score_cache", "get", "hit")
			continue
		}
		diag.IncOp("score_cache", "get", "miss")
		if _, seen := missIdx[sent]; !seen {
			missing = append(missing, sent)
		}
		missIdx[sent] = append(missIdx[sent], i)
	}
	if len(missing) == 0 {
		return out, nil
	}
	scored, err := s.inner.Score(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(scored) != len(missing) {
		return nil, fmt.Errorf("%w: scorer returned %d results for %d sentences", contract.ErrResponseInvalid, len(scored), len(missing))
	}
	for j, sent := range missing {
		idx := missIdx[sent]
		for _, i := range idx {
			out[i] = scored[j]
		}
		if err := s.store.Put(ctx, keys[idx[0]], scored[j]); err != nil {
			s.warn("put failed", err)
		}
	}
	return out, nil
}

func (s *Scorer) warn(msg string, err error) {
	code := diag.Classify(err)
	diag.IncError("score_cache", string(code))
	s.logger.Warn("score_cache", string(code), msg, map[string]string{"err": err.Error()})
}
