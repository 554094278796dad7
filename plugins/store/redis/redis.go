// Package redis 以 Redis 作为共享打分缓存（多机/多次运行复用同一模型的打分结果）。
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"surprisal/pkg/contract"
)

const defaultPrefix = "surprisal:score:"

// Options: 连接与键配置。
type Options struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	// Prefix: 键前缀，默认 "surprisal:score:"。
	Prefix string `json:"prefix"`
	// TTLSeconds: 过期时间，0 表示不过期。
	TTLSeconds int `json:"ttl_seconds"`
}

type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ contract.ScoreStore = (*Store)(nil)

// New 建立客户端（惰性连接，不做 PING）。
func New(opts *Options) (*Store, error) {
	if opts == nil || opts.Addr == "" {
		return nil, errors.New("redis: addr required")
	}
	if opts.TTLSeconds < 0 {
		return nil, fmt.Errorf("redis: invalid ttl_seconds %d", opts.TTLSeconds)
	}
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	return NewWithClient(client, opts), nil
}

// NewWithClient 复用已有客户端。
func NewWithClient(client *redis.Client, opts *Options) *Store {
	s := &Store{client: client, prefix: defaultPrefix}
	if opts != nil {
		if opts.Prefix != "" {
			s.prefix = opts.Prefix
		}
		s.ttl = time.Duration(opts.TTLSeconds) * time.Second
	}
	return s
}

func (s *Store) Get(ctx context.Context, key string) (contract.ScoredSentence, bool, error) {
	b, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	var ss contract.ScoredSentence
	if err := json.Unmarshal(b, &ss); err != nil {
		return nil, false, fmt.Errorf("redis decode %s: %w", key, err)
	}
	return ss, true, nil
}

func (s *Store) Put(ctx context.Context, key string, ss contract.ScoredSentence) error {
	b, err := json.Marshal(ss)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+key, b, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.client.Close() }
