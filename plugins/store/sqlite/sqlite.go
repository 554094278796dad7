// Package sqlite 以本地 SQLite 文件作为打分缓存（单机、免部署）。
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"surprisal/pkg/contract"
)

// Options: 数据库文件配置。
type Options struct {
	// Path: 数据库文件路径，默认 "cache/scores.db"；父目录不存在时创建。
	Path string `json:"path"`
	// BusyTimeoutMS: 锁等待上限（毫秒），默认 10000。
	BusyTimeoutMS int `json:"busy_timeout_ms"`
}

const schema = `CREATE TABLE IF NOT EXISTS scores (
	key        TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	created_at INTEGER NOT NULL
)`

type Store struct {
	db *sql.DB
}

var _ contract.ScoreStore = (*Store)(nil)

// Open 打开（或创建）缓存库并建表。
func Open(ctx context.Context, opts *Options) (*Store, error) {
	path := "cache/scores.db"
	busy := 10000
	if opts != nil {
		if opts.Path != "" {
			path = opts.Path
		}
		if opts.BusyTimeoutMS > 0 {
			busy = opts.BusyTimeoutMS
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: %w", err)
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(%d)", path, busy)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// 单写连接，避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Get(ctx context.Context, key string) (contract.ScoredSentence, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM scores WHERE key = ?`, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite get: %w", err)
	}
	var ss contract.ScoredSentence
	if err := json.Unmarshal(payload, &ss); err != nil {
		return nil, false, fmt.Errorf("sqlite decode %s: %w", key, err)
	}
	return ss, true, nil
}

func (s *Store) Put(ctx context.Context, key string, ss contract.ScoredSentence) error {
	payload, err := json.Marshal(ss)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO scores (key, payload, created_at) VALUES (?, ?, ?)`,
		key, payload, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

// Len 返回缓存条目数。
func (s *Store) Len(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scores`).Scan(&n)
	return n, err
}

func (s *Store) Close() error { return s.db.Close() }
