package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/aizily/internal/model"
)

// queries はドライバごとのSQL方言。
type queries struct {
	get    string
	upsert string
	delete string
}

var postgresQueries = queries{
	get: `SELECT value FROM kv_store WHERE key = $1`,
	upsert: `INSERT INTO kv_store (key, value, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
	delete: `DELETE FROM kv_store WHERE key = $1`,
}

var sqliteQueries = queries{
	get: `SELECT value FROM kv_store WHERE key = ?`,
	upsert: `INSERT INTO kv_store (key, value, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
	delete: `DELETE FROM kv_store WHERE key = ?`,
}

// SQLStore はkv_storeテーブルの1キーにセッションを保存するStore。
// 1行のUPSERTで値全体を置き換えるため、読み手が中途半端な状態を観測することはない。
type SQLStore struct {
	db     *sql.DB
	q      queries
	key    string
	now    Clock
	ownsDB bool
}

// Options はSQLStoreの設定。
type Options struct {
	Key string // 名前空間付きキー。空の場合はDefaultKey
	Now Clock
}

func newSQLStore(db *sql.DB, q queries, opts Options, ownsDB bool) *SQLStore {
	key := opts.Key
	if key == "" {
		key = DefaultKey
	}
	return &SQLStore{
		db:     db,
		q:      q,
		key:    key,
		now:    clockOrDefault(opts.Now),
		ownsDB: ownsDB,
	}
}

// Save はセッションを保存する。
func (s *SQLStore) Save(ctx context.Context, sess *model.Session) error {
	data, err := encode(sess)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.q.upsert, s.key, string(data), s.now().UTC()); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Load は現在のセッションを返す。未保存または期限切れの場合はnilを返す。
func (s *SQLStore) Load(ctx context.Context) (*model.Session, error) {
	sess, err := s.LoadAny(ctx)
	if err != nil {
		return nil, err
	}
	return liveOrNil(sess, s.now), nil
}

// LoadAny は期限切れを含む保存済みのセッションを返す。
func (s *SQLStore) LoadAny(ctx context.Context) (*model.Session, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.q.get, s.key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	return decode([]byte(value))
}

// Clear は保存済みのセッションを削除する。
func (s *SQLStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.q.delete, s.key); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// Close はStoreが自身で開いたDB接続を閉じる。共有DBの場合は何もしない。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil || !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// compile-time interface check
var _ Store = (*SQLStore)(nil)
