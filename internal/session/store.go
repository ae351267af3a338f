// Package session は現在のセッションを永続化するSession Storeを提供する。
// プロセス全体で高々1つのセッションを保持し、書き込みは常に値全体の置き換えで行う。
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/aizily/internal/model"
)

// DefaultKey はセッションを保存する名前空間付きキー。
// 同じストレージを共有する他の状態を上書きしないよう固定の名前空間を持つ。
const DefaultKey = "aizily-auth-token"

// Store はセッションの永続化インターフェース。
type Store interface {
	// Save はセッションを保存する。既存の値はアトミックに置き換えられる。
	Save(ctx context.Context, s *model.Session) error
	// Load は現在のセッションを返す。未保存または期限切れの場合はnilを返す。
	// 期限切れのセッションは削除せず、不在として扱うのみとする。
	Load(ctx context.Context) (*model.Session, error)
	// LoadAny は期限切れかどうかに関わらず保存済みのセッションを返す。未保存の場合はnilを返す。
	// アクセストークンが失効していてもリフレッシュトークンは有効な場合があるため、
	// トークン交換とサーバー側の無効化にのみ使う。
	LoadAny(ctx context.Context) (*model.Session, error)
	// Clear は保存済みのセッションを削除する。冪等。
	Clear(ctx context.Context) error
}

// Clock は現在時刻を返す関数。テストで差し替える。
type Clock func() time.Time

// encode はセッションを永続化フォーマット（JSON）に変換する。
func encode(s *model.Session) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("session is nil")
	}
	if s.AccessToken == "" || s.RefreshToken == "" || s.UserID == "" {
		return nil, fmt.Errorf("session is incomplete")
	}
	stored := s.Clone()
	stored.ExpiresAt = stored.ExpiresAt.UTC()
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session: %w", err)
	}
	return data, nil
}

// decode は永続化フォーマットからセッションを復元する。
func decode(data []byte) (*model.Session, error) {
	var s model.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &s, nil
}

// liveOrNil は期限切れのセッションをnilとして扱う（遅延無効化）。
func liveOrNil(s *model.Session, now Clock) *model.Session {
	if s == nil || s.Expired(now()) {
		return nil
	}
	return s
}

func clockOrDefault(c Clock) Clock {
	if c == nil {
		return time.Now
	}
	return c
}
