// Package identity はリモートIdPとの境界を定義する。
// IdP自体の実装は対象外で、型付きRPC境界として扱う。
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/aizily/internal/model"
)

// Provider はリモートIdPの操作を表すインターフェース。
// 失敗時は{code, message}の組を持つ*Errorか、通信エラーを返す。
type Provider interface {
	// Authenticate はメールアドレスとパスワードでトークンを発行する。
	Authenticate(ctx context.Context, email, password string) (*Tokens, error)
	// CreateIdentity はメタデータ付きでIdentityを作成する。
	CreateIdentity(ctx context.Context, email, password string, attrs model.IdentityAttributes) (*User, error)
	// ExchangeRefreshToken はリフレッシュトークンを新しいトークンに交換する。
	ExchangeRefreshToken(ctx context.Context, refreshToken string) (*Tokens, error)
	// InvalidateSession はサーバー側のセッションを無効化する。
	InvalidateSession(ctx context.Context, accessToken string) error
	// CurrentUser はアクセストークンに紐づくユーザーを取得する。
	CurrentUser(ctx context.Context, accessToken string) (*User, error)
}

// Tokens はIdPが発行したトークン一式。
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         *User
}

// User はIdP上のユーザーレコード。
type User struct {
	ID        string
	Email     string
	Verified  bool
	FirstName string
	LastName  string
	Role      string
}

// Error はIdPが返したエラー応答。
// Codeはプロバイダー固有の値で、Auth Clientの境界でのみ解釈される。
type Error struct {
	Status  int
	Code    string
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	return fmt.Sprintf("identity provider error (status %d, code %q): %s", e.Status, e.Code, e.Message)
}

// Session はトークン一式をローカルのセッション表現に変換する。
func (t *Tokens) Session() *model.Session {
	s := &model.Session{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresAt:    t.ExpiresAt,
	}
	if t.User != nil {
		s.UserID = t.User.ID
		s.User = t.User.Claims()
	}
	return s
}

// Identity はユーザーレコードをIdentityに変換する。
func (u *User) Identity() *model.Identity {
	return &model.Identity{
		UserID:   u.ID,
		Email:    u.Email,
		Verified: u.Verified,
	}
}

// Claims はユーザーレコードをセッションにキャッシュするクレームに変換する。
func (u *User) Claims() *model.UserIdentity {
	return &model.UserIdentity{
		ID:        u.ID,
		Email:     u.Email,
		Verified:  u.Verified,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Role:      model.Role(u.Role),
	}
}
