// Package model はドメインモデルを定義する。
package model

import "time"

// Role はプロフィールに記録されるユーザー種別を表す。
type Role string

const (
	// RoleParent は保護者アカウント。
	RoleParent Role = "parent"
	// RoleStudent は生徒（被保護者）アカウント。
	RoleStudent Role = "student"
)

// Valid はサポート対象のロールかどうかを返す。
func (r Role) Valid() bool {
	return r == RoleParent || r == RoleStudent
}

// Session はローカルに保持する認証済みセッションを表す。
// Session Storeが単独で所有し、更新は常に値全体の置き換えで行う。
type Session struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	ExpiresAt    time.Time     `json:"expires_at"`
	UserID       string        `json:"user_id"`
	User         *UserIdentity `json:"user,omitempty"` // GetCurrentUserで取得したクレームのキャッシュ
}

// Expired は指定時刻の時点でセッションが期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// ExpiresWithin は指定時刻からleeway以内に期限切れになるかどうかを返す。
func (s *Session) ExpiresWithin(now time.Time, leeway time.Duration) bool {
	return !now.Add(leeway).Before(s.ExpiresAt)
}

// Clone はセッションのディープコピーを返す。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.User != nil {
		u := *s.User
		c.User = &u
	}
	return &c
}

// Identity はリモートIdP側のアカウントレコードを表す。
// sign up の結果として観測するのみで、ローカルでは作成しない。
type Identity struct {
	UserID   string
	Email    string
	Verified bool
}

// IdentityAttributes はsign up時にIdentityへ添付するメタデータ。
type IdentityAttributes struct {
	FirstName string
	LastName  string
	Role      Role
}

// UserIdentity はセッションから導出するユーザーのクレーム。
type UserIdentity struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Verified  bool   `json:"verified"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Role      Role   `json:"role,omitempty"`
}

// Profile はアプリケーション側のユーザープロフィールを表す。
// UserIDはIdentityへの外部キーであり、Identityなしに存在してはならない。
type Profile struct {
	UserID             string
	Email              string
	FirstName          string
	LastName           string
	Role               Role
	OnboardingComplete bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}
