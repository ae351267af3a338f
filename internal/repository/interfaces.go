// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/aizily/internal/model"
)

// ProfileRepository はプロフィールの永続化インターフェース。
type ProfileRepository interface {
	// InsertProfile はプロフィールを作成する。
	// 同一ユーザーIDのプロフィールが既に存在する場合はKindDuplicateResourceのエラーを返す。
	InsertProfile(ctx context.Context, profile *model.Profile) error

	// FindByID は指定ユーザーIDのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, userID string) (*model.Profile, error)
}
