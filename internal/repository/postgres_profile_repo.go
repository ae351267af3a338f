package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/aizily/internal/model"
)

// PostgreSQLのエラーコード
const (
	pgUniqueViolation     pq.ErrorCode = "23505"
	pgCheckViolation      pq.ErrorCode = "23514"
	pgNotNullViolation    pq.ErrorCode = "23502"
	pgInvalidTextRepr     pq.ErrorCode = "22P02"
	pgForeignKeyViolation pq.ErrorCode = "23503"
)

// PostgresProfileRepo はPostgreSQLを使用したプロフィールリポジトリ。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// InsertProfile はusersテーブルにプロフィールを作成する。
func (r *PostgresProfileRepo) InsertProfile(ctx context.Context, p *model.Profile) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, email, first_name, last_name, role, has_completed_onboarding, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.UserID, p.Email, p.FirstName, p.LastName, string(p.Role), p.OnboardingComplete, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return classifyPQError("insert profile", err)
	}
	return nil
}

// FindByID は指定ユーザーIDのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, userID string) (*model.Profile, error) {
	p := &model.Profile{}
	var role string
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, first_name, last_name, role, has_completed_onboarding, created_at, updated_at
		 FROM users WHERE id = $1`,
		userID,
	).Scan(&p.UserID, &p.Email, &p.FirstName, &p.LastName, &role, &p.OnboardingComplete, &p.CreatedAt, &p.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classifyPQError("find profile by ID", err)
	}
	p.Role = model.Role(role)
	return p, nil
}

// classifyPQError はPostgreSQLのエラーを分類済みエラーに変換する。
// 分類できないエラーはそのままラップして返す。
func classifyPQError(op string, err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	var kind model.ErrorKind
	switch pqErr.Code {
	case pgUniqueViolation:
		kind = model.KindDuplicateResource
	case pgCheckViolation, pgNotNullViolation, pgInvalidTextRepr, pgForeignKeyViolation:
		kind = model.KindValidation
	default:
		return fmt.Errorf("failed to %s: %w", op, err)
	}

	return &model.AuthError{
		Kind:    kind,
		Code:    string(pqErr.Code),
		Message: fmt.Sprintf("failed to %s: %s", op, pqErr.Message),
		Err:     err,
	}
}
