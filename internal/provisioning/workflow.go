// Package provisioning はアカウント作成（Identity作成→Profile作成）の2段階処理を提供する。
package provisioning

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/aizily/internal/logger"
	"github.com/hitoshi/aizily/internal/model"
	"github.com/hitoshi/aizily/internal/repository"
)

// SignUpper はIdentity作成のインターフェース。auth.Clientが実装する。
type SignUpper interface {
	SignUp(ctx context.Context, email, password string, attrs model.IdentityAttributes) (*model.Identity, error)
}

// Recorder はプロビジョニングのメトリクスを記録するインターフェース。
type Recorder interface {
	RecordProvisioningFailure()
}

// SignUpRequest はアカウント作成の入力。
// パスワードの最小長などフォーム境界の検証は呼び出し元で済んでいる前提とする。
type SignUpRequest struct {
	Email     string
	Password  string
	FirstName string
	LastName  string
	Role      model.Role
}

// ProfileRequest はプロフィール作成の入力。
type ProfileRequest struct {
	FirstName string
	LastName  string
	Role      model.Role
}

// Account は作成されたIdentityとProfileの組。
type Account struct {
	Identity *model.Identity
	Profile  *model.Profile
}

// Workflow はアカウント作成のオーケストレーター。
// ローカルセッションは確立しない（メール確認待ちの可能性があるため、サインインは呼び出し元が判断する）。
type Workflow struct {
	auth     SignUpper
	profiles repository.ProfileRepository
	logger   *slog.Logger
	metrics  Recorder
	now      func() time.Time

	// Profile作成に失敗したIdentity。RetryProfileの対象はここに記録されたものに限る。
	mu      sync.Mutex
	pending map[string]model.Identity
}

// Option はWorkflowのオプション。
type Option func(*Workflow)

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(w *Workflow) { w.logger = l }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(r Recorder) Option {
	return func(w *Workflow) { w.metrics = r }
}

// WithClock は時刻の取得元を設定する。
func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

// NewWorkflow はWorkflowを生成する。
func NewWorkflow(auth SignUpper, profiles repository.ProfileRepository, opts ...Option) *Workflow {
	w := &Workflow{
		auth:     auth,
		profiles: profiles,
		logger:   slog.Default(),
		now:      time.Now,
		pending:  make(map[string]model.Identity),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ProvisionAccount はIdentityを作成し、続けてProfileを作成する。
//
// Identity作成に失敗した場合はそのエラーを返し、Profileは作成しない。
// Profile作成に失敗した場合、Identityは既に存在するため
// KindProfileProvisioningFailed（UserID付き）を返す。自動リトライやIdentityの削除は行わない。
func (w *Workflow) ProvisionAccount(ctx context.Context, req SignUpRequest) (*Account, error) {
	if !req.Role.Valid() {
		return nil, model.NewAuthError(model.KindValidation, "role must be parent or student", nil)
	}

	ident, err := w.auth.SignUp(ctx, req.Email, req.Password, model.IdentityAttributes{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Role:      req.Role,
	})
	if err != nil {
		return nil, err
	}

	profile, err := w.insertProfile(ctx, ident, ProfileRequest{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Role:      req.Role,
	})
	if err != nil {
		return nil, w.provisioningFailed(ident, err)
	}

	w.logger.Info("account provisioned",
		slog.String("user_id", ident.UserID),
		slog.String("role", string(profile.Role)),
	)
	return &Account{Identity: ident, Profile: profile}, nil
}

// RetryProfile はKindProfileProvisioningFailedの後にProfile作成のみを再試行する。
// 対象はこのWorkflowでProfile作成に失敗したIdentityに限り、メールアドレスはIdentityのものを使う。
// 既に同じユーザーのProfileが存在する場合は作成済みとして扱い、それを返す。
func (w *Workflow) RetryProfile(ctx context.Context, userID string, req ProfileRequest) (*Account, error) {
	if userID == "" {
		return nil, model.NewAuthError(model.KindValidation, "user id is required", nil)
	}
	if !req.Role.Valid() {
		return nil, model.NewAuthError(model.KindValidation, "role must be parent or student", nil)
	}

	ident, ok := w.pendingIdentity(userID)
	if !ok {
		return nil, model.NewAuthError(model.KindUserNotFound, "no pending profile for user", nil)
	}

	profile, err := w.insertProfile(ctx, ident, req)
	if err != nil {
		if errors.Is(err, model.ErrDuplicateResource) {
			existing, findErr := w.profiles.FindByID(ctx, ident.UserID)
			if findErr == nil && existing != nil {
				w.resolve(ident.UserID)
				w.logger.Info("profile already provisioned", slog.String("user_id", ident.UserID))
				return &Account{Identity: ident, Profile: existing}, nil
			}
		}
		return nil, w.provisioningFailed(ident, err)
	}
	w.resolve(ident.UserID)

	w.logger.Info("profile provisioned on retry",
		slog.String("user_id", ident.UserID),
		slog.String("role", string(profile.Role)),
	)
	return &Account{Identity: ident, Profile: profile}, nil
}

// insertProfile はIdentityに対応するProfileを組み立てて保存する。
func (w *Workflow) insertProfile(ctx context.Context, ident *model.Identity, req ProfileRequest) (*model.Profile, error) {
	now := w.now().UTC()
	profile := &model.Profile{
		UserID:    ident.UserID,
		Email:     ident.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Role:      req.Role,
		// 保護者はサインアップフォームで必要情報を入力済みのためオンボーディング完了とする
		OnboardingComplete: req.Role == model.RoleParent,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := w.profiles.InsertProfile(ctx, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

func (w *Workflow) pendingIdentity(userID string) (*model.Identity, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	ident, ok := w.pending[userID]
	if !ok {
		return nil, false
	}
	return &ident, true
}

func (w *Workflow) resolve(userID string) {
	w.mu.Lock()
	delete(w.pending, userID)
	w.mu.Unlock()
}

func (w *Workflow) provisioningFailed(ident *model.Identity, err error) error {
	w.mu.Lock()
	w.pending[ident.UserID] = *ident
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.RecordProvisioningFailure()
	}
	w.logger.Error("profile provisioning failed",
		slog.String("user_id", ident.UserID),
		slog.String("email", logger.MaskEmail(ident.Email)),
		slog.String("cause", string(model.KindOf(err))),
		slog.String("error", err.Error()),
	)
	return model.NewProfileProvisioningFailedError(ident.UserID, err)
}
