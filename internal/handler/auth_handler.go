// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/aizily/internal/model"
	"github.com/hitoshi/aizily/internal/provisioning"
)

// AuthClientInterface は認証ハンドラーが必要とするAuth Clientのインターフェース。
type AuthClientInterface interface {
	SignIn(ctx context.Context, email, password string) (*model.Session, error)
	GetSession(ctx context.Context) (*model.Session, error)
	Refresh(ctx context.Context) (*model.Session, error)
	SignOut(ctx context.Context) error
	GetCurrentUser(ctx context.Context) (*model.UserIdentity, error)
}

// ProvisionerInterface はアカウント作成のインターフェース。
type ProvisionerInterface interface {
	ProvisionAccount(ctx context.Context, req provisioning.SignUpRequest) (*provisioning.Account, error)
	RetryProfile(ctx context.Context, userID string, req provisioning.ProfileRequest) (*provisioning.Account, error)
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	client      AuthClientInterface
	provisioner ProvisionerInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(client AuthClientInterface, provisioner ProvisionerInterface) *AuthHandler {
	return &AuthHandler{
		client:      client,
		provisioner: provisioner,
	}
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signUpRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
}

// retryProfileRequest はProfile再作成の入力。メールアドレスはIdentityのものを使うため受け取らない。
type retryProfileRequest struct {
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Role      string `json:"role"`
}

// sessionResponse はセッション情報のAPIレスポンス。
// リフレッシュトークンはSession Storeの外に出さない。
type sessionResponse struct {
	Authenticated bool       `json:"authenticated"`
	UserID        string     `json:"user_id,omitempty"`
	AccessToken   string     `json:"access_token,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

type identityResponse struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
}

type profileResponse struct {
	UserID             string    `json:"user_id"`
	Email              string    `json:"email"`
	FirstName          string    `json:"first_name"`
	LastName           string    `json:"last_name"`
	Role               string    `json:"role"`
	OnboardingComplete bool      `json:"onboarding_complete"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

type accountResponse struct {
	Identity identityResponse `json:"identity"`
	Profile  profileResponse  `json:"profile"`
}

type userResponse struct {
	Authenticated bool                `json:"authenticated"`
	User          *model.UserIdentity `json:"user,omitempty"`
}

// SignIn はメールアドレスとパスワードでサインインする。
// POST /auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeInvalidRequest(w, "メールアドレスとパスワードは必須です。")
		return
	}

	s, err := h.client.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(s))
}

// SignUp はIdentityとProfileを作成する。セッションは確立しない。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeInvalidRequest(w, "メールアドレスとパスワードは必須です。")
		return
	}

	acc, err := h.provisioner.ProvisionAccount(r.Context(), provisioning.SignUpRequest{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Role:      model.Role(req.Role),
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(acc))
}

// RetryProfile は作成済みIdentityに対してProfile作成のみを再試行する。
// POST /auth/signup/{userID}/profile
func (h *AuthHandler) RetryProfile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if _, err := uuid.Parse(userID); err != nil {
		handleAuthError(w, r, model.NewAuthError(model.KindValidation, "user id must be a UUID", err))
		return
	}

	var req retryProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	acc, err := h.provisioner.RetryProfile(r.Context(), userID,
		provisioning.ProfileRequest{
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Role:      model.Role(req.Role),
		},
	)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountResponse(acc))
}

// Refresh は保存済みのリフレッシュトークンでセッションを更新する。
// POST /auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	s, err := h.client.Refresh(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(s))
}

// SignOut はサインアウトする。リモートの無効化に失敗してもローカルのセッションはクリア済み。
// POST /auth/signout
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.client.SignOut(r.Context()); err != nil {
		handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Session は現在のセッションを返す。未認証の場合はauthenticated:falseを返す。
// GET /auth/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	s, err := h.client.GetSession(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(s))
}

// User は現在のユーザーのクレームを返す。未認証の場合はauthenticated:falseを返す。
// GET /auth/user
func (h *AuthHandler) User(w http.ResponseWriter, r *http.Request) {
	u, err := h.client.GetCurrentUser(r.Context())
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{Authenticated: u != nil, User: u})
}

func toSessionResponse(s *model.Session) sessionResponse {
	if s == nil {
		return sessionResponse{Authenticated: false}
	}
	expiresAt := s.ExpiresAt
	return sessionResponse{
		Authenticated: true,
		UserID:        s.UserID,
		AccessToken:   s.AccessToken,
		ExpiresAt:     &expiresAt,
	}
}

func toAccountResponse(acc *provisioning.Account) accountResponse {
	return accountResponse{
		Identity: identityResponse{
			UserID:   acc.Identity.UserID,
			Email:    acc.Identity.Email,
			Verified: acc.Identity.Verified,
		},
		Profile: profileResponse{
			UserID:             acc.Profile.UserID,
			Email:              acc.Profile.Email,
			FirstName:          acc.Profile.FirstName,
			LastName:           acc.Profile.LastName,
			Role:               string(acc.Profile.Role),
			OnboardingComplete: acc.Profile.OnboardingComplete,
			CreatedAt:          acc.Profile.CreatedAt,
			UpdatedAt:          acc.Profile.UpdatedAt,
		},
	}
}
