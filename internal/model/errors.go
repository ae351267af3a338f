// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// ErrorKind は認証レイヤーの安定したエラー分類を表す。
// IdPの生のエラーコードはAuth Clientの境界で一度だけこの分類に変換される。
type ErrorKind string

const (
	KindInvalidCredentials        ErrorKind = "INVALID_CREDENTIALS"
	KindEmailAlreadyInUse         ErrorKind = "EMAIL_ALREADY_IN_USE"
	KindUserNotFound              ErrorKind = "USER_NOT_FOUND"
	KindValidation                ErrorKind = "VALIDATION_ERROR"
	KindDuplicateResource         ErrorKind = "DUPLICATE_RESOURCE"
	KindSessionExpired            ErrorKind = "SESSION_EXPIRED"
	KindNetwork                   ErrorKind = "NETWORK_ERROR"
	KindTimeout                   ErrorKind = "TIMEOUT"
	KindProfileProvisioningFailed ErrorKind = "PROFILE_PROVISIONING_FAILED"
	KindUnknown                   ErrorKind = "UNKNOWN"
)

// AuthError は失敗した操作に付与される分類済みエラー。
type AuthError struct {
	Kind    ErrorKind
	Code    string // IdPまたはストアが返した元のコード（ログ用）
	Message string
	UserID  string // KindProfileProvisioningFailed の場合に作成済みIdentityのIDを保持する
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.UserID != "" {
		return fmt.Sprintf("[%s] %s (user_id=%s)", e.Kind, msg, e.UserID)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, msg)
}

// Unwrap は元のエラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is は分類が一致するAuthErrorと等価とみなす。
// errors.Is(err, model.ErrSessionExpired) の形で判定できる。
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// 分類判定用のセンチネル。errors.Isでの比較にのみ使用する。
var (
	ErrInvalidCredentials        = &AuthError{Kind: KindInvalidCredentials}
	ErrEmailAlreadyInUse         = &AuthError{Kind: KindEmailAlreadyInUse}
	ErrUserNotFound              = &AuthError{Kind: KindUserNotFound}
	ErrValidation                = &AuthError{Kind: KindValidation}
	ErrDuplicateResource         = &AuthError{Kind: KindDuplicateResource}
	ErrSessionExpired            = &AuthError{Kind: KindSessionExpired}
	ErrNetwork                   = &AuthError{Kind: KindNetwork}
	ErrTimeout                   = &AuthError{Kind: KindTimeout}
	ErrProfileProvisioningFailed = &AuthError{Kind: KindProfileProvisioningFailed}
	ErrUnknown                   = &AuthError{Kind: KindUnknown}
)

// NewAuthError はAuthErrorを生成する。
func NewAuthError(kind ErrorKind, message string, err error) *AuthError {
	return &AuthError{Kind: kind, Message: message, Err: err}
}

// NewSessionExpiredError はセッション失効エラーを生成する。
func NewSessionExpiredError(err error) *AuthError {
	return &AuthError{
		Kind:    KindSessionExpired,
		Message: "session expired",
		Err:     err,
	}
}

// NewProfileProvisioningFailedError はIdentity作成後にProfile作成が失敗した状態を表すエラーを生成する。
func NewProfileProvisioningFailedError(userID string, err error) *AuthError {
	return &AuthError{
		Kind:    KindProfileProvisioningFailed,
		Message: "identity was created but profile creation failed",
		UserID:  userID,
		Err:     err,
	}
}

// KindOf はエラーチェーン中の最初のAuthErrorの分類を返す。
// AuthErrorを含まない場合はKindUnknownを返す。
func KindOf(err error) ErrorKind {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return KindUnknown
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, provisioning, system
	Action   string // ユーザー向け対処方法
	UserID   string // プロフィール再作成の対象ユーザー
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewAPIError はAuthErrorを画面表示用のAPIErrorに変換する。
// 表示文言はUI側の関心事のため、ここではカテゴリと対処方法のみを決める。
func NewAPIError(err error) *APIError {
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		return &APIError{
			Code:     string(KindUnknown),
			Message:  "予期しないエラーが発生しました。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
		}
	}

	apiErr := &APIError{
		Code:    string(authErr.Kind),
		Message: authErr.Message,
	}

	switch authErr.Kind {
	case KindInvalidCredentials:
		apiErr.Category = "auth"
		apiErr.Action = "メールアドレスとパスワードを確認してください。"
	case KindEmailAlreadyInUse:
		apiErr.Category = "auth"
		apiErr.Action = "既存のアカウントでログインしてください。"
	case KindUserNotFound:
		apiErr.Category = "auth"
		apiErr.Action = "アカウントを作成してください。"
	case KindValidation:
		apiErr.Category = "validation"
		apiErr.Action = "入力内容を確認してください。"
	case KindDuplicateResource:
		apiErr.Category = "validation"
		apiErr.Action = "既に登録されています。"
	case KindSessionExpired:
		apiErr.Category = "auth"
		apiErr.Action = "ログインし直してください。"
	case KindNetwork, KindTimeout:
		apiErr.Category = "system"
		apiErr.Action = "通信環境を確認し、しばらく待ってから再度お試しください。"
	case KindProfileProvisioningFailed:
		apiErr.Category = "provisioning"
		apiErr.Action = "アカウントは作成済みです。プロフィールの作成を再試行してください。"
		apiErr.UserID = authErr.UserID
	default:
		apiErr.Category = "system"
		apiErr.Action = "しばらく待ってから再度お試しください。"
	}

	return apiErr
}
