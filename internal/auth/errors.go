package auth

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/hitoshi/aizily/internal/identity"
	"github.com/hitoshi/aizily/internal/model"
)

// providerCodes はIdPのエラーコードと分類の対応表。
// GoTrueのエラーコードと、旧クライアントが扱っていた auth/* 形式のコードを含む。
var providerCodes = map[string]model.ErrorKind{
	"invalid_credentials":          model.KindInvalidCredentials,
	"invalid_grant":                model.KindInvalidCredentials,
	"auth/wrong-password":          model.KindInvalidCredentials,
	"auth/invalid-credential":      model.KindInvalidCredentials,
	"email_not_confirmed":          model.KindInvalidCredentials,
	"email_exists":                 model.KindEmailAlreadyInUse,
	"user_already_exists":          model.KindEmailAlreadyInUse,
	"auth/email-already-in-use":    model.KindEmailAlreadyInUse,
	"user_not_found":               model.KindUserNotFound,
	"auth/user-not-found":          model.KindUserNotFound,
	"weak_password":                model.KindValidation,
	"validation_failed":            model.KindValidation,
	"email_address_invalid":        model.KindValidation,
	"email_address_not_authorized": model.KindValidation,
	"signup_disabled":              model.KindValidation,
	"auth/invalid-email":           model.KindValidation,
	"auth/weak-password":           model.KindValidation,
	"23505":                        model.KindDuplicateResource,
	"pgrst116":                     model.KindUserNotFound,
	"42703":                        model.KindUnknown,
	"conflict":                     model.KindDuplicateResource,
	"session_not_found":            model.KindSessionExpired,
	"session_expired":              model.KindSessionExpired,
	"refresh_token_not_found":      model.KindSessionExpired,
	"refresh_token_already_used":   model.KindSessionExpired,
	"bad_jwt":                      model.KindSessionExpired,
	"no_authorization":             model.KindSessionExpired,
	"request_timeout":              model.KindTimeout,
}

// mapError はIdP由来のエラーを分類済みの*model.AuthErrorに変換する。
// 生のプロバイダーコードを解釈するのはこの関数だけとする。
func mapError(err error) *model.AuthError {
	if err == nil {
		return nil
	}

	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		return authErr
	}

	var perr *identity.Error
	if errors.As(err, &perr) {
		return &model.AuthError{
			Kind:    classifyProviderError(perr),
			Code:    perr.Code,
			Message: perr.Message,
			Err:     err,
		}
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return model.NewAuthError(model.KindTimeout, "identity provider timed out", err)
	case errors.Is(err, context.Canceled):
		return model.NewAuthError(model.KindNetwork, "request was abandoned", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return model.NewAuthError(model.KindTimeout, "identity provider timed out", err)
		}
		return model.NewAuthError(model.KindNetwork, "identity provider unreachable", err)
	}

	return model.NewAuthError(model.KindUnknown, err.Error(), err)
}

// classifyProviderError はコード、次にHTTPステータスの順で分類を決める。
func classifyProviderError(perr *identity.Error) model.ErrorKind {
	if kind, ok := providerCodes[strings.ToLower(perr.Code)]; ok {
		return kind
	}

	switch perr.Status {
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return model.KindTimeout
	case http.StatusBadGateway, http.StatusServiceUnavailable:
		return model.KindNetwork
	case http.StatusUnauthorized:
		return model.KindSessionExpired
	case http.StatusConflict:
		return model.KindDuplicateResource
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		if perr.Code == "" {
			return model.KindValidation
		}
	}
	return model.KindUnknown
}

// storeError はSession Storeの失敗をAuthErrorに変換する。
func storeError(err error) *model.AuthError {
	return model.NewAuthError(model.KindUnknown, "session store failure", err)
}
