package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/aizily/internal/middleware"
	"github.com/hitoshi/aizily/internal/model"
)

// maxBodyBytes はリクエストボディの上限。
const maxBodyBytes = 64 << 10

// statusByKind はエラー分類とHTTPステータスの対応表。
var statusByKind = map[model.ErrorKind]int{
	model.KindInvalidCredentials:        http.StatusUnauthorized,
	model.KindEmailAlreadyInUse:         http.StatusConflict,
	model.KindUserNotFound:              http.StatusNotFound,
	model.KindValidation:                http.StatusUnprocessableEntity,
	model.KindDuplicateResource:         http.StatusConflict,
	model.KindSessionExpired:            http.StatusUnauthorized,
	model.KindNetwork:                   http.StatusBadGateway,
	model.KindTimeout:                   http.StatusGatewayTimeout,
	model.KindProfileProvisioningFailed: http.StatusInternalServerError,
	model.KindUnknown:                   http.StatusInternalServerError,
}

// statusForError はエラーに対応するHTTPステータスを返す。
func statusForError(err error) int {
	if status, ok := statusByKind[model.KindOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// handleAuthError はAuthErrorを統一エラーフォーマットで書き込む。
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("kind", string(model.KindOf(err))),
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
	}

	var authErr *model.AuthError
	if !errors.As(err, &authErr) {
		middleware.WriteInternalServerError(w)
		return
	}
	middleware.WriteErrorResponse(w, status, model.NewAPIError(authErr))
}

// writeInvalidRequest はリクエスト形式の不備を400で返す。
func writeInvalidRequest(w http.ResponseWriter, message string) {
	middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  message,
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	})
}

// decodeJSON はリクエストボディをvにデコードする。失敗時は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeInvalidRequest(w, "リクエストボディの解析に失敗しました。")
		return false
	}
	return true
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
