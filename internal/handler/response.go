package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/vibex/internal/middleware"
	"github.com/hitoshi/vibex/internal/model"
)

// maxBodyBytes はJSONリクエストボディの上限。
const maxBodyBytes = 64 << 10

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをvに読み込む。
// 失敗した場合は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewBadRequestError("JSONを解析できません"))
		return false
	}
	return true
}

// requireUserID はコンテキストのユーザーIDを返す。
// 存在しない場合は401を書き込みfalseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeUnauthorized, model.ErrCodeInvalidCredentials:
		return http.StatusUnauthorized
	case model.ErrCodeEmailNotConfirmed, model.ErrCodeNotCreator, model.ErrCodeCSRF:
		return http.StatusForbidden
	case model.ErrCodeEmailTaken, model.ErrCodeUsernameTaken,
		model.ErrCodeAlreadyInVibe, model.ErrCodeTransitionPending,
		model.ErrCodeCreatorCannotLeave, model.ErrCodeEventUnavailable, model.ErrCodeNoActiveVibe:
		return http.StatusConflict
	case model.ErrCodeInvalidSignUp, model.ErrCodePasswordMismatch, model.ErrCodeInvalidConfirmation,
		model.ErrCodeInvalidProfile, model.ErrCodeInvalidEvent, model.ErrCodeOutOfRange,
		model.ErrCodeInvalidMessage, model.ErrCodeInvalidNote, model.ErrCodeBadRequest:
		return http.StatusBadRequest
	case model.ErrCodeProfileNotFound:
		return http.StatusNotFound
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeDataFetchFailed, model.ErrCodeMutationFailed,
		model.ErrCodeSessionFetchFailed, model.ErrCodeProfileResolution:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
