package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"docchat/internal/domain/pipeline"
	applog "docchat/internal/platform/log"
)

// APIResponse 统一 JSON 响应
type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Code         int    `json:"code"`
	Error        string `json:"error"`
	Message      string `json:"message"`
	LimitReached bool   `json:"limitReached,omitempty"`
	Current      *int   `json:"current,omitempty"`
	Limit        *int   `json:"limit,omitempty"`
	Expired      bool   `json:"expired,omitempty"`
	Redirect     string `json:"redirect,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&APIResponse{
		Code:    status,
		Message: "ok",
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(&APIResponse{
		Code:    status,
		Message: message,
	})
}

// writeErrorCode 带错误码的统一错误响应
func writeErrorCode(w http.ResponseWriter, status int, code string, message string) {
	writeErrorBody(w, &ErrorResponse{Code: status, Error: code, Message: message})
}

func writeErrorBody(w http.ResponseWriter, body *ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(body.Code)
	json.NewEncoder(w).Encode(body)
}

// writeServiceError 把流水线错误映射为 HTTP 响应，能力类错误不暴露内部信息
func writeServiceError(w http.ResponseWriter, err error) {
	var quotaErr *pipeline.QuotaExceededError
	switch {
	case errors.As(err, &quotaErr):
		current, limit := quotaErr.Current, quotaErr.Limit
		writeErrorBody(w, &ErrorResponse{
			Code:         http.StatusTooManyRequests,
			Error:        "quota_exceeded",
			Message:      quotaErr.Error(),
			LimitReached: true,
			Current:      &current,
			Limit:        &limit,
		})
	case errors.Is(err, pipeline.ErrAuthRequired):
		writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Authentication required")
	case errors.Is(err, pipeline.ErrEmptyQuery):
		writeErrorCode(w, http.StatusBadRequest, "empty_query", "Query is required")
	case errors.Is(err, pipeline.ErrRegisteredFingerprint):
		writeErrorCode(w, http.StatusBadRequest, "registered_user", "This device belongs to a registered user, please log in")
	case errors.Is(err, pipeline.ErrDuplicateSource):
		writeErrorCode(w, http.StatusConflict, "duplicate_source", "This source has already been uploaded")
	case errors.Is(err, pipeline.ErrIngestInProgress):
		writeErrorCode(w, http.StatusConflict, "ingest_in_progress", "This source is already being processed")
	case errors.Is(err, pipeline.ErrUnsupportedSource):
		writeErrorCode(w, http.StatusBadRequest, "unsupported_source", err.Error())
	default:
		applog.Error("[API] Request failed", "error", err)
		writeErrorCode(w, http.StatusInternalServerError, "internal_error", "Something went wrong, please try again later")
	}
}
