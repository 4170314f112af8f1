package api

import (
	"net/http"
	"time"

	"docchat/internal/domain/pipeline"
	applog "docchat/internal/platform/log"
)

// SessionHandler 访客会话
type SessionHandler struct {
	svc        *pipeline.Service
	jwt        *JWTConfig
	trustProxy bool
}

// NewSessionHandler 创建会话处理器
func NewSessionHandler(svc *pipeline.Service, jwt *JWTConfig, trustProxy bool) *SessionHandler {
	return &SessionHandler{svc: svc, jwt: jwt, trustProxy: trustProxy}
}

type sessionResponse struct {
	Token     string             `json:"token"`
	ExpiresAt time.Time          `json:"expiresAt"`
	User      *pipeline.Identity `json:"user"`
}

// Me 按 ip + UA 解析或创建访客身份，并签发 token
func (h *SessionHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, err := h.svc.ResolveGuest(r.Context(), clientIP(r, h.trustProxy), r.UserAgent())
	if err != nil {
		writeServiceError(w, err)
		return
	}

	token, expiresAt, err := signToken(h.jwt, identity, time.Now())
	if err != nil {
		applog.Error("[Session] Token signing failed", "error", err)
		writeErrorCode(w, http.StatusInternalServerError, "internal_error", "Failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, &sessionResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      identity,
	})
}
