package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"docchat/internal/domain/pipeline"
	applog "docchat/internal/platform/log"
)

// JWTConfig JWT 鉴权配置
type JWTConfig struct {
	Secret string        // HMAC 签名密钥
	Issuer string        // 可选签发者校验
	TTL    time.Duration // 访客 token 有效期
}

// sessionClaims 访客 token 载荷
type sessionClaims struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	Type      string `json:"type"`
	jwt.RegisteredClaims
}

// signToken 为身份签发 HS256 token
func signToken(cfg *JWTConfig, identity *pipeline.Identity, now time.Time) (string, time.Time, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	expiresAt := now.Add(ttl)
	claims := sessionClaims{
		ID:        identity.ID,
		SessionID: identity.SessionID,
		Type:      string(identity.Kind),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.ID,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// authMiddleware JWT 鉴权中间件
// 验证 Authorization: Bearer <token> 并把身份注入 context
func authMiddleware(cfg *JWTConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Invalid Authorization header format")
				return
			}

			parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
			if cfg.Issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
			}

			var claims sessionClaims
			token, err := jwt.ParseWithClaims(parts[1], &claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return []byte(cfg.Secret), nil
			}, parserOpts...)

			if errors.Is(err, jwt.ErrTokenExpired) {
				writeErrorBody(w, &ErrorResponse{
					Code:     http.StatusUnauthorized,
					Error:    "token_expired",
					Message:  "Session expired, request a new token",
					Expired:  true,
					Redirect: "/api/me",
				})
				return
			}
			if err != nil || !token.Valid {
				applog.Warn("[Auth] Invalid JWT token", "error", err)
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Invalid token")
				return
			}

			kind, err := pipeline.ParseIdentityKind(claims.Type)
			if err != nil || claims.ID == "" {
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Invalid token claims")
				return
			}

			identity := &pipeline.Identity{
				ID:        claims.ID,
				Kind:      kind,
				SessionID: claims.SessionID,
			}
			applog.Debug("[Auth] Identity injected", "identity_id", identity.ID, "type", identity.Kind)

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}
