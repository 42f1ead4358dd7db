// Package middleware содержит HTTP middleware сервиса PharmaLink.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
)

type contextKey string

const userIDKey contextKey = "userID"

const bearerPrefix = "bearer "

// ErrInvalidToken возвращается, если учётные данные отсутствуют или не прошли проверку.
var ErrInvalidToken = errors.New("invalid bearer token")

// UserResolver сопоставляет bearer-токен идентификатору пользователя.
type UserResolver interface {
	ResolveUser(ctx context.Context, token string) (int64, error)
}

// HMACResolver проверяет токены вида <userID>.<hex hmac-sha256(userID)>.
type HMACResolver struct {
	secretKey []byte
}

// NewHMACResolver создаёт резолвер с указанным секретом. Без секрета используется
// случайный ключ, и внешние токены не проходят проверку.
func NewHMACResolver(secret string) *HMACResolver {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			panic("middleware: generate auth key: " + err.Error())
		}
	}

	return &HMACResolver{secretKey: key}
}

// SignToken выпускает токен для пользователя.
func (h *HMACResolver) SignToken(userID int64) string {
	idStr := strconv.FormatInt(userID, 10)
	return idStr + "." + h.sign(idStr)
}

// ResolveUser проверяет подпись токена и возвращает идентификатор пользователя.
func (h *HMACResolver) ResolveUser(_ context.Context, token string) (int64, error) {
	idStr, signature, ok := strings.Cut(token, ".")
	if !ok || idStr == "" || signature == "" {
		return 0, ErrInvalidToken
	}

	if !hmac.Equal([]byte(signature), []byte(h.sign(idStr))) {
		return 0, ErrInvalidToken
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidToken
	}

	return id, nil
}

func (h *HMACResolver) sign(idStr string) string {
	mac := hmac.New(sha256.New, h.secretKey)
	mac.Write([]byte(idStr))
	return hex.EncodeToString(mac.Sum(nil))
}

// AuthMiddleware требует bearer-токен и кладёт идентификатор пользователя в контекст запроса.
type AuthMiddleware struct {
	resolver UserResolver
}

// NewAuthMiddleware создаёт middleware аутентификации.
func NewAuthMiddleware(resolver UserResolver) *AuthMiddleware {
	return &AuthMiddleware{resolver: resolver}
}

// Middleware отвечает 401 при отсутствии или недействительности токена.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			unauthorized(w)
			return
		}

		userID, err := a.resolver.ResolveUser(r.Context(), token)
		if err != nil || userID <= 0 {
			unauthorized(w)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) <= len(bearerPrefix) || !strings.EqualFold(h[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(bearerPrefix):])
	return token, token != ""
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthenticated"})
}

// GetUserIDFromContext извлекает идентификатор пользователя из контекста запроса.
func GetUserIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}

// WithUserID возвращает контекст с идентификатором пользователя.
func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}
