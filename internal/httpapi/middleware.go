package httpapi

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	logx "chatpush/pkg/logx"
)

const ctxUserID = "user_id"

// Claims carried by device tokens. The user id is read from user_id and
// falls back to sub.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id,omitempty"`
}

// GenerateToken issues an HS256 device token.
func GenerateToken(secret, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "pushd",
		},
		UserID: userID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func bearer(c *gin.Context) (string, bool) {
	tok, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	tok = strings.TrimSpace(tok)
	return tok, ok && tok != ""
}

// JWTAuth authenticates device routes and stores the user id.
func JWTAuth(secret string) gin.HandlerFunc {
	key := []byte(secret)
	return func(c *gin.Context) {
		raw, ok := bearer(c)
		if !ok || len(key) == 0 {
			abort(c, http.StatusUnauthorized, "bearer token required")
			return
		}
		claims := &Claims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(_ *jwt.Token) (any, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			abort(c, http.StatusUnauthorized, "invalid token")
			return
		}
		uid := claims.UserID
		if uid == "" {
			uid = claims.Subject
		}
		if strings.TrimSpace(uid) == "" {
			abort(c, http.StatusUnauthorized, "token has no user")
			return
		}
		c.Set(ctxUserID, uid)
		c.Next()
	}
}

// InternalAuth guards service-to-service routes with a static token.
func InternalAuth(token string) gin.HandlerFunc {
	want := []byte(token)
	return func(c *gin.Context) {
		raw, ok := bearer(c)
		if !ok || len(want) == 0 || subtle.ConstantTimeCompare([]byte(raw), want) != 1 {
			abort(c, http.StatusUnauthorized, "invalid internal token")
			return
		}
		c.Next()
	}
}

func userID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

// Recovery turns handler panics into 500s.
func Recovery(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("handler panicked",
					logx.String("method", c.Request.Method),
					logx.String("path", c.Request.URL.Path),
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				abort(c, http.StatusInternalServerError, "internal error")
			}
		}()
		c.Next()
	}
}

// AccessLog logs each request at debug level and failures at warn.
func AccessLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
		}
		if status >= http.StatusInternalServerError {
			log.Warn("request failed", fields...)
			return
		}
		log.Debug("request", fields...)
	}
}

func abort(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}
