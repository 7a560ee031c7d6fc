package handlers

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/imrishuroy/go-checkout-lock/internal/lock"
	"github.com/imrishuroy/go-checkout-lock/internal/metrics"
)

const (
	HeaderSession        = "X-Session-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderAPIKey         = "X-API-KEY"

	ctxSessionID = "session_id"
	ctxUserID    = "user_id"
	ctxInternal  = "internal"
)

// identity puts the explicit caller identity on the context: the session
// header and, when a bearer token is presented, its subject as user_id.
func identity(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxSessionID, strings.TrimSpace(c.GetHeader(HeaderSession)))

		auth := c.GetHeader("Authorization")
		if secret == "" || !strings.HasPrefix(auth, "Bearer ") {
			c.Next()
			return
		}
		userID, err := parseUserID(strings.TrimPrefix(auth, "Bearer "), secret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			c.Abort()
			return
		}
		c.Set(ctxUserID, userID)
		c.Next()
	}
}

func parseUserID(tokenString, secret string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid token signing method")
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid or expired token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid token claims")
	}
	if uid, ok := claims["user_id"].(string); ok && uid != "" {
		return uid, nil
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

// internalKey marks requests carrying the internal API key. It never rejects;
// requireInternal does.
func internalKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderAPIKey)
		if key != "" && got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(key)) == 1 {
			c.Set(ctxInternal, true)
		}
		c.Next()
	}
}

func requireInternal(c *gin.Context) {
	if !c.GetBool(ctxInternal) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or missing API key"})
		c.Abort()
		return
	}
	c.Next()
}

func callerFrom(c *gin.Context) lock.Caller {
	return lock.Caller{
		SessionID: c.GetString(ctxSessionID),
		UserID:    c.GetString(ctxUserID),
		Internal:  c.GetBool(ctxInternal),
	}
}

// clientIdentity is the throttle key of the first tier: the session when
// there is one, the client IP otherwise.
func clientIdentity(c *gin.Context) string {
	if s := c.GetString(ctxSessionID); s != "" {
		return "session:" + s
	}
	return "ip:" + c.ClientIP()
}

func requestMetrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.Request(route, strconv.Itoa(c.Writer.Status()), float64(time.Since(start).Microseconds())/1000)
	}
}
