package handlers

import (
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-checkout-lock/internal/cart"
	"github.com/imrishuroy/go-checkout-lock/internal/lock"
	"github.com/imrishuroy/go-checkout-lock/internal/throttle"
)

// respondError maps the error taxonomy onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	var (
		validationErr  *lock.ValidationError
		conflictErr    *lock.LockConflictError
		notFoundErr    *lock.LockNotFoundError
		expiredErr     *lock.LockExpiredError
		mismatchErr    *lock.SessionMismatchError
		fingerprintErr *lock.FingerprintMismatchError
		resumeErr      *lock.ResumeNotAllowedError
		throttledErr   *throttle.ThrottledError
	)

	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "validation_failed",
			"fields": gin.H{validationErr.Field: validationErr.Reason},
		})
	case errors.As(err, &conflictErr):
		c.JSON(http.StatusConflict, gin.H{"error": "lock_conflict", "msg": err.Error(), "lock_id": conflictErr.LockID})
	case errors.As(err, &fingerprintErr):
		c.JSON(http.StatusConflict, gin.H{"error": "fingerprint_mismatch", "msg": err.Error()})
	case errors.As(err, &resumeErr):
		c.JSON(http.StatusConflict, gin.H{"error": "resume_not_allowed", "msg": err.Error()})
	case errors.As(err, &notFoundErr):
		c.JSON(http.StatusNotFound, gin.H{"error": "lock_not_found", "msg": err.Error()})
	case errors.Is(err, cart.ErrNotFound), errors.Is(err, cart.ErrNoLine):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "msg": err.Error()})
	case errors.As(err, &expiredErr):
		c.JSON(http.StatusGone, gin.H{"error": "lock_expired", "msg": err.Error(), "state": expiredErr.State})
	case errors.As(err, &mismatchErr), errors.Is(err, cart.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": "session_mismatch", "msg": err.Error()})
	case errors.As(err, &throttledErr):
		secs := int(math.Ceil(throttledErr.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "throttled", "scope": throttledErr.Scope, "retry_after": secs})
	default:
		log.Printf("[api] %s %s: %v", c.Request.Method, c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
