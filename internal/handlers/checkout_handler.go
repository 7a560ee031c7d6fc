package handlers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-checkout-lock/internal/cart"
	"github.com/imrishuroy/go-checkout-lock/internal/idempotency"
	"github.com/imrishuroy/go-checkout-lock/internal/lock"
	"github.com/imrishuroy/go-checkout-lock/internal/validation"
)

func (h *handler) registerCheckoutRoutes(r *gin.RouterGroup) {
	r.POST("/checkout/start", h.startCheckout)
	r.GET("/checkout/status", h.cartStatus)
	r.GET("/checkout/:lock_id", h.getLock)
	r.POST("/checkout/:lock_id/heartbeat", h.heartbeat)
	r.POST("/checkout/:lock_id/complete", requireInternal, h.complete)
	r.POST("/checkout/:lock_id/fail", h.fail)
	r.POST("/checkout/:lock_id/resume", h.resume)
}

type checkoutResponse struct {
	Status        string    `json:"status"`
	Replayed      bool      `json:"replayed"`
	OrderID       string    `json:"order_id,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Lock          lock.View `json:"lock"`
}

// startCheckout runs ThrottleGate, then IdempotencyGuard, then acquire. Only a
// newly created lock is handed to the pipeline.
func (h *handler) startCheckout(c *gin.Context) {
	ctx := c.Request.Context()

	var req validation.StartCheckoutRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey))
	if err := lock.ValidateIdempotencyKey(key); err != nil {
		respondError(c, err)
		return
	}
	caller := callerFrom(c)
	if caller.SessionID == "" {
		respondError(c, &lock.ValidationError{Field: "session_id", Reason: "required"})
		return
	}

	if err := h.cfg.Gate.Allow(ctx, clientIdentity(c), req.CartID); err != nil {
		respondError(c, err)
		return
	}

	// a known key is answered before looking at the cart, which may have
	// changed or been emptied by the original attempt
	known, err := h.cfg.Guard.Lookup(ctx, req.CartID, key, caller)
	if err != nil {
		respondError(c, err)
		return
	}
	if known != nil {
		h.respondOutcome(c, known)
		return
	}

	snapshot, fingerprint, err := h.cfg.Carts.Snapshot(ctx, req.CartID, caller)
	if err != nil {
		respondError(c, err)
		return
	}
	if len(snapshot.Lines) == 0 {
		respondError(c, &lock.ValidationError{Field: "cart_id", Reason: "cart is empty"})
		return
	}

	out, err := h.cfg.Guard.Begin(ctx, lock.AcquireRequest{
		CartID:          req.CartID,
		SessionID:       caller.SessionID,
		UserID:          caller.UserID,
		IdempotencyKey:  key,
		CartFingerprint: fingerprint,
		Phase:           req.Phase,
		Metadata:        req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	if out.Status == idempotency.StatusCreated {
		if err := h.dispatch(ctx, out.Lock); err != nil {
			respondError(c, err)
			return
		}
	}
	h.respondOutcome(c, out)
}

// dispatch hands the lock to the pipeline. If that fails the lock is failed
// right away so the cart is not held by a checkout nobody is running.
func (h *handler) dispatch(ctx context.Context, l *lock.Lock) error {
	if h.cfg.Dispatcher == nil {
		return nil
	}
	err := h.cfg.Dispatcher.Dispatch(ctx, l)
	if err == nil {
		return nil
	}
	if _, ferr := h.cfg.Manager.Fail(ctx, l.ID, lock.System, "dispatch failed"); ferr != nil {
		log.Printf("[api] fail undispatched lock=%s: %v", l.ID, ferr)
	}
	return fmt.Errorf("dispatch lock %s: %w", l.ID, err)
}

func (h *handler) respondOutcome(c *gin.Context, out *idempotency.Outcome) {
	status := http.StatusOK
	if out.Status == idempotency.StatusCreated {
		status = http.StatusCreated
		c.Header("Location", "/checkout/"+out.Lock.ID)
	}
	c.JSON(status, checkoutResponse{
		Status:        out.Status,
		Replayed:      out.Replayed,
		OrderID:       out.OrderID,
		FailureReason: out.FailureReason,
		Lock:          h.describe(c.Request.Context(), out.Lock),
	})
}

// describe renders a lock against the cart's current fingerprint.
func (h *handler) describe(ctx context.Context, l *lock.Lock) lock.View {
	fp, err := h.cfg.Carts.Fingerprint(ctx, l.CartID)
	if err != nil && !errors.Is(err, cart.ErrNotFound) {
		log.Printf("[api] fingerprint cart=%s: %v", l.CartID, err)
	}
	return h.cfg.Reporter.Describe(l, fp)
}

func (h *handler) cartStatus(c *gin.Context) {
	ctx := c.Request.Context()
	cartID := strings.TrimSpace(c.Query("cart_id"))
	if cartID == "" {
		respondError(c, &lock.ValidationError{Field: "cart_id", Reason: "is required"})
		return
	}
	fp, err := h.cfg.Carts.Fingerprint(ctx, cartID)
	if err != nil && !errors.Is(err, cart.ErrNotFound) {
		respondError(c, err)
		return
	}
	status, err := h.cfg.Reporter.CartStatus(ctx, cartID, fp)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *handler) getLock(c *gin.Context) {
	ctx := c.Request.Context()
	l, err := h.cfg.Manager.Get(ctx, c.Param("lock_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !l.HeldBy(callerFrom(c)) {
		respondError(c, &lock.SessionMismatchError{LockID: l.ID})
		return
	}
	c.JSON(http.StatusOK, h.describe(ctx, l))
}

func (h *handler) heartbeat(c *gin.Context) {
	ctx := c.Request.Context()
	var req validation.HeartbeatRequest
	if err := validation.BindOptional(c, &req, h.v); err != nil {
		return
	}
	l, err := h.cfg.Manager.Renew(ctx, c.Param("lock_id"), callerFrom(c), req.Phase)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.describe(ctx, l))
}

func (h *handler) complete(c *gin.Context) {
	ctx := c.Request.Context()
	var req validation.CompleteRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	l, err := h.cfg.Manager.Complete(ctx, c.Param("lock_id"), lock.System, lock.Result{
		OrderID:  req.OrderID,
		Metadata: req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.describe(ctx, l))
}

// fail records a failure. Without the internal key the only accepted reason
// is "cancelled" from the owning session.
func (h *handler) fail(c *gin.Context) {
	ctx := c.Request.Context()
	var req validation.FailRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	l, err := h.cfg.Manager.Fail(ctx, c.Param("lock_id"), callerFrom(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.describe(ctx, l))
}

func (h *handler) resume(c *gin.Context) {
	ctx := c.Request.Context()
	var req validation.ResumeRequest
	if err := validation.BindOptional(c, &req, h.v); err != nil {
		return
	}
	caller := callerFrom(c)

	prev, err := h.cfg.Manager.Get(ctx, c.Param("lock_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.cfg.Gate.Allow(ctx, clientIdentity(c), prev.CartID); err != nil {
		respondError(c, err)
		return
	}

	// the fingerprint check needs the cart as stored now, not a cached value
	_, fingerprint, err := h.cfg.Carts.Snapshot(ctx, prev.CartID, caller)
	if err != nil {
		respondError(c, err)
		return
	}
	acq, err := h.cfg.Manager.Resume(ctx, lock.ResumeRequest{
		LockID:          prev.ID,
		Caller:          caller,
		IdempotencyKey:  req.IdempotencyKey,
		CartFingerprint: fingerprint,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	out := &idempotency.Outcome{Status: idempotency.StatusCreated, Lock: acq.Lock, Replayed: acq.Replayed}
	if acq.Replayed {
		out.Status = idempotency.StatusProcessing
		if acq.Lock.State != lock.StateActive {
			out.Status = string(acq.Lock.State)
		}
	} else if err := h.dispatch(ctx, acq.Lock); err != nil {
		respondError(c, err)
		return
	}
	h.respondOutcome(c, out)
}
