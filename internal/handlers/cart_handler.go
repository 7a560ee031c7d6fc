package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/go-checkout-lock/internal/cart"
	"github.com/imrishuroy/go-checkout-lock/internal/validation"
)

func (h *handler) registerCartRoutes(r *gin.RouterGroup) {
	r.GET("/carts/:cart_id", h.getCart)
	r.POST("/carts/:cart_id/lines", h.addLine)
	r.PUT("/carts/:cart_id/lines/:sku", h.setQuantity)
	r.DELETE("/carts/:cart_id/lines/:sku", h.removeLine)
	r.PUT("/carts/:cart_id/discount", h.applyDiscount)
	r.DELETE("/carts/:cart_id/discount", h.removeDiscount)
	r.PUT("/carts/:cart_id/address", h.setAddress)
}

type cartResponse struct {
	*cart.Cart
	Subtotal    string `json:"subtotal"`
	Fingerprint string `json:"fingerprint"`
}

func respondCart(c *gin.Context, ct *cart.Cart) {
	c.JSON(http.StatusOK, cartResponse{
		Cart:        ct,
		Subtotal:    ct.Subtotal().StringFixed(2),
		Fingerprint: ct.Fingerprint(),
	})
}

func (h *handler) getCart(c *gin.Context) {
	ct, err := h.cfg.Carts.Get(c.Request.Context(), c.Param("cart_id"), callerFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondCart(c, ct)
}

func (h *handler) addLine(c *gin.Context) {
	var req validation.AddLineRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	price, err := decimal.NewFromString(req.UnitPrice)
	if err != nil {
		// unreachable after the money validator
		respondError(c, err)
		return
	}
	ct, err := h.cfg.Carts.AddLine(c.Request.Context(), c.Param("cart_id"), callerFrom(c), req.SKU, req.Quantity, price)
	if err != nil {
		respondError(c, err)
		return
	}
	respondCart(c, ct)
}

func (h *handler) setQuantity(c *gin.Context) {
	var req validation.SetQuantityRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	ct, err := h.cfg.Carts.SetQuantity(c.Request.Context(), c.Param("cart_id"), callerFrom(c), c.Param("sku"), *req.Quantity)
	if err != nil {
		respondError(c, err)
		return
	}
	respondCart(c, ct)
}

func (h *handler) removeLine(c *gin.Context) {
	ct, err := h.cfg.Carts.RemoveLine(c.Request.Context(), c.Param("cart_id"), callerFrom(c), c.Param("sku"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondCart(c, ct)
}

func (h *handler) applyDiscount(c *gin.Context) {
	var req validation.DiscountRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	ct, err := h.cfg.Carts.ApplyDiscount(c.Request.Context(), c.Param("cart_id"), callerFrom(c), req.Code)
	if err != nil {
		respondError(c, err)
		return
	}
	respondCart(c, ct)
}

func (h *handler) removeDiscount(c *gin.Context) {
	ct, err := h.cfg.Carts.RemoveDiscount(c.Request.Context(), c.Param("cart_id"), callerFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondCart(c, ct)
}

func (h *handler) setAddress(c *gin.Context) {
	var req validation.AddressRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	ct, err := h.cfg.Carts.SetAddress(c.Request.Context(), c.Param("cart_id"), callerFrom(c), cart.Address{
		Name:       req.Name,
		Line1:      req.Line1,
		Line2:      req.Line2,
		City:       req.City,
		Region:     req.Region,
		PostalCode: req.PostalCode,
		Country:    req.Country,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondCart(c, ct)
}
