package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"fulfillment/internal/checkout"
	"fulfillment/models"
)

type basketLineRequest struct {
	SellerID     string          `json:"seller_id" binding:"required"`
	Name         string          `json:"name"`
	Quantity     int             `json:"quantity" binding:"required,min=1"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	UnitWeightKg decimal.Decimal `json:"unit_weight_kg"`
}

func (h *Handler) GetBasket(c *gin.Context) {
	lines, err := h.baskets.Lines(c.Request.Context(), c.Param("shopper_id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"shopper_id": c.Param("shopper_id"), "lines": lines})
}

func (h *Handler) PutBasketLine(c *gin.Context) {
	var req basketLineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	line := models.CartLine{
		ShopperID:    c.Param("shopper_id"),
		ProductID:    c.Param("product_id"),
		SellerID:     req.SellerID,
		Name:         req.Name,
		Quantity:     req.Quantity,
		UnitPrice:    req.UnitPrice,
		UnitWeightKg: req.UnitWeightKg,
	}
	if err := h.baskets.Put(c.Request.Context(), line); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, line)
}

func (h *Handler) RemoveBasketLine(c *gin.Context) {
	if err := h.baskets.Remove(c.Request.Context(), c.Param("shopper_id"), c.Param("product_id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ClearBasket(c *gin.Context) {
	if err := h.baskets.Clear(c.Request.Context(), c.Param("shopper_id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Checkout places the request's lines, or the stored basket when the request
// carries none. The stored basket is cleared once orders exist.
func (h *Handler) Checkout(c *gin.Context) {
	var req checkout.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	ctx := c.Request.Context()

	fromBasket := len(req.Lines) == 0
	if fromBasket {
		lines, err := h.baskets.Lines(ctx, req.ShopperID)
		if err != nil {
			h.writeError(c, err)
			return
		}
		req.Lines = lines
	}

	res, err := h.checkout.Checkout(ctx, req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if fromBasket {
		if err := h.baskets.Clear(ctx, req.ShopperID); err != nil {
			h.logger.Warn("Failed to clear basket after checkout",
				zap.String("shopper_id", req.ShopperID),
				zap.Error(err))
		}
	}
	c.JSON(http.StatusCreated, res)
}

// PaymentWebhook records a signed provider notification and queues every
// order it settles.
func (h *Handler) PaymentWebhook(c *gin.Context) {
	provider := c.Param("provider")
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		h.badRequest(c, err)
		return
	}

	ctx := c.Request.Context()
	outcome, err := h.payments.HandleCallback(ctx, provider, payload, c.GetHeader("X-Signature"))
	if err != nil {
		h.writeError(c, err)
		return
	}

	tx := outcome.Transaction
	if outcome.Applied {
		for _, orderID := range tx.OrderIDs {
			job := models.OrderJob{OrderID: orderID, Reason: "webhook"}
			if err := h.queue.Enqueue(ctx, job); err != nil {
				h.logger.Error("Failed to enqueue order after payment callback",
					zap.String("order_id", orderID),
					zap.String("provider", provider),
					zap.Error(err))
			}
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"reference": tx.Reference,
		"status":    tx.Status,
		"applied":   outcome.Applied,
	})
}
