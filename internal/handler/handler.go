// Package handler exposes the fulfillment pipeline over HTTP.
package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"fulfillment/internal/apperr"
	"fulfillment/internal/cart"
	"fulfillment/internal/checkout"
	"fulfillment/internal/commission"
	"fulfillment/internal/orders"
	"fulfillment/internal/payment"
	"fulfillment/internal/queue"
)

// HealthCheck probes one dependency for /health.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	baskets     cart.BasketStore
	checkout    *checkout.Orchestrator
	payments    *payment.Service
	orders      *orders.Service
	commissions *commission.Settlement
	queue       queue.Queue
	checks      map[string]HealthCheck
	logger      *zap.Logger
}

func NewHandler(
	baskets cart.BasketStore,
	orchestrator *checkout.Orchestrator,
	payments *payment.Service,
	lifecycle *orders.Service,
	commissions *commission.Settlement,
	q queue.Queue,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		baskets:     baskets,
		checkout:    orchestrator,
		payments:    payments,
		orders:      lifecycle,
		commissions: commissions,
		queue:       q,
		checks:      map[string]HealthCheck{},
		logger:      logger,
	}
}

// WithHealthCheck adds a dependency to /health.
func (h *Handler) WithHealthCheck(name string, check HealthCheck) *Handler {
	h.checks[name] = check
	return h
}

func (h *Handler) Health(c *gin.Context) {
	status := gin.H{"status": "healthy", "service": "fulfillment"}
	code := http.StatusOK
	for name, check := range h.checks {
		if err := check(c.Request.Context()); err != nil {
			h.logger.Warn("Health check failed", zap.String("dependency", name), zap.Error(err))
			status[name] = "unhealthy"
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "healthy"
	}
	c.JSON(code, status)
}

// writeError maps domain errors onto HTTP statuses.
func (h *Handler) writeError(c *gin.Context, err error) {
	var stockErr *apperr.StockError
	switch {
	case errors.As(err, &stockErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":      apperr.ErrInsufficientStock.Error(),
			"product_id": stockErr.ProductID,
			"requested":  stockErr.Requested,
			"available":  stockErr.Available,
		})
		return
	case errors.Is(err, apperr.ErrEmptyCart),
		errors.Is(err, apperr.ErrInvalidCartLine),
		errors.Is(err, apperr.ErrInvalidAddress),
		errors.Is(err, apperr.ErrUnsupportedPaymentMethod),
		errors.Is(err, apperr.ErrCashOnDeliveryLimit),
		errors.Is(err, apperr.ErrInvalidShippingOption),
		errors.Is(err, apperr.ErrInvalidRefund):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, apperr.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": apperr.ErrInvalidSignature.Error()})
	case errors.Is(err, apperr.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, apperr.ErrInsufficientStock),
		errors.Is(err, apperr.ErrInvalidTransition),
		errors.Is(err, apperr.ErrIdempotencyConflict),
		errors.Is(err, apperr.ErrAmountMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, apperr.ErrGatewayTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	case errors.Is(err, apperr.ErrGateway):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":      "internal error",
			"request_id": c.GetString(requestIDKey),
		})
	}
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request format",
		"details": err.Error(),
	})
}
