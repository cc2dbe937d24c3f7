package handler

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"fulfillment/internal/metrics"
)

func NewRouter(h *Handler, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("fulfillment"))
	router.Use(RequestID())
	router.Use(Logger(logger))
	router.Use(metrics.Middleware())

	router.GET("/health", h.Health)
	router.GET("/metrics", metrics.PrometheusHandler())

	v1 := router.Group("/api/v1")
	{
		v1.GET("/baskets/:shopper_id", h.GetBasket)
		v1.PUT("/baskets/:shopper_id/lines/:product_id", h.PutBasketLine)
		v1.DELETE("/baskets/:shopper_id/lines/:product_id", h.RemoveBasketLine)
		v1.DELETE("/baskets/:shopper_id", h.ClearBasket)

		v1.POST("/checkout", h.Checkout)
		v1.POST("/webhooks/:provider", h.PaymentWebhook)

		v1.GET("/orders/:id", h.GetOrder)
		v1.POST("/orders/:id/cancel", h.CancelOrder)
		v1.POST("/orders/:id/refund", h.RefundOrder)
		v1.POST("/orders/:id/ship", h.ShipOrder)
		v1.POST("/orders/:id/deliver", h.DeliverOrder)

		v1.POST("/payments/:provider/:reference/refund", h.RefundPayment)
		v1.GET("/sellers/:id/balance", h.SellerBalance)
	}
	return router
}
