package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"enrollment-service/internal/gateway"
	"enrollment-service/internal/service"
	"enrollment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger is a dependency the readiness probe checks
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	checkout *service.CheckoutService
	webhooks *service.WebhookService
	probes   map[string]Pinger
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler. probes are checked by /ready.
func NewHandler(checkout *service.CheckoutService, webhooks *service.WebhookService, probes map[string]Pinger, logger *zap.Logger) *Handler {
	return &Handler{
		checkout: checkout,
		webhooks: webhooks,
		probes:   probes,
		logger:   logger,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/checkout", h.startCheckout)
		v1.POST("/checkout/confirm", h.confirmCheckout)
		v1.POST("/webhooks/payments", h.paymentWebhook)
		v1.GET("/enrollments", h.getEnrollment)
		v1.GET("/transactions/:reference", h.getTransaction)

		admin := v1.Group("/admin/transactions/:reference")
		admin.POST("/sync", h.syncTransaction)
		admin.POST("/refund", h.refundTransaction)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, p := range h.probes {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// startCheckout opens a checkout session for one course
func (h *Handler) startCheckout(c *gin.Context) {
	var req service.StartCheckoutRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.checkout.StartCheckout(c.Request.Context(), &req)
	if err != nil {
		h.respondError(c, "Failed to start checkout", err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

type confirmRequest struct {
	Reference string `json:"reference" binding:"required"`
}

// confirmCheckout is hit by the client after it returns from the gateway
func (h *Handler) confirmCheckout(c *gin.Context) {
	var req confirmRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.checkout.ConfirmCheckout(c.Request.Context(), req.Reference)
	if err != nil {
		h.respondError(c, "Failed to confirm checkout", err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// syncTransaction lets an operator pull a session's result from the gateway
func (h *Handler) syncTransaction(c *gin.Context) {
	result, err := h.checkout.SyncTransaction(c.Request.Context(), c.Param("reference"))
	if err != nil {
		h.respondError(c, "Failed to sync transaction", err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// refundTransaction refunds a successful purchase
func (h *Handler) refundTransaction(c *gin.Context) {
	txn, err := h.checkout.Refund(c.Request.Context(), c.Param("reference"))
	if err != nil {
		h.respondError(c, "Failed to refund transaction", err)
		return
	}

	c.JSON(http.StatusOK, txn)
}

// paymentWebhook receives signed deliveries from the gateway
func (h *Handler) paymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid body"})
		return
	}

	result, err := h.webhooks.HandleDelivery(c.Request.Context(), body, c.GetHeader(gateway.SignatureHeader))
	if err != nil {
		if statusFor(err) < http.StatusInternalServerError {
			h.respondError(c, "Rejected webhook", err)
			return
		}
		// The gateway redelivers on any 5xx.
		h.logger.Error("Failed to process webhook", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to process webhook",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// getEnrollment looks up the enrollment for ?payer_id=&course_id=
func (h *Handler) getEnrollment(c *gin.Context) {
	payerID, courseID := c.Query("payer_id"), c.Query("course_id")
	if payerID == "" || courseID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payer_id and course_id are required"})
		return
	}

	enrollment, err := h.checkout.GetEnrollment(c.Request.Context(), payerID, courseID)
	if err != nil {
		h.respondError(c, "Failed to get enrollment", err)
		return
	}

	c.JSON(http.StatusOK, enrollment)
}

// getTransaction handles get transaction by purchase reference
func (h *Handler) getTransaction(c *gin.Context) {
	txn, err := h.checkout.GetTransaction(c.Request.Context(), c.Param("reference"))
	if err != nil {
		h.respondError(c, "Failed to get transaction", err)
		return
	}

	c.JSON(http.StatusOK, txn)
}

// statusFor maps service errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrPaymentPending):
		return http.StatusAccepted
	case errors.Is(err, gateway.ErrInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrTransactionNotFound),
		errors.Is(err, service.ErrEnrollmentNotFound),
		errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrAlreadyEnrolled),
		errors.Is(err, service.ErrNotRefundable),
		errors.Is(err, service.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, service.ErrMalformedEvent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrRetryExhausted):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondError(c *gin.Context, msg string, err error) {
	status := statusFor(err)
	if status == http.StatusAccepted {
		c.JSON(status, gin.H{"status": "pending"})
		return
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "30")
	}
	c.JSON(status, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
