package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions/:id", h.GetTransaction)
	r.POST("/transactions/:id/pay", h.AttemptPayment)
	r.POST("/transactions/:id/deliver", h.ConfirmDelivery)
	r.POST("/transactions/:id/release", h.ConfirmReceipt)
	r.POST("/transactions/:id/cancel", h.Cancel)
	r.POST("/transactions/:id/dispute", h.RaiseDispute)
	r.GET("/users/:id/transactions", h.ListUserTransactions)
	r.GET("/users/:id/statistics", h.UserStatistics)
	r.GET("/listings/:id/transactions", h.ListListingTransactions)
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	txn, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	txn, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// AttemptPayment handles POST /v1/transactions/:id/pay. The request
// returns once payment is collected or retries are exhausted.
func (h *Handler) AttemptPayment(c *gin.Context) {
	txn, err := h.service.AttemptPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ConfirmDelivery handles POST /v1/transactions/:id/deliver
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	txn, err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ConfirmReceipt handles POST /v1/transactions/:id/release
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	txn, err := h.service.ConfirmReceiptAndRelease(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// Cancel handles POST /v1/transactions/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	txn, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// RaiseDispute handles POST /v1/transactions/:id/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	txn, err := h.service.RaiseDispute(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ListUserTransactions handles GET /v1/users/:id/transactions
func (h *Handler) ListUserTransactions(c *gin.Context) {
	txns, err := h.service.ListByUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
	})
}

// UserStatistics handles GET /v1/users/:id/statistics
func (h *Handler) UserStatistics(c *gin.Context) {
	stats, err := h.service.UserStatistics(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"statistics": stats})
}

// ListListingTransactions handles GET /v1/listings/:id/transactions
func (h *Handler) ListListingTransactions(c *gin.Context) {
	txns, err := h.service.ListByListing(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
	})
}

// respondError maps engine errors onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, ErrFundsNotReleasable):
		status, code = http.StatusConflict, "funds_not_releasable"
	case errors.Is(err, ErrRetryExhausted):
		status, code = http.StatusPaymentRequired, "retry_exhausted"
	case errors.Is(err, ErrPaymentFailed):
		status, code = http.StatusBadGateway, "payment_failed"
	case errors.Is(err, ErrInvalidAmount):
		status, code = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, ErrInvalidRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrStore):
		status, code = http.StatusInternalServerError, "store_error"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
