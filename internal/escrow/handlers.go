package escrow

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/oamen/brickpay/internal/channels"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new escrow handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.CreateEscrow)
	r.POST("/escrow/:id/release", h.ReleaseEscrow)
	r.POST("/escrow/:id/dispute", h.DisputeEscrow)
	r.GET("/escrow/:id", h.GetEscrow)
	r.GET("/tasks/:taskId/escrow", h.GetTaskEscrow)
	r.GET("/users/:id/payments", h.ListUserPayments)
}

// CreateEscrow handles POST /v1/escrow
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rec, err := h.engine.Create(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, channels.ErrNoCompatibleChain):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "no_compatible_chain",
				"message": "Buyer and seller share no supported settlement chain",
			})
		case errors.Is(err, ErrTaskAlreadyEscrowed):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "task_already_escrowed",
				"message": "Task already has an active escrow",
			})
		case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrSameParty), errors.Is(err, ErrMissingField):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "escrow_failed",
				"message": "Failed to fund escrow",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"payment": rec})
}

// ReleaseEscrow handles POST /v1/escrow/:id/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rec, err := h.engine.Release(c.Request.Context(), c.Param("id"), req.CompletedBy)
	if err != nil {
		h.respondTransitionError(c, err, "Failed to release escrow")
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": rec})
}

// DisputeEscrow handles POST /v1/escrow/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	rec, err := h.engine.Dispute(c.Request.Context(), c.Param("id"), req.RaisedBy, req.Reason)
	if err != nil {
		h.respondTransitionError(c, err, "Failed to dispute escrow")
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": rec})
}

// GetEscrow handles GET /v1/escrow/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	rec, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondTransitionError(c, err, "Failed to load payment")
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": rec})
}

// GetTaskEscrow handles GET /v1/tasks/:taskId/escrow
func (h *Handler) GetTaskEscrow(c *gin.Context) {
	rec, err := h.engine.GetByTask(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.respondTransitionError(c, err, "Failed to load task payment")
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": rec})
}

// ListUserPayments handles GET /v1/users/:id/payments
func (h *Handler) ListUserPayments(c *gin.Context) {
	payments, err := h.engine.ListByUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list payments",
		})
		return
	}
	if payments == nil {
		payments = []*PaymentRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

func (h *Handler) respondTransitionError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Payment record not found",
		})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": "Payment is not in a state that allows this operation",
		})
	default:
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "escrow_failed",
			"message": fallback,
		})
	}
}
