package earnings

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides the earnings HTTP endpoint.
type Handler struct {
	aggregator *Aggregator
}

// NewHandler creates a new earnings handler.
func NewHandler(aggregator *Aggregator) *Handler {
	return &Handler{aggregator: aggregator}
}

// RegisterRoutes sets up earnings routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/earnings", h.GetEarnings)
}

// GetEarnings handles GET /v1/users/:id/earnings. The summary is
// recomputed from the user's full transaction history on every read,
// never served from a stale persisted value.
func (h *Handler) GetEarnings(c *gin.Context) {
	summary, err := h.aggregator.Recompute(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute earnings",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"earnings": summary})
}
