package ingest

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/oamen/brickpay/internal/account"
	"github.com/oamen/brickpay/internal/metrics"
	"github.com/oamen/brickpay/internal/paystack"
	"github.com/oamen/brickpay/internal/supply"
	"github.com/oamen/brickpay/internal/validation"
)

// Initializer creates provider checkout sessions.
type Initializer interface {
	Initialize(ctx context.Context, email string, amountSubunits int64, currency string, metadata paystack.Metadata) (*paystack.Checkout, error)
}

// Handler provides the payment HTTP endpoints.
type Handler struct {
	processor *Processor
	provider  Initializer
	supply    *supply.Ledger
	accounts  *account.Accounts
	// price per unit in the currency's subunits (kobo, cents), so
	// checkout amounts stay in integer arithmetic
	unitPriceSubunits int64
	currency          string
	logger            *slog.Logger
}

// NewHandler creates a payment handler. currency is the sale currency
// used for checkout sessions; unitPrice is in its major units.
func NewHandler(processor *Processor, provider Initializer, supplyLedger *supply.Ledger, accounts *account.Accounts, unitPrice float64, currency string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		processor:         processor,
		provider:          provider,
		supply:            supplyLedger,
		accounts:          accounts,
		unitPriceSubunits: int64(math.Round(unitPrice * 100)),
		currency:          currency,
		logger:            logger,
	}
}

// RegisterRoutes sets up payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/initiate", h.InitiatePayment)
	r.GET("/payments/verify/:reference", h.VerifyPayment)
	r.POST("/webhooks/paystack", h.HandleWebhook)
	r.GET("/supply", h.GetSupply)
	r.GET("/accounts/:email", h.GetAccount)
}

type initiateRequest struct {
	Email    string `json:"email" binding:"required"`
	Units    int64  `json:"units" binding:"required"`
	Currency string `json:"currency"`
}

// InitiatePayment handles POST /v1/payments/initiate
func (h *Handler) InitiatePayment(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidEmail("email", req.Email),
		validation.PositiveUnits("units", req.Units),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	currency := req.Currency
	if currency == "" {
		currency = h.currency
	}

	// Checkout amount in the currency's subunits
	amount := req.Units * h.unitPriceSubunits
	checkout, err := h.provider.Initialize(c.Request.Context(),
		validation.NormalizeEmail(req.Email), amount, currency,
		paystack.Metadata{"units": req.Units})
	if err != nil {
		h.logger.Error("checkout initialization failed", "email", req.Email, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false,
			"message": "Payment provider unavailable",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"checkoutUrl": checkout.AuthorizationURL,
		"reference":   checkout.Reference,
	})
}

// VerifyPayment handles GET /v1/payments/verify/:reference
func (h *Handler) VerifyPayment(c *gin.Context) {
	reference := c.Param("reference")
	if !validation.IsValidReference(reference) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_reference",
			"message": "Invalid payment reference",
		})
		return
	}

	result, err := h.processor.ProcessVerify(c.Request.Context(), reference)
	if err != nil {
		h.respondProcessingError(c, reference, err)
		return
	}

	resp := gin.H{
		"success":       true,
		"unitsCredited": result.Units,
	}
	if result.Credited {
		resp["newBalance"] = result.NewBalance
	} else if result.AlreadyDone {
		// Already credited earlier; report the current balance
		if acct, err := h.accounts.GetByEmail(c.Request.Context(), result.Email); err == nil {
			resp["newBalance"] = acct.Balance
		}
	}
	c.JSON(http.StatusOK, resp)
}

// HandleWebhook handles POST /v1/webhooks/paystack.
//
// The provider is always acknowledged with 200 regardless of internal
// outcome; failures are logged and counted for manual reconciliation.
// Retrying a failed credit is the provider's redelivery, which the
// released reference reservation allows through.
func (h *Handler) HandleWebhook(c *gin.Context) {
	var event paystack.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		h.logger.Warn("malformed webhook payload", "error", err)
		metrics.WebhookFailuresTotal.Inc()
		c.JSON(http.StatusOK, gin.H{"status": "received"})
		return
	}

	if _, err := h.processor.ProcessWebhook(c.Request.Context(), &event); err != nil {
		h.logger.Error("webhook processing failed",
			"reference", event.Data.Reference, "event", event.Event, "error", err)
		metrics.WebhookFailuresTotal.Inc()
	}

	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

// GetSupply handles GET /v1/supply
func (h *Handler) GetSupply(c *gin.Context) {
	snapshot, err := h.supply.Snapshot(c.Request.Context())
	if err != nil {
		if errors.Is(err, supply.ErrNotProvisioned) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_provisioned",
				"message": "Supply ledger not provisioned",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to read supply",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"supply": snapshot})
}

// GetAccount handles GET /v1/accounts/:email
func (h *Handler) GetAccount(c *gin.Context) {
	email := validation.NormalizeEmail(c.Param("email"))
	if !validation.IsValidEmail(email) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_email",
			"message": "Invalid email address",
		})
		return
	}

	acct, err := h.accounts.GetByEmail(c.Request.Context(), email)
	if err != nil {
		if errors.Is(err, account.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Account not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load account",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

func (h *Handler) respondProcessingError(c *gin.Context, reference string, err error) {
	switch {
	case errors.Is(err, supply.ErrInsufficientSupply):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "insufficient_supply",
			"message": "Not enough supply remaining for this purchase",
		})
	case errors.Is(err, paystack.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Payment reference not found",
		})
	case errors.Is(err, ErrInvalidEmail), errors.Is(err, ErrIndeterminateUnits):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "unprocessable_payment",
			"message": err.Error(),
		})
	default:
		h.logger.Error("payment verification failed", "reference", reference, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false,
			"message": "Verification failed",
		})
	}
}
