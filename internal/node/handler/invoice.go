package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/icn-node/internal/node/service"
)

// InvoiceHandler handles invoice submission, lookup and lifecycle changes.
type InvoiceHandler struct {
	svc    *service.InvoiceService
	logger *zap.Logger
}

// NewInvoiceHandler creates a new InvoiceHandler.
func NewInvoiceHandler(svc *service.InvoiceService, logger *zap.Logger) *InvoiceHandler {
	return &InvoiceHandler{svc: svc, logger: logger}
}

// Register mounts the invoice routes on the given router group.
func (h *InvoiceHandler) Register(rg *gin.RouterGroup) {
	inv := rg.Group("/invoices")
	{
		inv.POST("", h.Create)
		inv.GET("", h.List)
		inv.GET("/:id", h.Get)
		inv.POST("/:id/status", h.ChangeStatus)
	}
}

// Create handles POST /invoices. A replayed Idempotency-Key returns the
// original invoice with 200 instead of 201.
func (h *InvoiceHandler) Create(c *gin.Context) {
	signer, ok := requireSigner(c)
	if !ok {
		return
	}
	var req service.CreateInvoiceRequest
	if err := decodeBody(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	res, err := h.svc.CreateInvoice(c.Request.Context(), signer, c.GetHeader(HeaderIdempotencyKey), &req)
	if err != nil {
		respondError(c, h.logger, err, "failed to create invoice")
		return
	}
	if res.Idempotent {
		c.JSON(http.StatusOK, gin.H{
			"id":         res.Invoice.ID,
			"row_hash":   res.Invoice.RowHash,
			"idempotent": true,
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":       res.Invoice.ID,
		"row_hash": res.Invoice.RowHash,
	})
}

// List handles GET /invoices, newest first.
func (h *InvoiceHandler) List(c *gin.Context) {
	limit, offset := pageParams(c)
	invoices, err := h.svc.ListInvoices(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, h.logger, err, "failed to list invoices")
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": invoices, "limit": limit, "offset": offset})
}

// Get handles GET /invoices/:id. The invoice carries its current status.
func (h *InvoiceHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice ID"})
		return
	}
	inv, err := h.svc.GetInvoice(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err, "failed to get invoice")
		return
	}
	c.JSON(http.StatusOK, inv)
}

// ChangeStatus handles POST /invoices/:id/status.
func (h *InvoiceHandler) ChangeStatus(c *gin.Context) {
	signer, ok := requireSigner(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid invoice ID"})
		return
	}
	var req service.StatusChangeRequest
	if err := decodeBody(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	change, inv, err := h.svc.ChangeStatus(c.Request.Context(), signer, id, &req)
	if err != nil {
		respondError(c, h.logger, err, "failed to change invoice status")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":          change.ID,
		"invoice_id":  inv.ID,
		"from_status": change.From,
		"status":      inv.Status,
		"row_hash":    change.RowHash,
	})
}
