package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/icn-node/internal/node/service"
)

// AttestationHandler handles third-party attestations about invoices.
type AttestationHandler struct {
	svc    *service.AttestationService
	logger *zap.Logger
}

// NewAttestationHandler creates a new AttestationHandler.
func NewAttestationHandler(svc *service.AttestationService, logger *zap.Logger) *AttestationHandler {
	return &AttestationHandler{svc: svc, logger: logger}
}

// Register mounts the attestation routes on the given router group.
func (h *AttestationHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/attestations")
	{
		a.POST("", h.Create)
		a.GET("", h.List)
		a.GET("/:id", h.Get)
	}
}

// Create handles POST /attestations.
func (h *AttestationHandler) Create(c *gin.Context) {
	signer, ok := requireSigner(c)
	if !ok {
		return
	}
	var req service.CreateAttestationRequest
	if err := decodeBody(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	att, err := h.svc.CreateAttestation(c.Request.Context(), signer, &req)
	if err != nil {
		respondError(c, h.logger, err, "failed to create attestation")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": att.ID, "row_hash": att.RowHash})
}

// List handles GET /attestations?subject_id=.
func (h *AttestationHandler) List(c *gin.Context) {
	limit, offset := pageParams(c)
	atts, err := h.svc.ListAttestations(c.Request.Context(), c.Query("subject_id"), limit, offset)
	if err != nil {
		respondError(c, h.logger, err, "failed to list attestations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": atts, "limit": limit, "offset": offset})
}

// Get handles GET /attestations/:id.
func (h *AttestationHandler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid attestation ID"})
		return
	}
	att, err := h.svc.GetAttestation(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err, "failed to get attestation")
		return
	}
	c.JSON(http.StatusOK, att)
}
