package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/icn-node/internal/node/service"
)

// AuditHandler exposes read-only views of the hash chain.
type AuditHandler struct {
	svc    *service.AuditService
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(svc *service.AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{svc: svc, logger: logger}
}

// Register mounts the audit routes on the given router group.
func (h *AuditHandler) Register(rg *gin.RouterGroup) {
	a := rg.Group("/audit")
	{
		a.GET("", h.Overview)
		a.GET("/verify", h.Verify)
		a.GET("/entries/:seq", h.GetEntry)
	}
}

// Overview handles GET /audit: chain status plus the most recent rows.
func (h *AuditHandler) Overview(c *gin.Context) {
	view, err := h.svc.View(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "failed to query audit log")
		return
	}
	c.JSON(http.StatusOK, view)
}

// Verify handles GET /audit/verify. A broken chain is reported in the body
// with 200; only a failed scan is an error.
func (h *AuditHandler) Verify(c *gin.Context) {
	report, err := h.svc.Verify(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "failed to verify audit chain")
		return
	}
	if !report.OK {
		h.logger.Warn("audit chain integrity check failed", zap.String("summary", report.Summary()))
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":      report.OK,
		"length":  report.Length,
		"head":    report.Head,
		"break":   report.Break,
		"summary": report.Summary(),
	})
}

// GetEntry handles GET /audit/entries/:seq.
func (h *AuditHandler) GetEntry(c *gin.Context) {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seq <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seq must be a positive integer"})
		return
	}
	entry, err := h.svc.Entry(c.Request.Context(), seq)
	if err != nil {
		respondError(c, h.logger, err, "failed to get audit entry")
		return
	}
	c.JSON(http.StatusOK, entry)
}
