package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/icn-node/internal/checkpoint"
)

// CheckpointHandler exposes daily Merkle checkpoints.
type CheckpointHandler struct {
	svc         *checkpoint.Service
	adminSecret string
	logger      *zap.Logger
}

// NewCheckpointHandler creates a new CheckpointHandler. A non-empty
// adminSecret protects manual generation behind a Bearer token.
func NewCheckpointHandler(svc *checkpoint.Service, adminSecret string, logger *zap.Logger) *CheckpointHandler {
	return &CheckpointHandler{svc: svc, adminSecret: adminSecret, logger: logger}
}

// Register mounts the checkpoint routes on the given router group.
func (h *CheckpointHandler) Register(rg *gin.RouterGroup) {
	cp := rg.Group("/checkpoints")
	{
		cp.GET("", h.List)
		cp.POST("/generate", RequireAdmin(h.adminSecret), h.Generate)
		cp.GET("/:date", h.Get)
		cp.GET("/:date/verify", h.Verify)
		cp.GET("/:date/artifact", h.Artifact)
		cp.GET("/:date/proof/:seq", h.Proof)
	}
}

// Generate handles POST /checkpoints/generate?date=YYYY-MM-DD. It returns 201
// when a checkpoint was created and 200 when the day was already committed.
func (h *CheckpointHandler) Generate(c *gin.Context) {
	date := c.Query("date")
	if date == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "date query parameter is required"})
		return
	}
	cp, created, err := h.svc.Generate(c.Request.Context(), date)
	if err != nil {
		respondError(c, h.logger, err, "failed to generate checkpoint")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, cp)
}

// List handles GET /checkpoints.
func (h *CheckpointHandler) List(c *gin.Context) {
	limit, _ := pageParams(c)
	cps, err := h.svc.List(c.Request.Context(), limit)
	if err != nil {
		respondError(c, h.logger, err, "failed to list checkpoints")
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": cps})
}

// Get handles GET /checkpoints/:date.
func (h *CheckpointHandler) Get(c *gin.Context) {
	cp, err := h.svc.Get(c.Request.Context(), c.Param("date"))
	if err != nil {
		respondError(c, h.logger, err, "failed to get checkpoint")
		return
	}
	c.JSON(http.StatusOK, cp)
}

// Verify handles GET /checkpoints/:date/verify.
func (h *CheckpointHandler) Verify(c *gin.Context) {
	res, err := h.svc.Verify(c.Request.Context(), c.Param("date"))
	if err != nil {
		respondError(c, h.logger, err, "failed to verify checkpoint")
		return
	}
	if !res.OK {
		h.logger.Warn("checkpoint verification failed",
			zap.String("date", c.Param("date")),
			zap.String("stored_root", res.MerkleRoot),
			zap.String("computed_root", res.ComputedRoot),
		)
	}
	c.JSON(http.StatusOK, res)
}

// Artifact handles GET /checkpoints/:date/artifact.
func (h *CheckpointHandler) Artifact(c *gin.Context) {
	art, err := h.svc.Artifact(c.Request.Context(), c.Param("date"))
	if err != nil {
		respondError(c, h.logger, err, "failed to build checkpoint artifact")
		return
	}
	c.JSON(http.StatusOK, art)
}

// Proof handles GET /checkpoints/:date/proof/:seq.
func (h *CheckpointHandler) Proof(c *gin.Context) {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seq <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "seq must be a positive integer"})
		return
	}
	proof, err := h.svc.Prove(c.Request.Context(), c.Param("date"), seq)
	if err != nil {
		respondError(c, h.logger, err, "failed to build inclusion proof")
		return
	}
	c.JSON(http.StatusOK, proof)
}
