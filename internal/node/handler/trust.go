package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/icn-node/internal/trust"
)

// TrustHandler serves pairwise trust scores.
type TrustHandler struct {
	scorer trust.Scorer
	logger *zap.Logger
}

// NewTrustHandler creates a new TrustHandler.
func NewTrustHandler(scorer trust.Scorer, logger *zap.Logger) *TrustHandler {
	return &TrustHandler{scorer: scorer, logger: logger}
}

// Register mounts the trust routes on the given router group.
func (h *TrustHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/trust/score", h.Score)
}

// Score handles GET /trust/score?from_org=&to_org=&include_factors=.
func (h *TrustHandler) Score(c *gin.Context) {
	from := c.Query("from_org")
	to := c.Query("to_org")
	if from == "" || to == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from_org and to_org are required"})
		return
	}
	include, _ := strconv.ParseBool(c.DefaultQuery("include_factors", "false"))

	report, err := h.scorer.Score(c.Request.Context(), from, to, include)
	if err != nil {
		respondError(c, h.logger, err, "failed to compute trust score")
		return
	}
	c.JSON(http.StatusOK, report)
}
