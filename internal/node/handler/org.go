package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/icn-node/internal/model"
	"github.com/jmerrifield20/icn-node/internal/node/service"
)

// OrgHandler exposes the federation member directory.
type OrgHandler struct {
	svc    *service.OrgService
	logger *zap.Logger
}

// NewOrgHandler creates a new OrgHandler.
func NewOrgHandler(svc *service.OrgService, logger *zap.Logger) *OrgHandler {
	return &OrgHandler{svc: svc, logger: logger}
}

// Register mounts the org routes on the given router group.
func (h *OrgHandler) Register(rg *gin.RouterGroup) {
	o := rg.Group("/orgs")
	{
		o.GET("", h.List)
		o.GET("/:urn", h.Get)
		o.PATCH("/:urn", h.Update)
	}
}

func orgSummary(o *model.Organization) gin.H {
	return gin.H{
		"org_id":       o.URN,
		"display_name": o.Name,
		"pubkey":       o.PublicKey,
	}
}

func orgDetail(o *model.Organization) gin.H {
	out := orgSummary(o)
	metadata := o.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	out["metadata"] = metadata
	out["created_at"] = o.CreatedAt.UTC().Format(time.RFC3339)
	out["updated_at"] = o.UpdatedAt.UTC().Format(time.RFC3339)
	return out
}

// List handles GET /orgs.
func (h *OrgHandler) List(c *gin.Context) {
	orgs, err := h.svc.ListOrgs(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "failed to list organizations")
		return
	}
	items := make([]gin.H, 0, len(orgs))
	for _, o := range orgs {
		items = append(items, orgSummary(o))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// Get handles GET /orgs/:urn.
func (h *OrgHandler) Get(c *gin.Context) {
	org, err := h.svc.GetOrg(c.Request.Context(), c.Param("urn"))
	if err != nil {
		respondError(c, h.logger, err, "failed to get organization")
		return
	}
	c.JSON(http.StatusOK, orgDetail(org))
}

// Update handles PATCH /orgs/:urn. The request must be signed by the
// organization being updated.
func (h *OrgHandler) Update(c *gin.Context) {
	signer, ok := requireSigner(c)
	if !ok {
		return
	}
	var req service.UpdateOrgRequest
	if err := decodeBody(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	org, err := h.svc.UpdateOrg(c.Request.Context(), signer, c.Param("urn"), &req)
	if err != nil {
		respondError(c, h.logger, err, "failed to update organization")
		return
	}
	c.JSON(http.StatusOK, orgDetail(org))
}
