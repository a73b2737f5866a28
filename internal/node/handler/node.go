package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// NodeHandler serves liveness and node identity.
type NodeHandler struct {
	nodeID    string
	publicKey string
}

// NewNodeHandler creates a new NodeHandler.
func NewNodeHandler(nodeID, publicKey string) *NodeHandler {
	return &NodeHandler{nodeID: nodeID, publicKey: publicKey}
}

// Register mounts the node routes on the given router group.
func (h *NodeHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/healthz", h.Health)
	rg.GET("/health", h.Health)
	rg.GET("/node", h.Node)
}

// Health handles GET /healthz and /health.
func (h *NodeHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "node": h.nodeID})
}

// Node handles GET /node: the identifier and operational public key that
// checkpoint signatures and receipts verify against.
func (h *NodeHandler) Node(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"node_id":    h.nodeID,
		"public_key": h.publicKey,
		"algorithm":  "Ed25519",
	})
}
