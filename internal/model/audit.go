package model

import (
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one link of the hash chain. Seq is assigned by the store and
// increases monotonically; Timestamp never decreases with Seq.
type AuditEntry struct {
	Seq         int64     `json:"seq"          db:"seq"`
	PrevHash    string    `json:"prev_hash"    db:"prev_hash"`
	RowHash     string    `json:"row_hash"     db:"row_hash"`
	OpType      string    `json:"op_type"      db:"op_type"`
	EntityType  string    `json:"entity_type"  db:"entity_type"`
	EntityID    string    `json:"entity_id"    db:"entity_id"`
	PayloadHash string    `json:"payload_hash" db:"payload_hash"`
	Signature   string    `json:"signature"    db:"signature"`
	Timestamp   time.Time `json:"timestamp"    db:"timestamp"`
}

// Checkpoint commits one UTC day of audit entries to a Merkle root, linked to
// the checkpoint before it.
type Checkpoint struct {
	ID                 uuid.UUID `json:"id"                   db:"id"`
	Date               string    `json:"date"                 db:"date"`
	NodeID             string    `json:"node_id"              db:"node_id"`
	OperationsCount    int       `json:"operations_count"     db:"operations_count"`
	MerkleRoot         string    `json:"merkle_root"          db:"merkle_root"`
	PrevCheckpointHash string    `json:"prev_checkpoint_hash" db:"prev_checkpoint_hash"`
	Signature          string    `json:"signature"            db:"signature"`
	CreatedAt          time.Time `json:"created_at"           db:"created_at"`
}

// SigningPayload returns the body the node signs for this checkpoint.
func (c *Checkpoint) SigningPayload() map[string]any {
	return map[string]any{
		"date":                 c.Date,
		"node_id":              c.NodeID,
		"operations_count":     c.OperationsCount,
		"merkle_root":          c.MerkleRoot,
		"prev_checkpoint_hash": c.PrevCheckpointHash,
	}
}
