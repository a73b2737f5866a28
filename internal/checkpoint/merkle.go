package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jmerrifield20/icn-node/internal/model"
	"github.com/jmerrifield20/icn-node/internal/trustledger"
)

// LeafHash returns the Merkle leaf for an audit entry:
//
//	SHA-256(prev_hash|row_hash|op_type|entity_type|entity_id|payload_hash|timestamp)
//
// with the timestamp rendered as trustledger.TimestampLayout in UTC.
func LeafHash(e *model.AuditEntry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s",
		e.PrevHash, e.RowHash, e.OpType, e.EntityType, e.EntityID, e.PayloadHash,
		e.Timestamp.UTC().Format(trustledger.TimestampLayout),
	)
	return hex.EncodeToString(h.Sum(nil))
}

// Leaves maps entries to their leaf hashes, preserving order.
func Leaves(entries []*model.AuditEntry) []string {
	leaves := make([]string, len(entries))
	for i, e := range entries {
		leaves[i] = LeafHash(e)
	}
	return leaves
}

// MerkleRoot folds leaves pairwise, left to right, hashing the concatenated
// hex strings. An unpaired last node is carried up to the next level as-is.
// No leaves yields "".
func MerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := append([]string(nil), leaves...)
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// ProofStep is one sibling on the path from a leaf to the root.
type ProofStep struct {
	Hash string `json:"hash"`
	// Left is true when the sibling sits to the left of the running hash.
	Left bool `json:"left"`
}

// Proof returns the inclusion proof for leaves[index]. Levels at which the
// node is carried up unpaired contribute no step.
func Proof(leaves []string, index int) ([]ProofStep, error) {
	if index < 0 || index >= len(leaves) {
		return nil, fmt.Errorf("leaf index %d out of range [0,%d)", index, len(leaves))
	}
	var steps []ProofStep
	level := append([]string(nil), leaves...)
	idx := index
	for len(level) > 1 {
		sibling := idx ^ 1
		if sibling < len(level) {
			steps = append(steps, ProofStep{Hash: level[sibling], Left: sibling < idx})
		}
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
		idx /= 2
	}
	return steps, nil
}

// VerifyProof reports whether leaf and proof reproduce root.
func VerifyProof(leaf string, proof []ProofStep, root string) bool {
	cur := leaf
	for _, step := range proof {
		if step.Left {
			cur = hashPair(step.Hash, cur)
		} else {
			cur = hashPair(cur, step.Hash)
		}
	}
	return root != "" && cur == root
}

func hashPair(left, right string) string {
	h := sha256.New()
	h.Write([]byte(left))
	h.Write([]byte(right))
	return hex.EncodeToString(h.Sum(nil))
}
