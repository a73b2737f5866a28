package checkpoint

import (
	"crypto/ed25519"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jmerrifield20/icn-node/internal/model"
	"github.com/jmerrifield20/icn-node/internal/signature"
)

// ReceiptClaims are the JWT claims of a checkpoint receipt. A receipt lets a
// mirror check a checkpoint against the node's pinned key with any JWT
// library, without reimplementing canonical encoding.
type ReceiptClaims struct {
	jwt.RegisteredClaims
	Date               string `json:"icn:date"`
	MerkleRoot         string `json:"icn:merkle_root"`
	OperationsCount    int    `json:"icn:operations_count"`
	PrevCheckpointHash string `json:"icn:prev_checkpoint_hash"`
}

// Artifact is the publishable form of a checkpoint.
type Artifact struct {
	Date               string `json:"date"`
	NodeID             string `json:"node_id"`
	OperationsCount    int    `json:"operations_count"`
	MerkleRoot         string `json:"merkle_root"`
	PrevCheckpointHash string `json:"prev_checkpoint_hash"`
	Signature          string `json:"signature"`
	NodePublicKey      string `json:"node_public_key"`
	Receipt            string `json:"receipt"`
}

// NewArtifact packages cp with the node key and an EdDSA receipt.
func NewArtifact(cp *model.Checkpoint, key *signature.NodeKey) (*Artifact, error) {
	receipt, err := IssueReceipt(cp, key.Private)
	if err != nil {
		return nil, err
	}
	return &Artifact{
		Date:               cp.Date,
		NodeID:             cp.NodeID,
		OperationsCount:    cp.OperationsCount,
		MerkleRoot:         cp.MerkleRoot,
		PrevCheckpointHash: cp.PrevCheckpointHash,
		Signature:          cp.Signature,
		NodePublicKey:      key.PublicKeyBase64(),
		Receipt:            receipt,
	}, nil
}

// IssueReceipt signs a receipt for cp. Receipts do not expire; they attest
// to an immutable record.
func IssueReceipt(cp *model.Checkpoint, priv ed25519.PrivateKey) (string, error) {
	claims := ReceiptClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   cp.NodeID,
			Subject:  cp.Date,
			IssuedAt: jwt.NewNumericDate(cp.CreatedAt),
			ID:       cp.ID.String(),
		},
		Date:               cp.Date,
		MerkleRoot:         cp.MerkleRoot,
		OperationsCount:    cp.OperationsCount,
		PrevCheckpointHash: cp.PrevCheckpointHash,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("sign receipt: %w", err)
	}
	return signed, nil
}

// VerifyReceipt parses a receipt and checks it against the node's public key.
func VerifyReceipt(tokenStr string, pub ed25519.PublicKey) (*ReceiptClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&ReceiptClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return pub, nil
		},
	)
	if err != nil {
		return nil, fmt.Errorf("verify receipt: %w", err)
	}
	claims, ok := token.Claims.(*ReceiptClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid receipt claims")
	}
	return claims, nil
}

// Check verifies the artifact's receipt against pub and that the receipt
// agrees with the artifact body.
func (a *Artifact) Check(pub ed25519.PublicKey) error {
	claims, err := VerifyReceipt(a.Receipt, pub)
	if err != nil {
		return err
	}
	if claims.Date != a.Date || claims.MerkleRoot != a.MerkleRoot || claims.OperationsCount != a.OperationsCount {
		return fmt.Errorf("receipt does not match artifact body")
	}
	return nil
}
