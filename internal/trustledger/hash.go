package trustledger

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/jmerrifield20/icn-node/internal/canonical"
)

// EmptyChainHash is the prev_hash of the first entry in the chain.
const EmptyChainHash = ""

// ComputeHash returns the payload hash of payload and the row hash that
// chains it to prevHash. Both are lowercase hex.
func ComputeHash(payload any, prevHash string) (payloadHash, rowHash string, err error) {
	body, err := canonical.Marshal(payload)
	if err != nil {
		return "", "", err
	}
	payloadHash = sha256Sum(body)
	return payloadHash, RowHash(prevHash, payloadHash), nil
}

// RowHash chains a payload hash to the previous row hash.
func RowHash(prevHash, payloadHash string) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(payloadHash))
	return hex.EncodeToString(h.Sum(nil))
}

// sha256Sum returns the hex-encoded SHA-256 digest of data.
func sha256Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
