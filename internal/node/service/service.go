// Package service holds the node's write use-cases. Every write runs inside a
// single Chain.Write unit so that validation against current state, the
// domain record and its audit entry commit together or not at all.
package service

import (
	"errors"

	"github.com/jmerrifield20/icn-node/internal/model"
)

var (
	// ErrForbidden is returned when the signer may not act on a record.
	ErrForbidden = errors.New("signer is not permitted to perform this action")
	// ErrInvalidTransition is returned for a lifecycle change the current
	// status does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Signer is the authenticated origin of a write: the organization whose key
// verified the request, and the base64 signature it sent.
type Signer struct {
	Org       *model.Organization
	Signature string
}

// URN returns the signer's organization URN.
func (s Signer) URN() string {
	if s.Org == nil {
		return ""
	}
	return s.Org.URN
}

// DefaultPageSize is used when a list call passes a non-positive limit.
const DefaultPageSize = 50

// MaxPageSize caps list limits.
const MaxPageSize = 500

func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
