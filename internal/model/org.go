package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrKeyImmutable is returned when an update tries to change an organization's public key.
var ErrKeyImmutable = errors.New("organization public key is immutable")

// Organization is a federation member identified by a URN and authenticated
// by its Ed25519 public key.
type Organization struct {
	ID        uuid.UUID      `json:"id"         db:"id"`
	URN       string         `json:"urn"        db:"urn"`
	Name      string         `json:"name"       db:"name"`
	PublicKey string         `json:"public_key" db:"public_key"`
	Metadata  map[string]any `json:"metadata"   db:"metadata"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

// OrgUpdate carries the mutable fields of an organization. Nil fields are left unchanged.
type OrgUpdate struct {
	Name     *string        `json:"name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
