package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SubjectTypeInvoice is the only attestable subject type.
const SubjectTypeInvoice = "invoice"

// Claim is a single assertion made by an attestor about a subject.
type Claim struct {
	Claim      string     `json:"claim"`
	Value      ClaimValue `json:"value"`
	Confidence float64    `json:"confidence"`
}

// Attestation is a third-party statement about an invoice.
type Attestation struct {
	ID          uuid.UUID `json:"id"           db:"id"`
	SubjectType string    `json:"subject_type" db:"subject_type"`
	SubjectID   string    `json:"subject_id"   db:"subject_id"`
	AttestorOrg string    `json:"attestor_org" db:"attestor_org"`
	Claims      []Claim   `json:"claims"       db:"claims"`
	Weight      float64   `json:"weight"       db:"weight"`
	Signature   string    `json:"signature"    db:"signature"`
	PrevHash    string    `json:"prev_hash"    db:"prev_hash"`
	RowHash     string    `json:"row_hash"     db:"row_hash"`
	CreatedAt   time.Time `json:"created_at"   db:"created_at"`
}

// EntityType implements the ledger record contract.
func (a *Attestation) EntityType() string { return EntityAttestation }

// EntityID implements the ledger record contract.
func (a *Attestation) EntityID() string { return a.ID.String() }

// SetLink stamps the record with its position in the hash chain and commit time.
func (a *Attestation) SetLink(prevHash, rowHash string, at time.Time) {
	a.PrevHash = prevHash
	a.RowHash = rowHash
	a.CreatedAt = at
}

// CanonicalPayload returns the body whose canonical bytes are hashed into the chain.
func (a *Attestation) CanonicalPayload() any {
	claims := make([]any, len(a.Claims))
	for n, c := range a.Claims {
		claims[n] = map[string]any{
			"claim":      c.Claim,
			"value":      c.Value,
			"confidence": c.Confidence,
		}
	}
	return map[string]any{
		"subject_type": a.SubjectType,
		"subject_id":   a.SubjectID,
		"attestor_org": a.AttestorOrg,
		"claims":       claims,
		"weight":       a.Weight,
	}
}

// AverageConfidence returns the mean claim confidence, or 0 with no claims.
func (a *Attestation) AverageConfidence() float64 {
	if len(a.Claims) == 0 {
		return 0
	}
	var sum float64
	for _, c := range a.Claims {
		sum += c.Confidence
	}
	return sum / float64(len(a.Claims))
}

// ClaimKind discriminates the ClaimValue union.
type ClaimKind string

const (
	ClaimNull   ClaimKind = "null"
	ClaimString ClaimKind = "string"
	ClaimNumber ClaimKind = "number"
	ClaimBool   ClaimKind = "bool"
	ClaimObject ClaimKind = "object"
)

// ErrUnsupportedClaimValue is returned for claim values outside the union.
var ErrUnsupportedClaimValue = errors.New("claim value must be a string, number, bool, object or null")

// ClaimValue is a claim's value: a string, number, bool, object or null.
// Numbers keep their JSON literal so integers and decimals re-encode exactly.
// The zero value is null.
type ClaimValue struct {
	kind ClaimKind
	v    any
}

// StringValue returns a string claim value.
func StringValue(s string) ClaimValue { return ClaimValue{kind: ClaimString, v: s} }

// NumberValue returns a numeric claim value from a JSON literal.
func NumberValue(n json.Number) ClaimValue { return ClaimValue{kind: ClaimNumber, v: n} }

// FloatValue returns a numeric claim value.
func FloatValue(f float64) ClaimValue { return ClaimValue{kind: ClaimNumber, v: f} }

// BoolValue returns a boolean claim value.
func BoolValue(b bool) ClaimValue { return ClaimValue{kind: ClaimBool, v: b} }

// ObjectValue returns an object claim value.
func ObjectValue(m map[string]any) ClaimValue { return ClaimValue{kind: ClaimObject, v: m} }

// Kind returns the variant held.
func (c ClaimValue) Kind() ClaimKind {
	if c.kind == "" {
		return ClaimNull
	}
	return c.kind
}

// Raw returns the underlying value (string, json.Number, float64, bool, map or nil).
func (c ClaimValue) Raw() any { return c.v }

// CanonicalValue exposes the value to the canonical encoder.
func (c ClaimValue) CanonicalValue() any { return c.v }

// MarshalJSON implements json.Marshaler.
func (c ClaimValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.v)
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *ClaimValue) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode claim value: %w", err)
	}
	switch v := raw.(type) {
	case nil:
		*c = ClaimValue{}
	case string:
		*c = StringValue(v)
	case json.Number:
		*c = NumberValue(v)
	case bool:
		*c = BoolValue(v)
	case map[string]any:
		*c = ObjectValue(v)
	default:
		return ErrUnsupportedClaimValue
	}
	return nil
}
