package model

import (
	"time"

	"github.com/google/uuid"
)

// InvoiceStatus is the lifecycle state of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusProposed InvoiceStatus = "proposed"
	InvoiceStatusAccepted InvoiceStatus = "accepted"
	InvoiceStatusSettled  InvoiceStatus = "settled"
	InvoiceStatusDisputed InvoiceStatus = "disputed"
)

// Entity types recorded in the audit log.
const (
	EntityInvoice       = "invoice"
	EntityInvoiceStatus = "invoice_status"
	EntityAttestation   = "attestation"
)

// Audit operation types.
const (
	OpCreate       = "create"
	OpStatusChange = "status_change"
)

// invoiceTransitions lists the statuses reachable from each status.
// Settled is terminal.
var invoiceTransitions = map[InvoiceStatus][]InvoiceStatus{
	InvoiceStatusProposed: {InvoiceStatusAccepted, InvoiceStatusDisputed},
	InvoiceStatusAccepted: {InvoiceStatusSettled, InvoiceStatusDisputed},
	InvoiceStatusDisputed: {InvoiceStatusAccepted, InvoiceStatusSettled},
}

// Valid reports whether s is a known status.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case InvoiceStatusProposed, InvoiceStatusAccepted, InvoiceStatusSettled, InvoiceStatusDisputed:
		return true
	}
	return false
}

// CanTransitionTo reports whether an invoice in status s may move to next.
func (s InvoiceStatus) CanTransitionTo(next InvoiceStatus) bool {
	for _, allowed := range invoiceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StatusChange is one element of an invoice's status history.
type StatusChange struct {
	Status InvoiceStatus `json:"status"`
	By     string        `json:"by"`
}

// Invoice is a claim by FromOrg against ToOrg. The stored record is never
// modified after creation; Status and StatusHistory hold the values it was
// created with until WithStatusChanges folds later transitions in.
type Invoice struct {
	ID             uuid.UUID        `json:"id"              db:"id"`
	IdempotencyKey string           `json:"idempotency_key" db:"idempotency_key"`
	FromOrg        string           `json:"from_org"        db:"from_org"`
	ToOrg          string           `json:"to_org"          db:"to_org"`
	Lines          []map[string]any `json:"lines"           db:"lines"`
	Total          float64          `json:"total"           db:"total"`
	Terms          map[string]any   `json:"terms"           db:"terms"`
	Status         InvoiceStatus    `json:"status"          db:"status"`
	StatusHistory  []StatusChange   `json:"status_history"  db:"status_history"`
	Signatures     []map[string]any `json:"signatures"      db:"signatures"`
	Signature      string           `json:"signature"       db:"signature"`
	PrevHash       string           `json:"prev_hash"       db:"prev_hash"`
	RowHash        string           `json:"row_hash"        db:"row_hash"`
	CreatedAt      time.Time        `json:"created_at"      db:"created_at"`
}

// EntityType implements the ledger record contract.
func (i *Invoice) EntityType() string { return EntityInvoice }

// EntityID implements the ledger record contract.
func (i *Invoice) EntityID() string { return i.ID.String() }

// SetLink stamps the record with its position in the hash chain and commit time.
func (i *Invoice) SetLink(prevHash, rowHash string, at time.Time) {
	i.PrevHash = prevHash
	i.RowHash = rowHash
	i.CreatedAt = at
}

// CanonicalPayload returns the body whose canonical bytes are hashed into the chain.
func (i *Invoice) CanonicalPayload() any {
	history := make([]any, len(i.StatusHistory))
	for n, h := range i.StatusHistory {
		history[n] = map[string]any{"status": string(h.Status), "by": h.By}
	}
	return map[string]any{
		"from_org":       i.FromOrg,
		"to_org":         i.ToOrg,
		"lines":          objectList(i.Lines),
		"total":          i.Total,
		"terms":          objectOrEmpty(i.Terms),
		"status":         string(i.Status),
		"status_history": history,
		"signatures":     objectList(i.Signatures),
	}
}

// WithStatusChanges returns a copy of the invoice with changes applied in
// order. The receiver is not modified.
func (i *Invoice) WithStatusChanges(changes []*InvoiceStatusChange) *Invoice {
	out := *i
	out.StatusHistory = append([]StatusChange(nil), i.StatusHistory...)
	for _, c := range changes {
		out.Status = c.To
		out.StatusHistory = append(out.StatusHistory, StatusChange{Status: c.To, By: c.By})
	}
	return &out
}

// Involves reports whether urn is a party to the invoice.
func (i *Invoice) Involves(urn string) bool {
	return urn == i.FromOrg || urn == i.ToOrg
}

// InvoiceStatusChange records one lifecycle transition. It is a chain record
// in its own right, so history is append-only.
type InvoiceStatusChange struct {
	ID        uuid.UUID     `json:"id"          db:"id"`
	InvoiceID uuid.UUID     `json:"invoice_id"  db:"invoice_id"`
	From      InvoiceStatus `json:"from_status" db:"from_status"`
	To        InvoiceStatus `json:"status"      db:"to_status"`
	By        string        `json:"by"          db:"by_org"`
	Signature string        `json:"signature"   db:"signature"`
	PrevHash  string        `json:"prev_hash"   db:"prev_hash"`
	RowHash   string        `json:"row_hash"    db:"row_hash"`
	CreatedAt time.Time     `json:"created_at"  db:"created_at"`
}

// EntityType implements the ledger record contract.
func (c *InvoiceStatusChange) EntityType() string { return EntityInvoiceStatus }

// EntityID implements the ledger record contract.
func (c *InvoiceStatusChange) EntityID() string { return c.ID.String() }

// SetLink stamps the record with its position in the hash chain and commit time.
func (c *InvoiceStatusChange) SetLink(prevHash, rowHash string, at time.Time) {
	c.PrevHash = prevHash
	c.RowHash = rowHash
	c.CreatedAt = at
}

// CanonicalPayload returns the body whose canonical bytes are hashed into the chain.
func (c *InvoiceStatusChange) CanonicalPayload() any {
	return map[string]any{
		"invoice_id":  c.InvoiceID.String(),
		"from_status": string(c.From),
		"status":      string(c.To),
		"by":          c.By,
	}
}

func objectList(in []map[string]any) []any {
	out := make([]any, len(in))
	for n, m := range in {
		out[n] = m
	}
	return out
}

func objectOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
