package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jmerrifield20/icn-node/internal/canonical"
	"github.com/jmerrifield20/icn-node/internal/model"
	"github.com/jmerrifield20/icn-node/internal/trustledger"
)

const (
	auditTail     = 5
	previewMaxLen = 100
)

// AuditRow is one recent entry in the audit view.
type AuditRow struct {
	Seq            int64   `json:"seq"`
	Timestamp      string  `json:"ts"`
	RowHash        string  `json:"row_hash"`
	Op             string  `json:"op"`
	Entity         string  `json:"entity"`
	PayloadPreview *string `json:"payload_preview"`
}

// AuditView summarises the chain for operators.
type AuditView struct {
	Count      int                `json:"count"`
	ChainOK    bool               `json:"chain_ok"`
	Head       *string            `json:"head"`
	Break      *trustledger.Break `json:"break,omitempty"`
	LastRows   []AuditRow         `json:"last_rows"`
	Continuity *string            `json:"continuity"`
	Summary    string             `json:"summary"`
}

type auditRecords interface {
	Invoice(ctx context.Context, id uuid.UUID) (*model.Invoice, error)
	Attestation(ctx context.Context, id uuid.UUID) (*model.Attestation, error)
}

// AuditService serves read-only chain diagnostics.
type AuditService struct {
	chain   *trustledger.Chain
	records auditRecords
}

// NewAuditService creates a new AuditService.
func NewAuditService(chain *trustledger.Chain, records auditRecords) *AuditService {
	return &AuditService{chain: chain, records: records}
}

// View scans the whole chain and returns its status with the last few rows.
func (s *AuditService) View(ctx context.Context) (*AuditView, error) {
	entries, err := s.chain.Store().Entries(ctx)
	if err != nil {
		return nil, fmt.Errorf("load audit log: %w", err)
	}
	report := trustledger.VerifyContinuity(entries)

	view := &AuditView{
		Count:    report.Length,
		ChainOK:  report.OK,
		Break:    report.Break,
		LastRows: []AuditRow{},
		Summary:  report.Summary(),
	}
	if len(entries) > 0 {
		head := entries[len(entries)-1].RowHash
		continuity := fmt.Sprintf("%s -> ... -> %s", entries[0].PrevHash, head)
		view.Head, view.Continuity = &head, &continuity
	}

	tail := entries
	if len(tail) > auditTail {
		tail = tail[len(tail)-auditTail:]
	}
	for _, e := range tail {
		preview, err := s.preview(ctx, e)
		if err != nil {
			return nil, err
		}
		view.LastRows = append(view.LastRows, AuditRow{
			Seq:            e.Seq,
			Timestamp:      e.Timestamp.UTC().Format(trustledger.TimestampLayout),
			RowHash:        e.RowHash,
			Op:             e.OpType,
			Entity:         e.EntityType + ":" + e.EntityID,
			PayloadPreview: preview,
		})
	}
	return view, nil
}

// Verify runs a full continuity scan.
func (s *AuditService) Verify(ctx context.Context) (trustledger.ContinuityReport, error) {
	return s.chain.Verify(ctx)
}

// Entry returns the audit entry with seq.
func (s *AuditService) Entry(ctx context.Context, seq int64) (*model.AuditEntry, error) {
	return s.chain.Store().Entry(ctx, seq)
}

// preview renders a short canonical summary of the entry's record, or nil
// for record types without one.
func (s *AuditService) preview(ctx context.Context, e *model.AuditEntry) (*string, error) {
	id, err := uuid.Parse(e.EntityID)
	if err != nil {
		return nil, nil
	}

	var payload map[string]any
	switch e.EntityType {
	case model.EntityInvoice:
		inv, err := s.records.Invoice(ctx, id)
		if errors.Is(err, trustledger.ErrNotFound) {
			return nil, nil
		} else if err != nil {
			return nil, err
		}
		payload = map[string]any{
			"from_org": inv.FromOrg,
			"to_org":   inv.ToOrg,
			"total":    inv.Total,
			"status":   string(inv.Status),
		}
	case model.EntityAttestation:
		att, err := s.records.Attestation(ctx, id)
		if errors.Is(err, trustledger.ErrNotFound) {
			return nil, nil
		} else if err != nil {
			return nil, err
		}
		payload = map[string]any{
			"subject_type": att.SubjectType,
			"subject_id":   att.SubjectID,
			"weight":       att.Weight,
		}
	default:
		return nil, nil
	}

	b, err := canonical.Marshal(payload)
	if err != nil {
		return nil, err
	}
	r := []rune(string(b))
	if len(r) > previewMaxLen {
		r = r[:previewMaxLen]
	}
	out := string(r)
	return &out, nil
}
