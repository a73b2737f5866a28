package service

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/icn-node/internal/model"
	"github.com/jmerrifield20/icn-node/internal/trustledger"
)

// CreateInvoiceRequest is the signed body of POST /invoices.
type CreateInvoiceRequest struct {
	FromOrg    string           `json:"from_org"`
	ToOrg      string           `json:"to_org"`
	Lines      []map[string]any `json:"lines"`
	Total      float64          `json:"total"`
	Terms      map[string]any   `json:"terms"`
	Signatures []map[string]any `json:"signatures"`
}

// StatusChangeRequest is the signed body of POST /invoices/:id/status.
type StatusChangeRequest struct {
	Status model.InvoiceStatus `json:"status"`
}

// CreateInvoiceResult is returned by CreateInvoice.
type CreateInvoiceResult struct {
	Invoice *model.Invoice
	// Idempotent is true when the key had already been used and the original
	// invoice is returned without a new chain entry.
	Idempotent bool
}

type orgLookup interface {
	Org(ctx context.Context, urn string) (*model.Organization, error)
}

type invoiceReader interface {
	Invoice(ctx context.Context, id uuid.UUID) (*model.Invoice, error)
	Invoices(ctx context.Context, limit, offset int) ([]*model.Invoice, error)
	InvoiceStatusChanges(ctx context.Context, invoiceID uuid.UUID) ([]*model.InvoiceStatusChange, error)
}

// InvoiceService contains business logic for invoices and their lifecycle.
type InvoiceService struct {
	chain  *trustledger.Chain
	orgs   orgLookup
	reader invoiceReader
	logger *zap.Logger
}

// NewInvoiceService creates a new InvoiceService.
func NewInvoiceService(chain *trustledger.Chain, orgs orgLookup, reader invoiceReader, logger *zap.Logger) *InvoiceService {
	return &InvoiceService{chain: chain, orgs: orgs, reader: reader, logger: logger}
}

// CreateInvoice records a new invoice in status proposed. Reusing an
// idempotency key returns the original invoice and appends nothing.
func (s *InvoiceService) CreateInvoice(ctx context.Context, signer Signer, idempotencyKey string, req *CreateInvoiceRequest) (*CreateInvoiceResult, error) {
	if idempotencyKey == "" {
		return nil, &model.ErrValidation{Msg: "Idempotency-Key header required"}
	}
	if err := validateInvoice(req); err != nil {
		return nil, err
	}
	for _, urn := range []string{req.FromOrg, req.ToOrg} {
		if _, err := s.orgs.Org(ctx, urn); err != nil {
			if errors.Is(err, trustledger.ErrNotFound) {
				return nil, &model.ErrValidation{Msg: "unknown from_org or to_org"}
			}
			return nil, err
		}
	}

	var result *CreateInvoiceResult
	err := s.chain.Write(ctx, func(ctx context.Context, tx trustledger.Tx) error {
		existing, err := tx.InvoiceByIdempotencyKey(ctx, idempotencyKey)
		switch {
		case err == nil:
			result = &CreateInvoiceResult{Invoice: existing, Idempotent: true}
			return nil
		case !errors.Is(err, trustledger.ErrNotFound):
			return fmt.Errorf("idempotency lookup: %w", err)
		}

		// The key is checked before the signer so that a replay by the
		// counterparty still returns the original result.
		if req.FromOrg != signer.URN() && req.ToOrg != signer.URN() {
			return fmt.Errorf("%w: %s is not a party to the invoice", ErrForbidden, signer.URN())
		}

		inv := &model.Invoice{
			ID:             uuid.New(),
			IdempotencyKey: idempotencyKey,
			FromOrg:        req.FromOrg,
			ToOrg:          req.ToOrg,
			Lines:          nonNilObjects(req.Lines),
			Total:          req.Total,
			Terms:          req.Terms,
			Status:         model.InvoiceStatusProposed,
			StatusHistory:  []model.StatusChange{{Status: model.InvoiceStatusProposed, By: signer.URN()}},
			Signatures:     nonNilObjects(req.Signatures),
			Signature:      signer.Signature,
		}
		if inv.Terms == nil {
			inv.Terms = map[string]any{}
		}
		if _, err := s.chain.Append(ctx, tx, inv, model.OpCreate, signer.Signature); err != nil {
			return err
		}
		result = &CreateInvoiceResult{Invoice: inv}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Idempotent {
		s.logger.Info("invoice created",
			zap.String("id", result.Invoice.ID.String()),
			zap.String("from_org", result.Invoice.FromOrg),
			zap.String("to_org", result.Invoice.ToOrg),
			zap.String("row_hash", result.Invoice.RowHash),
		)
	}
	return result, nil
}

// ChangeStatus moves an invoice along its lifecycle. Either party may sign.
func (s *InvoiceService) ChangeStatus(ctx context.Context, signer Signer, invoiceID uuid.UUID, req *StatusChangeRequest) (*model.InvoiceStatusChange, *model.Invoice, error) {
	if !req.Status.Valid() {
		return nil, nil, &model.ErrValidation{Msg: fmt.Sprintf("unknown status %q", req.Status)}
	}

	var (
		change  *model.InvoiceStatusChange
		updated *model.Invoice
	)
	err := s.chain.Write(ctx, func(ctx context.Context, tx trustledger.Tx) error {
		inv, err := tx.Invoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		changes, err := tx.InvoiceStatusChanges(ctx, invoiceID)
		if err != nil {
			return err
		}
		current := inv.WithStatusChanges(changes)

		if !current.Involves(signer.URN()) {
			return fmt.Errorf("%w: %s is not a party to the invoice", ErrForbidden, signer.URN())
		}
		if !current.Status.CanTransitionTo(req.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, req.Status)
		}

		c := &model.InvoiceStatusChange{
			ID:        uuid.New(),
			InvoiceID: invoiceID,
			From:      current.Status,
			To:        req.Status,
			By:        signer.URN(),
			Signature: signer.Signature,
		}
		if _, err := s.chain.Append(ctx, tx, c, model.OpStatusChange, signer.Signature); err != nil {
			return err
		}
		change = c
		updated = current.WithStatusChanges([]*model.InvoiceStatusChange{c})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("invoice status changed",
		zap.String("id", invoiceID.String()),
		zap.String("from", string(change.From)),
		zap.String("to", string(change.To)),
		zap.String("by", change.By),
	)
	return change, updated, nil
}

// GetInvoice returns an invoice with its status history folded in.
func (s *InvoiceService) GetInvoice(ctx context.Context, id uuid.UUID) (*model.Invoice, error) {
	inv, err := s.reader.Invoice(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.fold(ctx, inv)
}

// ListInvoices returns invoices newest first with current status.
func (s *InvoiceService) ListInvoices(ctx context.Context, limit, offset int) ([]*model.Invoice, error) {
	limit, offset = page(limit, offset)
	invs, err := s.reader.Invoices(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	for i, inv := range invs {
		if invs[i], err = s.fold(ctx, inv); err != nil {
			return nil, err
		}
	}
	return invs, nil
}

func (s *InvoiceService) fold(ctx context.Context, inv *model.Invoice) (*model.Invoice, error) {
	changes, err := s.reader.InvoiceStatusChanges(ctx, inv.ID)
	if err != nil {
		return nil, fmt.Errorf("load status changes: %w", err)
	}
	return inv.WithStatusChanges(changes), nil
}

func validateInvoice(req *CreateInvoiceRequest) error {
	switch {
	case req.FromOrg == "" || req.ToOrg == "":
		return &model.ErrValidation{Msg: "from_org and to_org are required"}
	case req.FromOrg == req.ToOrg:
		return &model.ErrValidation{Msg: "from_org and to_org must differ"}
	case req.Lines == nil:
		return &model.ErrValidation{Msg: "lines is required"}
	case math.IsNaN(req.Total) || math.IsInf(req.Total, 0):
		return &model.ErrValidation{Msg: "total must be a finite number"}
	}
	return nil
}

func nonNilObjects(in []map[string]any) []map[string]any {
	if in == nil {
		return []map[string]any{}
	}
	return in
}
