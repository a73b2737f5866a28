package service

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/icn-node/internal/model"
	"github.com/jmerrifield20/icn-node/internal/trustledger"
)

// ClaimInput is one claim in an attestation request. Confidence defaults to 1.
type ClaimInput struct {
	Claim      string           `json:"claim"`
	Value      model.ClaimValue `json:"value"`
	Confidence *float64         `json:"confidence"`
}

// CreateAttestationRequest is the signed body of POST /attestations. The
// attestor is always the signer.
type CreateAttestationRequest struct {
	SubjectType string       `json:"subject_type"`
	SubjectID   string       `json:"subject_id"`
	Claims      []ClaimInput `json:"claims"`
	Weight      *float64     `json:"weight"`
}

type attestationReader interface {
	Attestation(ctx context.Context, id uuid.UUID) (*model.Attestation, error)
	Attestations(ctx context.Context, subjectID string, limit, offset int) ([]*model.Attestation, error)
}

// AttestationService records third-party claims about invoices.
type AttestationService struct {
	chain  *trustledger.Chain
	reader attestationReader
	logger *zap.Logger
}

// NewAttestationService creates a new AttestationService.
func NewAttestationService(chain *trustledger.Chain, reader attestationReader, logger *zap.Logger) *AttestationService {
	return &AttestationService{chain: chain, reader: reader, logger: logger}
}

// CreateAttestation appends an attestation by the signer about an existing invoice.
func (s *AttestationService) CreateAttestation(ctx context.Context, signer Signer, req *CreateAttestationRequest) (*model.Attestation, error) {
	att, subject, err := buildAttestation(signer, req)
	if err != nil {
		return nil, err
	}

	err = s.chain.Write(ctx, func(ctx context.Context, tx trustledger.Tx) error {
		if _, err := tx.Invoice(ctx, subject); err != nil {
			return fmt.Errorf("subject invoice %s: %w", subject, err)
		}
		_, err := s.chain.Append(ctx, tx, att, model.OpCreate, signer.Signature)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("attestation created",
		zap.String("id", att.ID.String()),
		zap.String("subject_id", att.SubjectID),
		zap.String("attestor_org", att.AttestorOrg),
		zap.String("row_hash", att.RowHash),
	)
	return att, nil
}

// GetAttestation returns one attestation.
func (s *AttestationService) GetAttestation(ctx context.Context, id uuid.UUID) (*model.Attestation, error) {
	return s.reader.Attestation(ctx, id)
}

// ListAttestations returns attestations newest first, optionally for one subject.
func (s *AttestationService) ListAttestations(ctx context.Context, subjectID string, limit, offset int) ([]*model.Attestation, error) {
	limit, offset = page(limit, offset)
	return s.reader.Attestations(ctx, subjectID, limit, offset)
}

func buildAttestation(signer Signer, req *CreateAttestationRequest) (*model.Attestation, uuid.UUID, error) {
	if req.SubjectType != model.SubjectTypeInvoice {
		return nil, uuid.Nil, &model.ErrValidation{Msg: fmt.Sprintf("subject_type must be %q", model.SubjectTypeInvoice)}
	}
	subject, err := uuid.Parse(req.SubjectID)
	if err != nil {
		return nil, uuid.Nil, &model.ErrValidation{Msg: "subject_id must be an invoice id"}
	}

	weight := 1.0
	if req.Weight != nil {
		weight = *req.Weight
	}
	if weight < 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		return nil, uuid.Nil, &model.ErrValidation{Msg: "weight must be a non-negative number"}
	}

	claims := make([]model.Claim, len(req.Claims))
	for i, c := range req.Claims {
		if c.Claim == "" {
			return nil, uuid.Nil, &model.ErrValidation{Msg: fmt.Sprintf("claims[%d].claim is required", i)}
		}
		conf := 1.0
		if c.Confidence != nil {
			conf = *c.Confidence
		}
		if conf < 0 || conf > 1 || math.IsNaN(conf) {
			return nil, uuid.Nil, &model.ErrValidation{Msg: fmt.Sprintf("claims[%d].confidence must be within [0,1]", i)}
		}
		claims[i] = model.Claim{Claim: c.Claim, Value: c.Value, Confidence: conf}
	}

	return &model.Attestation{
		ID:          uuid.New(),
		SubjectType: req.SubjectType,
		SubjectID:   subject.String(),
		AttestorOrg: signer.URN(),
		Claims:      claims,
		Weight:      weight,
		Signature:   signer.Signature,
	}, subject, nil
}
