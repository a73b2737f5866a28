package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmerrifield20/icn-node/internal/model"
	"github.com/jmerrifield20/icn-node/internal/signature"
	"github.com/jmerrifield20/icn-node/internal/trustledger"
	"github.com/jmerrifield20/icn-node/pkg/urn"
)

// OrgConfig is one federation member as listed in the node configuration.
type OrgConfig struct {
	URN       string         `mapstructure:"urn"`
	Name      string         `mapstructure:"name"`
	PublicKey string         `mapstructure:"public_key"`
	Metadata  map[string]any `mapstructure:"metadata"`
}

// UpdateOrgRequest is the signed body of PATCH /orgs/:urn. PublicKey may be
// sent but must equal the registered key.
type UpdateOrgRequest struct {
	Name      *string        `json:"name"`
	Metadata  map[string]any `json:"metadata"`
	PublicKey *string        `json:"public_key"`
}

// OrgService manages the federation member directory.
type OrgService struct {
	store  trustledger.OrgStore
	logger *zap.Logger
}

// NewOrgService creates a new OrgService.
func NewOrgService(store trustledger.OrgStore, logger *zap.Logger) *OrgService {
	return &OrgService{store: store, logger: logger}
}

// Bootstrap registers every configured member that is not yet known. A
// configured key that differs from the stored one is an error: keys are
// never rotated in place.
func (s *OrgService) Bootstrap(ctx context.Context, orgs []OrgConfig) error {
	for _, oc := range orgs {
		existing, err := s.store.Org(ctx, oc.URN)
		switch {
		case err == nil:
			if existing.PublicKey != oc.PublicKey {
				return fmt.Errorf("%w: %s", model.ErrKeyImmutable, oc.URN)
			}
			continue
		case !errors.Is(err, trustledger.ErrNotFound):
			return fmt.Errorf("lookup %s: %w", oc.URN, err)
		}

		if _, err := s.Register(ctx, oc); err != nil {
			return err
		}
	}
	return nil
}

// Register validates and stores a new member.
func (s *OrgService) Register(ctx context.Context, oc OrgConfig) (*model.Organization, error) {
	if !urn.Valid(oc.URN) {
		return nil, &model.ErrValidation{Msg: fmt.Sprintf("invalid organization URN %q", oc.URN)}
	}
	if _, err := signature.ParsePublicKey(oc.PublicKey); err != nil {
		return nil, &model.ErrValidation{Msg: fmt.Sprintf("organization %s: %v", oc.URN, err)}
	}
	org := &model.Organization{
		URN:       oc.URN,
		Name:      oc.Name,
		PublicKey: oc.PublicKey,
		Metadata:  oc.Metadata,
	}
	if org.Metadata == nil {
		org.Metadata = map[string]any{}
	}
	if err := s.store.CreateOrg(ctx, org); err != nil {
		return nil, fmt.Errorf("create organization %s: %w", oc.URN, err)
	}
	s.logger.Info("organization registered", zap.String("urn", org.URN), zap.String("name", org.Name))
	return org, nil
}

// GetOrg returns a member by URN.
func (s *OrgService) GetOrg(ctx context.Context, urn string) (*model.Organization, error) {
	return s.store.Org(ctx, urn)
}

// ListOrgs returns every member in registration order.
func (s *OrgService) ListOrgs(ctx context.Context) ([]*model.Organization, error) {
	return s.store.Orgs(ctx)
}

// UpdateOrg changes an organization's name or metadata. Only the
// organization itself may sign the update.
func (s *OrgService) UpdateOrg(ctx context.Context, signer Signer, urn string, req *UpdateOrgRequest) (*model.Organization, error) {
	if signer.URN() != urn {
		return nil, fmt.Errorf("%w: %s may not update %s", ErrForbidden, signer.URN(), urn)
	}
	current, err := s.store.Org(ctx, urn)
	if err != nil {
		return nil, err
	}
	if req.PublicKey != nil && *req.PublicKey != current.PublicKey {
		return nil, model.ErrKeyImmutable
	}
	if req.Name == nil && req.Metadata == nil {
		return current, nil
	}
	if req.Name != nil && *req.Name == "" {
		return nil, &model.ErrValidation{Msg: "name must not be empty"}
	}
	return s.store.UpdateOrg(ctx, urn, model.OrgUpdate{Name: req.Name, Metadata: req.Metadata})
}
