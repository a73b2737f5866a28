package trust

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/icn-node/internal/model"
	"github.com/jmerrifield20/icn-node/internal/trustledger"
)

// Factor names as reported on the wire. Report consumers match on these.
const (
	FactorDirect   = "payment_history_decay"
	FactorAttest   = "third_party_attestations"
	FactorDisputes = "disputes_recent"
)

// disputePenalty replaces the disputes factor when any invoice is disputed.
const disputePenalty = 0.3

// statusWeights is how much an invoice in each status counts toward the
// direct factor. Unlisted statuses count 0.3.
var statusWeights = map[model.InvoiceStatus]float64{
	model.InvoiceStatusSettled:  1.0,
	model.InvoiceStatusAccepted: 0.7,
	model.InvoiceStatusProposed: 0.4,
	model.InvoiceStatusDisputed: 0.1,
}

const unknownStatusWeight = 0.3

// Weights configures the relative contribution of each factor.
type Weights struct {
	Direct   float64 `mapstructure:"direct"`
	Attest   float64 `mapstructure:"attest"`
	Disputes float64 `mapstructure:"disputes"`
}

// Config configures a LedgerScorer.
type Config struct {
	HalfLifeDays float64 `mapstructure:"half_life_days"`
	Weights      Weights `mapstructure:"weights"`
}

// DefaultConfig returns a 180-day half-life and 0.4/0.3/0.3 weights.
func DefaultConfig() Config {
	return Config{
		HalfLifeDays: 180,
		Weights:      Weights{Direct: 0.4, Attest: 0.3, Disputes: 0.3},
	}
}

// Source is the read-side of the ledger the scorer needs.
type Source interface {
	Org(ctx context.Context, urn string) (*model.Organization, error)
	InvoicesBetween(ctx context.Context, fromOrg, toOrg string) ([]*model.Invoice, error)
	InvoiceStatusChanges(ctx context.Context, invoiceID uuid.UUID) ([]*model.InvoiceStatusChange, error)
	AttestationsForSubjects(ctx context.Context, subjectType string, subjectIDs []string) ([]*model.Attestation, error)
}

// LedgerScorer is the default Scorer implementation.
type LedgerScorer struct {
	src Source
	cfg Config
	now func() time.Time
}

// NewLedgerScorer creates a LedgerScorer reading from src.
func NewLedgerScorer(src Source, cfg Config) *LedgerScorer {
	if cfg.HalfLifeDays <= 0 {
		cfg.HalfLifeDays = DefaultConfig().HalfLifeDays
	}
	return &LedgerScorer{src: src, cfg: cfg, now: time.Now}
}

// SetClock replaces the evaluation clock. Intended for tests.
func (s *LedgerScorer) SetClock(now func() time.Time) { s.now = now }

// Score implements Scorer.
func (s *LedgerScorer) Score(ctx context.Context, fromOrg, toOrg string, includeFactors bool) (*Report, error) {
	for _, urn := range []string{fromOrg, toOrg} {
		if _, err := s.src.Org(ctx, urn); err != nil {
			if errors.Is(err, trustledger.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s", ErrUnknownOrg, urn)
			}
			return nil, err
		}
	}

	invoices, err := s.src.InvoicesBetween(ctx, fromOrg, toOrg)
	if err != nil {
		return nil, fmt.Errorf("load invoices: %w", err)
	}
	for i, inv := range invoices {
		changes, err := s.src.InvoiceStatusChanges(ctx, inv.ID)
		if err != nil {
			return nil, fmt.Errorf("load status of invoice %s: %w", inv.ID, err)
		}
		invoices[i] = inv.WithStatusChanges(changes)
	}

	var attestations []*model.Attestation
	if len(invoices) > 0 {
		ids := make([]string, len(invoices))
		for i, inv := range invoices {
			ids[i] = inv.ID.String()
		}
		attestations, err = s.src.AttestationsForSubjects(ctx, model.SubjectTypeInvoice, ids)
		if err != nil {
			return nil, fmt.Errorf("load attestations: %w", err)
		}
	}

	now := s.now().UTC()
	direct, attest, disputes := 0.0, 0.0, 0.0
	score := 0
	// With no history between the pair there is nothing to trust yet.
	if len(invoices) > 0 {
		direct = s.direct(invoices, now)
		attest = s.attest(attestations, now)
		disputes = disputesFactor(invoices)
		w := s.cfg.Weights
		raw := w.Direct*direct + w.Attest*attest + w.Disputes*disputes
		score = int(math.RoundToEven(clamp(raw, 0, 1) * 100))
	}

	samples := len(invoices) + len(attestations)
	conf, label := confidence(samples)
	r := &Report{
		FromOrg:         fromOrg,
		ToOrg:           toOrg,
		Score:           score,
		Confidence:      conf,
		ConfidenceLabel: label,
		Samples:         samples,
		Explanation:     Explanation,
	}
	if includeFactors {
		r.Factors = []Factor{
			{Name: FactorDirect, Value: round2(direct), Weight: s.cfg.Weights.Direct},
			{Name: FactorAttest, Value: round2(attest), Weight: s.cfg.Weights.Attest},
			{Name: FactorDisputes, Value: round2(disputes), Weight: s.cfg.Weights.Disputes},
		}
	}
	return r, nil
}

// Decay returns 0.5^(age/halfLife) where age is the number of whole days
// between at and now. Timestamps in the future count as age 0.
func Decay(at, now time.Time, halfLifeDays float64) float64 {
	age := math.Floor(now.Sub(at).Hours() / 24)
	if age < 0 {
		age = 0
	}
	return math.Pow(0.5, age/halfLifeDays)
}

func (s *LedgerScorer) direct(invoices []*model.Invoice, now time.Time) float64 {
	var weighted, total float64
	for _, inv := range invoices {
		w, ok := statusWeights[inv.Status]
		if !ok {
			w = unknownStatusWeight
		}
		weighted += inv.Total * Decay(inv.CreatedAt, now, s.cfg.HalfLifeDays) * w
		total += inv.Total
	}
	if total == 0 {
		total = 1
	}
	return clamp(weighted/total, 0, 1)
}

func (s *LedgerScorer) attest(attestations []*model.Attestation, now time.Time) float64 {
	if len(attestations) == 0 {
		return 0
	}
	var sum float64
	for _, a := range attestations {
		sum += a.AverageConfidence() * Decay(a.CreatedAt, now, s.cfg.HalfLifeDays) * a.Weight
	}
	return clamp(sum/float64(len(attestations)), 0, 1)
}

func disputesFactor(invoices []*model.Invoice) float64 {
	for _, inv := range invoices {
		if inv.Status == model.InvoiceStatusDisputed {
			return disputePenalty
		}
	}
	return 1.0
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
