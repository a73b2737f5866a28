// Package checkpoint commits each UTC day of the audit chain to a signed
// Merkle root, linked to the checkpoint created before it.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/icn-node/internal/canonical"
	"github.com/jmerrifield20/icn-node/internal/model"
	"github.com/jmerrifield20/icn-node/internal/signature"
	"github.com/jmerrifield20/icn-node/internal/trustledger"
)

// DateLayout is the wire form of a checkpoint date.
const DateLayout = "2006-01-02"

var (
	// ErrCheckpointNotFound is returned when no checkpoint exists for a date.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
	// ErrInvalidDateFormat is returned for dates not in YYYY-MM-DD form.
	ErrInvalidDateFormat = errors.New("invalid date format, want YYYY-MM-DD")
	// ErrDayNotClosed is returned when a checkpoint is requested for a UTC day
	// that has not ended yet.
	ErrDayNotClosed = errors.New("checkpoint date has not ended yet (UTC)")
	// ErrEntryNotInCheckpoint is returned when a proof is requested for an
	// entry outside the checkpoint's window.
	ErrEntryNotInCheckpoint = errors.New("entry not covered by checkpoint")
)

// ParseDate parses a strict YYYY-MM-DD calendar date as midnight UTC.
func ParseDate(s string) (time.Time, error) {
	if len(s) != len(DateLayout) {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateFormat, s)
	}
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateFormat, s)
	}
	return d.UTC(), nil
}

// Window returns the half-open interval [00:00:00, next midnight) of day in
// UTC, i.e. every microsecond up to and including 23:59:59.999999.
func Window(day time.Time) (from, to time.Time) {
	from = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return from, from.AddDate(0, 0, 1)
}

// VerifyResult is the outcome of recomputing a stored checkpoint.
type VerifyResult struct {
	OK           bool   `json:"ok"`
	MerkleRoot   string `json:"merkle_root"`
	ComputedRoot string `json:"computed_root"`
	Count        int    `json:"count"`
	SignatureOK  bool   `json:"signature_ok"`
}

// InclusionProof shows that one audit entry is committed by a checkpoint.
type InclusionProof struct {
	Date       string      `json:"date"`
	Seq        int64       `json:"seq"`
	Index      int         `json:"index"`
	Leaf       string      `json:"leaf"`
	Proof      []ProofStep `json:"proof"`
	MerkleRoot string      `json:"merkle_root"`
}

// Service generates and verifies checkpoints for one node.
type Service struct {
	store     trustledger.CheckpointStore
	nodeID    string
	key       *signature.NodeKey
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewService creates a Service. key signs every checkpoint the node creates.
func NewService(store trustledger.CheckpointStore, nodeID string, key *signature.NodeKey, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		nodeID:    nodeID,
		key:       key,
		publisher: NoopPublisher{},
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the time source used to decide whether a day has ended.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// SetPublisher configures where artifacts are published after generation.
func (s *Service) SetPublisher(p Publisher) { s.publisher = p }

// NodeID returns the identifier checkpoints are recorded under.
func (s *Service) NodeID() string { return s.nodeID }

// PublicKey returns the base64 key that verifies checkpoint signatures.
func (s *Service) PublicKey() string { return s.key.PublicKeyBase64() }

// Generate creates the checkpoint for date. Generation is idempotent: if the
// node already has a checkpoint for date, it is returned unchanged and
// created is false. Only days that have fully ended in UTC can be
// checkpointed; anything later fails with ErrDayNotClosed.
func (s *Service) Generate(ctx context.Context, date string) (cp *model.Checkpoint, created bool, err error) {
	day, err := ParseDate(date)
	if err != nil {
		return nil, false, err
	}
	date = day.Format(DateLayout)
	if _, end := Window(day); end.After(s.now().UTC()) {
		return nil, false, fmt.Errorf("%w: %s", ErrDayNotClosed, date)
	}

	err = s.store.WithCheckpointLock(ctx, func(ctx context.Context, tx trustledger.CheckpointTx) error {
		existing, err := tx.CheckpointByDate(ctx, date, s.nodeID)
		if err == nil {
			cp = existing
			return nil
		}
		if !errors.Is(err, trustledger.ErrNotFound) {
			return err
		}

		from, to := Window(day)
		entries, err := s.store.EntriesInRange(ctx, from, to)
		if err != nil {
			return fmt.Errorf("load entries for %s: %w", date, err)
		}
		prev, err := tx.LatestCheckpoint(ctx)
		if err != nil {
			return fmt.Errorf("load latest checkpoint: %w", err)
		}

		next := &model.Checkpoint{
			Date:            date,
			NodeID:          s.nodeID,
			OperationsCount: len(entries),
			MerkleRoot:      MerkleRoot(Leaves(entries)),
		}
		if prev != nil {
			next.PrevCheckpointHash = prev.MerkleRoot
		}
		if next.Signature, err = s.sign(next); err != nil {
			return err
		}
		if err := tx.InsertCheckpoint(ctx, next); err != nil {
			return err
		}
		cp, created = next, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		s.logger.Info("checkpoint generated",
			zap.String("date", cp.Date),
			zap.Int("operations", cp.OperationsCount),
			zap.String("merkle_root", cp.MerkleRoot),
		)
		s.publish(ctx, cp)
	}
	return cp, created, nil
}

// Get returns the stored checkpoint for date.
func (s *Service) Get(ctx context.Context, date string) (*model.Checkpoint, error) {
	day, err := ParseDate(date)
	if err != nil {
		return nil, err
	}
	cp, err := s.store.CheckpointByDate(ctx, day.Format(DateLayout), s.nodeID)
	if errors.Is(err, trustledger.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, date)
	}
	return cp, err
}

// List returns up to limit checkpoints, newest first.
func (s *Service) List(ctx context.Context, limit int) ([]*model.Checkpoint, error) {
	return s.store.Checkpoints(ctx, limit)
}

// Verify recomputes the root for date from the committed entries and
// compares it with the stored checkpoint. It has no side effects.
func (s *Service) Verify(ctx context.Context, date string) (*VerifyResult, error) {
	cp, err := s.Get(ctx, date)
	if err != nil {
		return nil, err
	}
	entries, err := s.entriesFor(ctx, cp)
	if err != nil {
		return nil, err
	}
	computed := MerkleRoot(Leaves(entries))
	return &VerifyResult{
		OK:           computed == cp.MerkleRoot,
		MerkleRoot:   cp.MerkleRoot,
		ComputedRoot: computed,
		Count:        len(entries),
		SignatureOK:  s.signatureOK(cp),
	}, nil
}

// Prove returns an inclusion proof for the entry with seq under the
// checkpoint for date.
func (s *Service) Prove(ctx context.Context, date string, seq int64) (*InclusionProof, error) {
	cp, err := s.Get(ctx, date)
	if err != nil {
		return nil, err
	}
	entries, err := s.entriesFor(ctx, cp)
	if err != nil {
		return nil, err
	}
	for i, e := range entries {
		if e.Seq != seq {
			continue
		}
		leaves := Leaves(entries)
		steps, err := Proof(leaves, i)
		if err != nil {
			return nil, err
		}
		return &InclusionProof{
			Date:       cp.Date,
			Seq:        seq,
			Index:      i,
			Leaf:       leaves[i],
			Proof:      steps,
			MerkleRoot: cp.MerkleRoot,
		}, nil
	}
	return nil, fmt.Errorf("%w: seq %d, date %s", ErrEntryNotInCheckpoint, seq, date)
}

func (s *Service) entriesFor(ctx context.Context, cp *model.Checkpoint) ([]*model.AuditEntry, error) {
	day, err := ParseDate(cp.Date)
	if err != nil {
		return nil, err
	}
	from, to := Window(day)
	entries, err := s.store.EntriesInRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load entries for %s: %w", cp.Date, err)
	}
	return entries, nil
}

func (s *Service) sign(cp *model.Checkpoint) (string, error) {
	msg, err := canonical.Marshal(cp.SigningPayload())
	if err != nil {
		return "", fmt.Errorf("encode checkpoint: %w", err)
	}
	return s.key.Sign(msg), nil
}

func (s *Service) signatureOK(cp *model.Checkpoint) bool {
	msg, err := canonical.Marshal(cp.SigningPayload())
	if err != nil {
		return false
	}
	return signature.VerifyBytes(msg, cp.Signature, s.key.PublicKeyBase64())
}

func (s *Service) publish(ctx context.Context, cp *model.Checkpoint) {
	art, err := NewArtifact(cp, s.key)
	if err != nil {
		s.logger.Warn("build checkpoint artifact", zap.String("date", cp.Date), zap.Error(err))
		return
	}
	if err := s.publisher.Publish(ctx, art); err != nil {
		// Non-fatal: the checkpoint is already committed and the artifact
		// can be fetched over HTTP.
		s.logger.Warn("publish checkpoint artifact", zap.String("date", cp.Date), zap.Error(err))
	}
}

// Artifact builds the signed, self-contained artifact for date.
func (s *Service) Artifact(ctx context.Context, date string) (*Artifact, error) {
	cp, err := s.Get(ctx, date)
	if err != nil {
		return nil, err
	}
	return NewArtifact(cp, s.key)
}
