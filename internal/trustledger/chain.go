package trustledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/jmerrifield20/icn-node/internal/model"
)

// Config bounds how long a writer waits for the chain.
type Config struct {
	// MaxRetries is the number of attempts made before ErrConcurrencyConflict.
	MaxRetries      uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultConfig returns retry settings suited to a single node.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      5,
		InitialInterval: 25 * time.Millisecond,
		MaxInterval:     500 * time.Millisecond,
	}
}

// CommitHook is called once for every entry of a committed write.
type CommitHook func(ctx context.Context, e *model.AuditEntry)

// Chain is the serialized-append abstraction over a Store.
type Chain struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
	hooks  []CommitHook
}

// NewChain creates a Chain over store.
func NewChain(store Store, cfg Config, logger *zap.Logger) *Chain {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 1
	}
	return &Chain{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// SetClock replaces the time source. Intended for tests.
func (c *Chain) SetClock(now func() time.Time) { c.now = now }

// OnCommit registers a hook run after each successful write, outside the
// critical section.
func (c *Chain) OnCommit(h CommitHook) { c.hooks = append(c.hooks, h) }

// Store returns the underlying store.
func (c *Chain) Store() Store { return c.store }

// appendTx tracks the entries appended during one attempt of a write.
type appendTx struct {
	Tx
	appended []*model.AuditEntry
}

// Write runs fn as one atomic unit, retrying with exponential backoff while
// the chain is contended. Errors returned by fn are not retried. When the
// retry budget is exhausted the result is ErrConcurrencyConflict.
func (c *Chain) Write(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var committed []*model.AuditEntry
	op := func() (struct{}, error) {
		err := c.store.Atomically(ctx, func(ctx context.Context, tx Tx) error {
			at := &appendTx{Tx: tx}
			if err := fn(ctx, at); err != nil {
				return err
			}
			committed = at.appended
			return nil
		})
		if err == nil {
			return struct{}{}, nil
		}
		committed = nil
		if errors.Is(err, errRetryable) {
			c.logger.Debug("chain busy, retrying", zap.Error(err))
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialInterval
	b.MaxInterval = c.cfg.MaxInterval

	if _, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(c.cfg.MaxRetries)); err != nil {
		if errors.Is(err, errRetryable) {
			return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
		}
		return err
	}

	for _, e := range committed {
		c.logger.Debug("ledger entry appended",
			zap.Int64("seq", e.Seq),
			zap.String("op_type", e.OpType),
			zap.String("entity_type", e.EntityType),
			zap.String("row_hash", e.RowHash),
		)
		for _, h := range c.hooks {
			h(ctx, e)
		}
	}
	return nil
}

// Append commits rec to the chain inside tx: it reads the tip, computes the
// payload and row hashes, stamps rec with its link, and persists the record
// and its audit entry together. It must be called from within Write (or
// Store.Atomically) so the tip cannot move underneath it.
func (c *Chain) Append(ctx context.Context, tx Tx, rec Record, opType, signature string) (*model.AuditEntry, error) {
	last, err := tx.LastEntry(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain tip: %w", err)
	}
	prevHash := EmptyChainHash
	var lastAt time.Time
	if last != nil {
		prevHash = last.RowHash
		lastAt = last.Timestamp
	}

	payloadHash, rowHash, err := ComputeHash(rec.CanonicalPayload(), prevHash)
	if err != nil {
		return nil, fmt.Errorf("hash %s payload: %w", rec.EntityType(), err)
	}

	// Timestamps never go backwards along the chain, even if the wall clock does.
	at := c.now().UTC().Truncate(time.Microsecond)
	if at.Before(lastAt) {
		at = lastAt
	}

	rec.SetLink(prevHash, rowHash, at)
	if err := tx.InsertRecord(ctx, rec); err != nil {
		return nil, fmt.Errorf("insert %s: %w", rec.EntityType(), err)
	}

	entry := &model.AuditEntry{
		PrevHash:    prevHash,
		RowHash:     rowHash,
		OpType:      opType,
		EntityType:  rec.EntityType(),
		EntityID:    rec.EntityID(),
		PayloadHash: payloadHash,
		Signature:   signature,
		Timestamp:   at,
	}
	if err := tx.InsertEntry(ctx, entry); err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}

	if tracked, ok := tx.(*appendTx); ok {
		tracked.appended = append(tracked.appended, entry)
	}
	return entry, nil
}

// Verify scans the full log for continuity.
func (c *Chain) Verify(ctx context.Context) (ContinuityReport, error) {
	entries, err := c.store.Entries(ctx)
	if err != nil {
		return ContinuityReport{}, fmt.Errorf("load audit log: %w", err)
	}
	return VerifyContinuity(entries), nil
}

// Head returns the row hash of the chain tip, or EmptyChainHash.
func (c *Chain) Head(ctx context.Context) (string, error) {
	last, err := c.store.LastEntry(ctx)
	if err != nil {
		return "", fmt.Errorf("read chain tip: %w", err)
	}
	if last == nil {
		return EmptyChainHash, nil
	}
	return last.RowHash, nil
}
