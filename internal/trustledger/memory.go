package trustledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/icn-node/internal/model"
)

// MemoryStore is an in-memory, thread-safe Backend. It is primarily useful
// for testing and for single-process deployments that do not require durable
// persistence across restarts.
//
// Appends are serialized by a one-slot semaphore rather than a mutex so that
// waiting for it can be bounded and cancelled.
type MemoryStore struct {
	appendLock     chan struct{}
	checkpointLock chan struct{}
	lockWait       time.Duration

	mu            sync.RWMutex
	entries       []*model.AuditEntry
	invoices      []*model.Invoice
	invoiceIdx    map[uuid.UUID]int
	idemKeys      map[string]uuid.UUID
	statusChanges map[uuid.UUID][]*model.InvoiceStatusChange
	attestations  []*model.Attestation
	orgs          []*model.Organization
	checkpoints   []*model.Checkpoint
}

// NewMemoryStore creates an empty MemoryStore. lockWait bounds how long a
// writer waits for the chain before the attempt is reported as retryable.
func NewMemoryStore(lockWait time.Duration) *MemoryStore {
	if lockWait <= 0 {
		lockWait = time.Second
	}
	return &MemoryStore{
		appendLock:     make(chan struct{}, 1),
		checkpointLock: make(chan struct{}, 1),
		lockWait:       lockWait,
		invoiceIdx:     make(map[uuid.UUID]int),
		idemKeys:       make(map[string]uuid.UUID),
		statusChanges:  make(map[uuid.UUID][]*model.InvoiceStatusChange),
	}
}

func (s *MemoryStore) acquire(ctx context.Context, lock chan struct{}) error {
	timer := time.NewTimer(s.lockWait)
	defer timer.Stop()
	select {
	case lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: lock not acquired within %s", errRetryable, s.lockWait)
	}
}

func release(lock chan struct{}) { <-lock }

// Atomically implements Store. Writes are staged on the transaction and
// become visible only if fn succeeds.
func (s *MemoryStore) Atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := s.acquire(ctx, s.appendLock); err != nil {
		return err
	}
	defer release(s.appendLock)

	tx := &memoryTx{s: s}
	if err := fn(context.WithoutCancel(ctx), tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inv := range tx.invoices {
		s.invoiceIdx[inv.ID] = len(s.invoices)
		s.invoices = append(s.invoices, inv)
		s.idemKeys[inv.IdempotencyKey] = inv.ID
	}
	for _, c := range tx.statusChanges {
		s.statusChanges[c.InvoiceID] = append(s.statusChanges[c.InvoiceID], c)
	}
	s.attestations = append(s.attestations, tx.attestations...)
	s.entries = append(s.entries, tx.entries...)
	return nil
}

// memoryTx stages writes for one Atomically call. Only the holder of the
// append lock mutates committed state, so reads of it need only the RLock.
type memoryTx struct {
	s             *MemoryStore
	entries       []*model.AuditEntry
	invoices      []*model.Invoice
	statusChanges []*model.InvoiceStatusChange
	attestations  []*model.Attestation
}

func (tx *memoryTx) LastEntry(ctx context.Context) (*model.AuditEntry, error) {
	if n := len(tx.entries); n > 0 {
		e := *tx.entries[n-1]
		return &e, nil
	}
	return tx.s.LastEntry(ctx)
}

func (tx *memoryTx) InsertEntry(ctx context.Context, e *model.AuditEntry) error {
	last, err := tx.LastEntry(ctx)
	if err != nil {
		return err
	}
	e.Seq = 1
	if last != nil {
		e.Seq = last.Seq + 1
	}
	stored := *e
	tx.entries = append(tx.entries, &stored)
	return nil
}

func (tx *memoryTx) InsertRecord(ctx context.Context, rec Record) error {
	switch r := rec.(type) {
	case *model.Invoice:
		if _, err := tx.InvoiceByIdempotencyKey(ctx, r.IdempotencyKey); err == nil {
			return fmt.Errorf("%w: idempotency key %q", ErrDuplicate, r.IdempotencyKey)
		}
		stored := *r
		tx.invoices = append(tx.invoices, &stored)
	case *model.InvoiceStatusChange:
		stored := *r
		tx.statusChanges = append(tx.statusChanges, &stored)
	case *model.Attestation:
		stored := *r
		tx.attestations = append(tx.attestations, &stored)
	default:
		return fmt.Errorf("unsupported record type %T", rec)
	}
	return nil
}

func (tx *memoryTx) InvoiceByIdempotencyKey(ctx context.Context, key string) (*model.Invoice, error) {
	for _, inv := range tx.invoices {
		if inv.IdempotencyKey == key {
			out := *inv
			return &out, nil
		}
	}
	tx.s.mu.RLock()
	id, ok := tx.s.idemKeys[key]
	tx.s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return tx.s.Invoice(ctx, id)
}

func (tx *memoryTx) Invoice(ctx context.Context, id uuid.UUID) (*model.Invoice, error) {
	for _, inv := range tx.invoices {
		if inv.ID == id {
			out := *inv
			return &out, nil
		}
	}
	return tx.s.Invoice(ctx, id)
}

func (tx *memoryTx) InvoiceStatusChanges(ctx context.Context, invoiceID uuid.UUID) ([]*model.InvoiceStatusChange, error) {
	out, err := tx.s.InvoiceStatusChanges(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	for _, c := range tx.statusChanges {
		if c.InvoiceID == invoiceID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// LastEntry implements Store.
func (s *MemoryStore) LastEntry(_ context.Context) (*model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	e := *s.entries[len(s.entries)-1]
	return &e, nil
}

// Entry implements Store.
func (s *MemoryStore) Entry(_ context.Context, seq int64) (*model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].Seq >= seq })
	if i == len(s.entries) || s.entries[i].Seq != seq {
		return nil, fmt.Errorf("audit entry %d: %w", seq, ErrNotFound)
	}
	e := *s.entries[i]
	return &e, nil
}

// Entries implements Store.
func (s *MemoryStore) Entries(ctx context.Context) ([]*model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyEntries(ctx, s.entries)
}

// EntriesInRange implements Store.
func (s *MemoryStore) EntriesInRange(ctx context.Context, from, to time.Time) ([]*model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var in []*model.AuditEntry
	for _, e := range s.entries {
		if !e.Timestamp.Before(from) && e.Timestamp.Before(to) {
			in = append(in, e)
		}
	}
	return copyEntries(ctx, in)
}

// RecentEntries implements Store.
func (s *MemoryStore) RecentEntries(ctx context.Context, n int) ([]*model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := len(s.entries) - n
	if start < 0 {
		start = 0
	}
	return copyEntries(ctx, s.entries[start:])
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

func copyEntries(ctx context.Context, in []*model.AuditEntry) ([]*model.AuditEntry, error) {
	out := make([]*model.AuditEntry, len(in))
	for i, e := range in {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// Invoice implements RecordReader.
func (s *MemoryStore) Invoice(_ context.Context, id uuid.UUID) (*model.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.invoiceIdx[id]
	if !ok {
		return nil, fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}
	out := *s.invoices[i]
	return &out, nil
}

// Invoices implements RecordReader. Newest first.
func (s *MemoryStore) Invoices(_ context.Context, limit, offset int) ([]*model.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Invoice
	for i := len(s.invoices) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		inv := *s.invoices[i]
		out = append(out, &inv)
	}
	return out, nil
}

// InvoicesBetween implements RecordReader.
func (s *MemoryStore) InvoicesBetween(_ context.Context, fromOrg, toOrg string) ([]*model.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Invoice
	for _, inv := range s.invoices {
		if inv.FromOrg == fromOrg && inv.ToOrg == toOrg {
			cp := *inv
			out = append(out, &cp)
		}
	}
	return out, nil
}

// InvoiceStatusChanges implements RecordReader.
func (s *MemoryStore) InvoiceStatusChanges(_ context.Context, invoiceID uuid.UUID) ([]*model.InvoiceStatusChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	changes := s.statusChanges[invoiceID]
	out := make([]*model.InvoiceStatusChange, len(changes))
	for i, c := range changes {
		cp := *c
		out[i] = &cp
	}
	return out, nil
}

// Attestation implements RecordReader.
func (s *MemoryStore) Attestation(_ context.Context, id uuid.UUID) (*model.Attestation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.attestations {
		if a.ID == id {
			out := *a
			return &out, nil
		}
	}
	return nil, fmt.Errorf("attestation %s: %w", id, ErrNotFound)
}

// Attestations implements RecordReader. Newest first; an empty subjectID matches all.
func (s *MemoryStore) Attestations(_ context.Context, subjectID string, limit, offset int) ([]*model.Attestation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Attestation
	skipped := 0
	for i := len(s.attestations) - 1; i >= 0 && len(out) < limit; i-- {
		a := s.attestations[i]
		if subjectID != "" && a.SubjectID != subjectID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	return out, nil
}

// AttestationsForSubjects implements RecordReader.
func (s *MemoryStore) AttestationsForSubjects(_ context.Context, subjectType string, subjectIDs []string) ([]*model.Attestation, error) {
	want := make(map[string]struct{}, len(subjectIDs))
	for _, id := range subjectIDs {
		want[id] = struct{}{}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Attestation
	for _, a := range s.attestations {
		if _, ok := want[a.SubjectID]; ok && a.SubjectType == subjectType {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// CreateOrg implements OrgStore.
func (s *MemoryStore) CreateOrg(_ context.Context, org *model.Organization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orgs {
		if o.URN == org.URN {
			return fmt.Errorf("%w: organization %q", ErrDuplicate, org.URN)
		}
	}
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	now := time.Now().UTC()
	org.CreatedAt, org.UpdatedAt = now, now
	stored := *org
	s.orgs = append(s.orgs, &stored)
	return nil
}

// Org implements OrgStore.
func (s *MemoryStore) Org(_ context.Context, urn string) (*model.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.orgs {
		if o.URN == urn {
			out := *o
			return &out, nil
		}
	}
	return nil, fmt.Errorf("organization %q: %w", urn, ErrNotFound)
}

// Orgs implements OrgStore.
func (s *MemoryStore) Orgs(_ context.Context) ([]*model.Organization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Organization, len(s.orgs))
	for i, o := range s.orgs {
		cp := *o
		out[i] = &cp
	}
	return out, nil
}

// UpdateOrg implements OrgStore.
func (s *MemoryStore) UpdateOrg(_ context.Context, urn string, upd model.OrgUpdate) (*model.Organization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.orgs {
		if o.URN != urn {
			continue
		}
		if upd.Name != nil {
			o.Name = *upd.Name
		}
		if upd.Metadata != nil {
			o.Metadata = upd.Metadata
		}
		o.UpdatedAt = time.Now().UTC()
		out := *o
		return &out, nil
	}
	return nil, fmt.Errorf("organization %q: %w", urn, ErrNotFound)
}

// WithCheckpointLock implements CheckpointStore.
func (s *MemoryStore) WithCheckpointLock(ctx context.Context, fn func(ctx context.Context, tx CheckpointTx) error) error {
	if err := s.acquire(ctx, s.checkpointLock); err != nil {
		return err
	}
	defer release(s.checkpointLock)

	tx := &memoryCheckpointTx{s: s}
	if err := fn(context.WithoutCancel(ctx), tx); err != nil {
		return err
	}
	s.mu.Lock()
	s.checkpoints = append(s.checkpoints, tx.staged...)
	s.mu.Unlock()
	return nil
}

type memoryCheckpointTx struct {
	s      *MemoryStore
	staged []*model.Checkpoint
}

func (tx *memoryCheckpointTx) LatestCheckpoint(ctx context.Context) (*model.Checkpoint, error) {
	if n := len(tx.staged); n > 0 {
		cp := *tx.staged[n-1]
		return &cp, nil
	}
	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	if len(tx.s.checkpoints) == 0 {
		return nil, nil
	}
	cp := *tx.s.checkpoints[len(tx.s.checkpoints)-1]
	return &cp, nil
}

func (tx *memoryCheckpointTx) CheckpointByDate(ctx context.Context, date, nodeID string) (*model.Checkpoint, error) {
	for _, cp := range tx.staged {
		if cp.Date == date && cp.NodeID == nodeID {
			out := *cp
			return &out, nil
		}
	}
	return tx.s.CheckpointByDate(ctx, date, nodeID)
}

func (tx *memoryCheckpointTx) InsertCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	if _, err := tx.CheckpointByDate(ctx, cp.Date, cp.NodeID); err == nil {
		return fmt.Errorf("%w: checkpoint %s for node %s", ErrDuplicate, cp.Date, cp.NodeID)
	}
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	stored := *cp
	tx.staged = append(tx.staged, &stored)
	return nil
}

// CheckpointByDate implements CheckpointStore.
func (s *MemoryStore) CheckpointByDate(_ context.Context, date, nodeID string) (*model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cp := range s.checkpoints {
		if cp.Date == date && cp.NodeID == nodeID {
			out := *cp
			return &out, nil
		}
	}
	return nil, fmt.Errorf("checkpoint %s: %w", date, ErrNotFound)
}

// Checkpoints implements CheckpointStore. Newest first.
func (s *MemoryStore) Checkpoints(_ context.Context, limit int) ([]*model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Checkpoint
	for i := len(s.checkpoints) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.checkpoints[i]
		out = append(out, &cp)
	}
	return out, nil
}

// Ping implements Backend.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close implements Backend.
func (s *MemoryStore) Close() {}
