package trustledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/icn-node/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConcurrencyConflict is returned when an append could not acquire the
	// chain within the configured retry budget.
	ErrConcurrencyConflict = errors.New("concurrency conflict: chain is busy, retry later")
	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("duplicate key")
	// errRetryable marks a store error that may succeed if the unit is retried.
	errRetryable = errors.New("retryable store error")
)

// Record is a domain record that can be committed to the chain.
type Record interface {
	EntityType() string
	EntityID() string
	CanonicalPayload() any
	SetLink(prevHash, rowHash string, at time.Time)
}

// Tx is the view of the store available inside one atomic append unit.
// Every write made through a Tx commits or rolls back together.
type Tx interface {
	// LastEntry returns the chain tip, or nil if the chain is empty.
	LastEntry(ctx context.Context) (*model.AuditEntry, error)
	// InsertEntry persists e and assigns its Seq.
	InsertEntry(ctx context.Context, e *model.AuditEntry) error
	// InsertRecord persists a domain record.
	InsertRecord(ctx context.Context, rec Record) error

	InvoiceByIdempotencyKey(ctx context.Context, key string) (*model.Invoice, error)
	Invoice(ctx context.Context, id uuid.UUID) (*model.Invoice, error)
	InvoiceStatusChanges(ctx context.Context, invoiceID uuid.UUID) ([]*model.InvoiceStatusChange, error)
}

// Store is the repository behind the chain.
type Store interface {
	// Atomically runs fn as one serialized unit: no other unit runs between
	// fn's first read and its commit. A non-nil error from fn rolls back
	// every write fn made. Lock waits are bounded; a timeout is reported as a
	// retryable error.
	Atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	LastEntry(ctx context.Context) (*model.AuditEntry, error)
	Entry(ctx context.Context, seq int64) (*model.AuditEntry, error)
	// Entries returns the full log in Seq order.
	Entries(ctx context.Context) ([]*model.AuditEntry, error)
	// EntriesInRange returns entries with from <= Timestamp < to in Seq order.
	EntriesInRange(ctx context.Context, from, to time.Time) ([]*model.AuditEntry, error)
	// RecentEntries returns up to n entries from the tail, in Seq order.
	RecentEntries(ctx context.Context, n int) ([]*model.AuditEntry, error)
	Count(ctx context.Context) (int64, error)
}

// RecordReader reads committed domain records.
type RecordReader interface {
	Invoice(ctx context.Context, id uuid.UUID) (*model.Invoice, error)
	Invoices(ctx context.Context, limit, offset int) ([]*model.Invoice, error)
	InvoicesBetween(ctx context.Context, fromOrg, toOrg string) ([]*model.Invoice, error)
	InvoiceStatusChanges(ctx context.Context, invoiceID uuid.UUID) ([]*model.InvoiceStatusChange, error)
	Attestation(ctx context.Context, id uuid.UUID) (*model.Attestation, error)
	Attestations(ctx context.Context, subjectID string, limit, offset int) ([]*model.Attestation, error)
	AttestationsForSubjects(ctx context.Context, subjectType string, subjectIDs []string) ([]*model.Attestation, error)
}

// OrgStore persists federation members.
type OrgStore interface {
	CreateOrg(ctx context.Context, org *model.Organization) error
	Org(ctx context.Context, urn string) (*model.Organization, error)
	Orgs(ctx context.Context) ([]*model.Organization, error)
	UpdateOrg(ctx context.Context, urn string, upd model.OrgUpdate) (*model.Organization, error)
}

// CheckpointTx is the view of the store available while the checkpoint lock is held.
type CheckpointTx interface {
	LatestCheckpoint(ctx context.Context) (*model.Checkpoint, error)
	CheckpointByDate(ctx context.Context, date, nodeID string) (*model.Checkpoint, error)
	InsertCheckpoint(ctx context.Context, cp *model.Checkpoint) error
}

// CheckpointStore persists checkpoints. Checkpoint creation is serialized
// separately from chain appends.
type CheckpointStore interface {
	WithCheckpointLock(ctx context.Context, fn func(ctx context.Context, tx CheckpointTx) error) error
	CheckpointByDate(ctx context.Context, date, nodeID string) (*model.Checkpoint, error)
	Checkpoints(ctx context.Context, limit int) ([]*model.Checkpoint, error)
	EntriesInRange(ctx context.Context, from, to time.Time) ([]*model.AuditEntry, error)
}

// Backend is implemented by stores that serve every role.
type Backend interface {
	Store
	RecordReader
	OrgStore
	CheckpointStore
	Ping(ctx context.Context) error
	Close()
}

// Compile-time interface checks.
var (
	_ Backend = (*MemoryStore)(nil)
	_ Backend = (*PostgresStore)(nil)
)
