package trustledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/icn-node/internal/model"
)

// Stable PostgreSQL advisory lock keys. The values are arbitrary but must be
// consistent across every process writing to the same database.
const (
	appendLockKey     = int64(1_159_876_543)
	checkpointLockKey = int64(1_159_876_544)
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists the chain and its records to PostgreSQL.
// It implements Backend.
type PostgresStore struct {
	pool        *pgxpool.Pool
	logger      *zap.Logger
	lockTimeout time.Duration
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
// lockTimeout bounds the wait for the append lock inside each transaction.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger, lockTimeout time.Duration) *PostgresStore {
	if lockTimeout <= 0 {
		lockTimeout = time.Second
	}
	return &PostgresStore{pool: pool, logger: logger, lockTimeout: lockTimeout}
}

// Ping implements Backend.
func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close implements Backend.
func (s *PostgresStore) Close() { s.pool.Close() }

// withLock runs fn in a transaction holding the advisory lock key. Once the
// lock is held fn and the commit run without the caller's cancellation, so a
// unit either commits or rolls back as a whole.
func (s *PostgresStore) withLock(ctx context.Context, key int64, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", mapPostgresError(err))
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return fmt.Errorf("set lock timeout: %w", mapPostgresError(err))
	}
	// The lock is released automatically when the transaction commits or rolls back.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", key); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", mapPostgresError(err))
	}

	inner := context.WithoutCancel(ctx)
	if err := fn(inner, tx); err != nil {
		return err
	}
	if err := tx.Commit(inner); err != nil {
		return fmt.Errorf("commit tx: %w", mapPostgresError(err))
	}
	return nil
}

// Atomically implements Store.
func (s *PostgresStore) Atomically(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.withLock(ctx, appendLockKey, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &postgresTx{q: tx})
	})
}

type postgresTx struct {
	q querier
}

func (tx *postgresTx) LastEntry(ctx context.Context) (*model.AuditEntry, error) {
	return lastEntry(ctx, tx.q)
}

func (tx *postgresTx) InsertEntry(ctx context.Context, e *model.AuditEntry) error {
	err := tx.q.QueryRow(ctx,
		`INSERT INTO audit_entries (prev_hash, row_hash, op_type, entity_type, entity_id, payload_hash, signature, timestamp)
		 VALUES (NULLIF($1, ''), $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
		 RETURNING seq`,
		e.PrevHash, e.RowHash, e.OpType, e.EntityType, e.EntityID, e.PayloadHash, e.Signature, e.Timestamp,
	).Scan(&e.Seq)
	return mapPostgresError(err)
}

func (tx *postgresTx) InsertRecord(ctx context.Context, rec Record) error {
	switch r := rec.(type) {
	case *model.Invoice:
		return insertInvoice(ctx, tx.q, r)
	case *model.InvoiceStatusChange:
		_, err := tx.q.Exec(ctx,
			`INSERT INTO invoice_status_changes (id, invoice_id, from_status, to_status, by_org, signature, prev_hash, row_hash, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9)`,
			r.ID, r.InvoiceID, string(r.From), string(r.To), r.By, r.Signature, r.PrevHash, r.RowHash, r.CreatedAt,
		)
		return mapPostgresError(err)
	case *model.Attestation:
		claims, err := json.Marshal(r.Claims)
		if err != nil {
			return fmt.Errorf("encode claims: %w", err)
		}
		_, err = tx.q.Exec(ctx,
			`INSERT INTO attestations (id, subject_type, subject_id, attestor_org, claims, weight, signature, prev_hash, row_hash, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10)`,
			r.ID, r.SubjectType, r.SubjectID, r.AttestorOrg, claims, r.Weight, r.Signature, r.PrevHash, r.RowHash, r.CreatedAt,
		)
		return mapPostgresError(err)
	default:
		return fmt.Errorf("unsupported record type %T", rec)
	}
}

func (tx *postgresTx) InvoiceByIdempotencyKey(ctx context.Context, key string) (*model.Invoice, error) {
	return scanInvoice(tx.q.QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE idempotency_key = $1`, key))
}

func (tx *postgresTx) Invoice(ctx context.Context, id uuid.UUID) (*model.Invoice, error) {
	return invoiceByID(ctx, tx.q, id)
}

func (tx *postgresTx) InvoiceStatusChanges(ctx context.Context, invoiceID uuid.UUID) ([]*model.InvoiceStatusChange, error) {
	return statusChanges(ctx, tx.q, invoiceID)
}

// ── Audit entries ────────────────────────────────────────────────────────

const entryCols = `seq, COALESCE(prev_hash, '') AS prev_hash, row_hash, op_type, entity_type, entity_id,
	payload_hash, COALESCE(signature, '') AS signature, timestamp`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*model.AuditEntry, error) {
	e := &model.AuditEntry{}
	if err := row.Scan(
		&e.Seq, &e.PrevHash, &e.RowHash, &e.OpType, &e.EntityType,
		&e.EntityID, &e.PayloadHash, &e.Signature, &e.Timestamp,
	); err != nil {
		return nil, mapPostgresError(err)
	}
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}

func lastEntry(ctx context.Context, q querier) (*model.AuditEntry, error) {
	e, err := scanEntry(q.QueryRow(ctx, `SELECT `+entryCols+` FROM audit_entries ORDER BY seq DESC LIMIT 1`))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}
	return e, nil
}

func queryEntries(ctx context.Context, q querier, sql string, args ...any) ([]*model.AuditEntry, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var out []*model.AuditEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, mapPostgresError(rows.Err())
}

// LastEntry implements Store.
func (s *PostgresStore) LastEntry(ctx context.Context) (*model.AuditEntry, error) {
	return lastEntry(ctx, s.pool)
}

// Entry implements Store.
func (s *PostgresStore) Entry(ctx context.Context, seq int64) (*model.AuditEntry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx, `SELECT `+entryCols+` FROM audit_entries WHERE seq = $1`, seq))
	if err != nil {
		return nil, fmt.Errorf("audit entry %d: %w", seq, err)
	}
	return e, nil
}

// Entries implements Store. O(n) in ledger length; streams every row.
func (s *PostgresStore) Entries(ctx context.Context) ([]*model.AuditEntry, error) {
	return queryEntries(ctx, s.pool, `SELECT `+entryCols+` FROM audit_entries ORDER BY seq ASC`)
}

// EntriesInRange implements Store.
func (s *PostgresStore) EntriesInRange(ctx context.Context, from, to time.Time) ([]*model.AuditEntry, error) {
	return queryEntries(ctx, s.pool,
		`SELECT `+entryCols+` FROM audit_entries WHERE timestamp >= $1 AND timestamp < $2 ORDER BY seq ASC`,
		from, to)
}

// RecentEntries implements Store.
func (s *PostgresStore) RecentEntries(ctx context.Context, n int) ([]*model.AuditEntry, error) {
	return queryEntries(ctx, s.pool,
		`SELECT * FROM (SELECT `+entryCols+` FROM audit_entries ORDER BY seq DESC LIMIT $1) t ORDER BY seq ASC`, n)
}

// Count implements Store.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_entries").Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", mapPostgresError(err))
	}
	return n, nil
}

// ── Invoices ─────────────────────────────────────────────────────────────

const invoiceCols = `id, idempotency_key, from_org, to_org, lines, total, terms, status, status_history,
	signatures, signature, COALESCE(prev_hash, ''), row_hash, created_at`

func insertInvoice(ctx context.Context, q querier, inv *model.Invoice) error {
	lines, err := json.Marshal(inv.Lines)
	if err != nil {
		return fmt.Errorf("encode lines: %w", err)
	}
	terms, err := json.Marshal(inv.Terms)
	if err != nil {
		return fmt.Errorf("encode terms: %w", err)
	}
	history, err := json.Marshal(inv.StatusHistory)
	if err != nil {
		return fmt.Errorf("encode status history: %w", err)
	}
	sigs, err := json.Marshal(inv.Signatures)
	if err != nil {
		return fmt.Errorf("encode signatures: %w", err)
	}
	_, err = q.Exec(ctx,
		`INSERT INTO invoices (id, idempotency_key, from_org, to_org, lines, total, terms, status,
		                       status_history, signatures, signature, prev_hash, row_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), $13, $14)`,
		inv.ID, inv.IdempotencyKey, inv.FromOrg, inv.ToOrg, lines, inv.Total, terms, string(inv.Status),
		history, sigs, inv.Signature, inv.PrevHash, inv.RowHash, inv.CreatedAt,
	)
	return mapPostgresError(err)
}

func scanInvoice(row rowScanner) (*model.Invoice, error) {
	inv := &model.Invoice{}
	var status string
	var lines, terms, history, sigs []byte
	if err := row.Scan(
		&inv.ID, &inv.IdempotencyKey, &inv.FromOrg, &inv.ToOrg, &lines, &inv.Total, &terms, &status,
		&history, &sigs, &inv.Signature, &inv.PrevHash, &inv.RowHash, &inv.CreatedAt,
	); err != nil {
		return nil, mapPostgresError(err)
	}
	inv.Status = model.InvoiceStatus(status)
	inv.CreatedAt = inv.CreatedAt.UTC()
	for _, f := range []struct {
		raw []byte
		dst any
	}{{lines, &inv.Lines}, {terms, &inv.Terms}, {history, &inv.StatusHistory}, {sigs, &inv.Signatures}} {
		if err := decodeJSON(f.raw, f.dst); err != nil {
			return nil, fmt.Errorf("decode invoice %s: %w", inv.ID, err)
		}
	}
	return inv, nil
}

func invoiceByID(ctx context.Context, q querier, id uuid.UUID) (*model.Invoice, error) {
	inv, err := scanInvoice(q.QueryRow(ctx, `SELECT `+invoiceCols+` FROM invoices WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("invoice %s: %w", id, err)
	}
	return inv, nil
}

func queryInvoices(ctx context.Context, q querier, sql string, args ...any) ([]*model.Invoice, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query invoices: %w", mapPostgresError(err))
	}
	defer rows.Close()
	var out []*model.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, mapPostgresError(rows.Err())
}

// Invoice implements RecordReader.
func (s *PostgresStore) Invoice(ctx context.Context, id uuid.UUID) (*model.Invoice, error) {
	return invoiceByID(ctx, s.pool, id)
}

// Invoices implements RecordReader. Newest first.
func (s *PostgresStore) Invoices(ctx context.Context, limit, offset int) ([]*model.Invoice, error) {
	return queryInvoices(ctx, s.pool,
		`SELECT `+invoiceCols+` FROM invoices ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, limit, offset)
}

// InvoicesBetween implements RecordReader.
func (s *PostgresStore) InvoicesBetween(ctx context.Context, fromOrg, toOrg string) ([]*model.Invoice, error) {
	return queryInvoices(ctx, s.pool,
		`SELECT `+invoiceCols+` FROM invoices WHERE from_org = $1 AND to_org = $2 ORDER BY created_at ASC`, fromOrg, toOrg)
}

func statusChanges(ctx context.Context, q querier, invoiceID uuid.UUID) ([]*model.InvoiceStatusChange, error) {
	rows, err := q.Query(ctx,
		`SELECT c.id, c.invoice_id, c.from_status, c.to_status, c.by_org, c.signature,
		        COALESCE(c.prev_hash, ''), c.row_hash, c.created_at
		 FROM invoice_status_changes c
		 JOIN audit_entries a ON a.entity_type = 'invoice_status' AND a.entity_id = c.id::text
		 WHERE c.invoice_id = $1
		 ORDER BY a.seq ASC`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("query status changes: %w", mapPostgresError(err))
	}
	defer rows.Close()
	var out []*model.InvoiceStatusChange
	for rows.Next() {
		c := &model.InvoiceStatusChange{}
		var from, to string
		if err := rows.Scan(&c.ID, &c.InvoiceID, &from, &to, &c.By, &c.Signature, &c.PrevHash, &c.RowHash, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan status change: %w", mapPostgresError(err))
		}
		c.From, c.To = model.InvoiceStatus(from), model.InvoiceStatus(to)
		c.CreatedAt = c.CreatedAt.UTC()
		out = append(out, c)
	}
	return out, mapPostgresError(rows.Err())
}

// InvoiceStatusChanges implements RecordReader.
func (s *PostgresStore) InvoiceStatusChanges(ctx context.Context, invoiceID uuid.UUID) ([]*model.InvoiceStatusChange, error) {
	return statusChanges(ctx, s.pool, invoiceID)
}

// ── Attestations ─────────────────────────────────────────────────────────

const attestationCols = `id, subject_type, subject_id, attestor_org, claims, weight, signature,
	COALESCE(prev_hash, ''), row_hash, created_at`

func scanAttestation(row rowScanner) (*model.Attestation, error) {
	a := &model.Attestation{}
	var claims []byte
	if err := row.Scan(
		&a.ID, &a.SubjectType, &a.SubjectID, &a.AttestorOrg, &claims, &a.Weight, &a.Signature,
		&a.PrevHash, &a.RowHash, &a.CreatedAt,
	); err != nil {
		return nil, mapPostgresError(err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	if err := decodeJSON(claims, &a.Claims); err != nil {
		return nil, fmt.Errorf("decode attestation %s claims: %w", a.ID, err)
	}
	return a, nil
}

func (s *PostgresStore) queryAttestations(ctx context.Context, sql string, args ...any) ([]*model.Attestation, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query attestations: %w", mapPostgresError(err))
	}
	defer rows.Close()
	var out []*model.Attestation
	for rows.Next() {
		a, err := scanAttestation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, mapPostgresError(rows.Err())
}

// Attestation implements RecordReader.
func (s *PostgresStore) Attestation(ctx context.Context, id uuid.UUID) (*model.Attestation, error) {
	a, err := scanAttestation(s.pool.QueryRow(ctx, `SELECT `+attestationCols+` FROM attestations WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("attestation %s: %w", id, err)
	}
	return a, nil
}

// Attestations implements RecordReader. Newest first; an empty subjectID matches all.
func (s *PostgresStore) Attestations(ctx context.Context, subjectID string, limit, offset int) ([]*model.Attestation, error) {
	return s.queryAttestations(ctx,
		`SELECT `+attestationCols+` FROM attestations
		 WHERE ($1 = '' OR subject_id = $1)
		 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3`, subjectID, limit, offset)
}

// AttestationsForSubjects implements RecordReader.
func (s *PostgresStore) AttestationsForSubjects(ctx context.Context, subjectType string, subjectIDs []string) ([]*model.Attestation, error) {
	if len(subjectIDs) == 0 {
		return nil, nil
	}
	return s.queryAttestations(ctx,
		`SELECT `+attestationCols+` FROM attestations
		 WHERE subject_type = $1 AND subject_id = ANY($2) ORDER BY created_at ASC`, subjectType, subjectIDs)
}

// ── Organizations ────────────────────────────────────────────────────────

const orgCols = `id, urn, name, public_key, metadata, created_at, updated_at`

func scanOrg(row rowScanner) (*model.Organization, error) {
	o := &model.Organization{}
	var meta []byte
	if err := row.Scan(&o.ID, &o.URN, &o.Name, &o.PublicKey, &meta, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, mapPostgresError(err)
	}
	if err := decodeJSON(meta, &o.Metadata); err != nil {
		return nil, fmt.Errorf("decode organization %s metadata: %w", o.URN, err)
	}
	return o, nil
}

// CreateOrg implements OrgStore.
func (s *PostgresStore) CreateOrg(ctx context.Context, org *model.Organization) error {
	if org.ID == uuid.Nil {
		org.ID = uuid.New()
	}
	meta, err := json.Marshal(metadataOrEmpty(org.Metadata))
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	err = s.pool.QueryRow(ctx,
		`INSERT INTO organizations (id, urn, name, public_key, metadata)
		 VALUES ($1, $2, $3, $4, $5) RETURNING created_at, updated_at`,
		org.ID, org.URN, org.Name, org.PublicKey, meta,
	).Scan(&org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create organization %q: %w", org.URN, mapPostgresError(err))
	}
	return nil
}

// Org implements OrgStore.
func (s *PostgresStore) Org(ctx context.Context, urn string) (*model.Organization, error) {
	o, err := scanOrg(s.pool.QueryRow(ctx, `SELECT `+orgCols+` FROM organizations WHERE urn = $1`, urn))
	if err != nil {
		return nil, fmt.Errorf("organization %q: %w", urn, err)
	}
	return o, nil
}

// Orgs implements OrgStore.
func (s *PostgresStore) Orgs(ctx context.Context) ([]*model.Organization, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+orgCols+` FROM organizations ORDER BY created_at ASC, urn`)
	if err != nil {
		return nil, fmt.Errorf("query organizations: %w", mapPostgresError(err))
	}
	defer rows.Close()
	var out []*model.Organization
	for rows.Next() {
		o, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, mapPostgresError(rows.Err())
}

// UpdateOrg implements OrgStore.
func (s *PostgresStore) UpdateOrg(ctx context.Context, urn string, upd model.OrgUpdate) (*model.Organization, error) {
	var meta []byte
	if upd.Metadata != nil {
		var err error
		if meta, err = json.Marshal(upd.Metadata); err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
	}
	o, err := scanOrg(s.pool.QueryRow(ctx,
		`UPDATE organizations
		 SET name = COALESCE($2, name), metadata = COALESCE($3, metadata), updated_at = now()
		 WHERE urn = $1
		 RETURNING `+orgCols,
		urn, upd.Name, meta,
	))
	if err != nil {
		return nil, fmt.Errorf("update organization %q: %w", urn, err)
	}
	return o, nil
}

// ── Checkpoints ──────────────────────────────────────────────────────────

const checkpointCols = `id, date, node_id, operations_count, merkle_root, COALESCE(prev_checkpoint_hash, ''), signature, created_at`

const dateLayout = "2006-01-02"

func scanCheckpoint(row rowScanner) (*model.Checkpoint, error) {
	cp := &model.Checkpoint{}
	var date time.Time
	if err := row.Scan(&cp.ID, &date, &cp.NodeID, &cp.OperationsCount, &cp.MerkleRoot,
		&cp.PrevCheckpointHash, &cp.Signature, &cp.CreatedAt); err != nil {
		return nil, mapPostgresError(err)
	}
	cp.Date = date.Format(dateLayout)
	cp.CreatedAt = cp.CreatedAt.UTC()
	return cp, nil
}

func checkpointByDate(ctx context.Context, q querier, date, nodeID string) (*model.Checkpoint, error) {
	d, err := time.Parse(dateLayout, date)
	if err != nil {
		return nil, fmt.Errorf("checkpoint date %q: %w", date, err)
	}
	cp, err := scanCheckpoint(q.QueryRow(ctx,
		`SELECT `+checkpointCols+` FROM checkpoints WHERE date = $1 AND node_id = $2`, d, nodeID))
	if err != nil {
		return nil, fmt.Errorf("checkpoint %s: %w", date, err)
	}
	return cp, nil
}

// WithCheckpointLock implements CheckpointStore.
func (s *PostgresStore) WithCheckpointLock(ctx context.Context, fn func(ctx context.Context, tx CheckpointTx) error) error {
	return s.withLock(ctx, checkpointLockKey, func(ctx context.Context, tx pgx.Tx) error {
		return fn(ctx, &postgresCheckpointTx{q: tx})
	})
}

type postgresCheckpointTx struct {
	q querier
}

func (tx *postgresCheckpointTx) LatestCheckpoint(ctx context.Context) (*model.Checkpoint, error) {
	cp, err := scanCheckpoint(tx.q.QueryRow(ctx,
		`SELECT `+checkpointCols+` FROM checkpoints ORDER BY created_at DESC, id LIMIT 1`))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return cp, err
}

func (tx *postgresCheckpointTx) CheckpointByDate(ctx context.Context, date, nodeID string) (*model.Checkpoint, error) {
	return checkpointByDate(ctx, tx.q, date, nodeID)
}

func (tx *postgresCheckpointTx) InsertCheckpoint(ctx context.Context, cp *model.Checkpoint) error {
	d, err := time.Parse(dateLayout, cp.Date)
	if err != nil {
		return fmt.Errorf("checkpoint date %q: %w", cp.Date, err)
	}
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	err = tx.q.QueryRow(ctx,
		`INSERT INTO checkpoints (id, date, node_id, operations_count, merkle_root, prev_checkpoint_hash, signature)
		 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7) RETURNING created_at`,
		cp.ID, d, cp.NodeID, cp.OperationsCount, cp.MerkleRoot, cp.PrevCheckpointHash, cp.Signature,
	).Scan(&cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", mapPostgresError(err))
	}
	cp.CreatedAt = cp.CreatedAt.UTC()
	return nil
}

// CheckpointByDate implements CheckpointStore.
func (s *PostgresStore) CheckpointByDate(ctx context.Context, date, nodeID string) (*model.Checkpoint, error) {
	return checkpointByDate(ctx, s.pool, date, nodeID)
}

// Checkpoints implements CheckpointStore. Newest first.
func (s *PostgresStore) Checkpoints(ctx context.Context, limit int) ([]*model.Checkpoint, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+checkpointCols+` FROM checkpoints ORDER BY created_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", mapPostgresError(err))
	}
	defer rows.Close()
	var out []*model.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, mapPostgresError(rows.Err())
}

// decodeJSON decodes JSONB columns keeping numbers as json.Number, so
// payloads re-canonicalize exactly as they were hashed.
func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(dst)
}

func metadataOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
