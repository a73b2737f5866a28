// Package trustledger implements the node's append-only hash chain.
//
// Every domain record (invoice, status change, attestation) is committed
// together with an AuditEntry whose row hash binds it to the entry before it:
//
//	payload_hash = SHA-256(canonical(payload))
//	row_hash     = SHA-256(prev_row_hash || payload_hash)
//
// The first entry chains from the empty sentinel. Appends are serialized
// through Store.Atomically so two writers can never observe the same tip.
//
// Two Store implementations are provided:
//   - MemoryStore: in-process, for testing and single-node development.
//   - PostgresStore: durable, for production use.
package trustledger
