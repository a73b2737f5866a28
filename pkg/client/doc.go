// Package client is the ICN node Go SDK.
//
// Writes to a node are authenticated per request: the JSON body is
// canonicalized (sorted keys, no whitespace), signed with the member
// organization's Ed25519 key, and sent with X-Key-Id and X-Signature. The
// client does this for every write call.
//
// # Submitting an invoice
//
//	c, err := client.New("http://localhost:8000",
//	    client.WithSigner("urn:coop:sunrise-bakery", privB64),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	res, err := c.SubmitInvoice(ctx, "inv-2024-0001", client.InvoiceRequest{
//	    FromOrg: "urn:coop:sunrise-bakery",
//	    ToOrg:   "urn:coop:river-housing",
//	    Lines:   []map[string]any{{"sku": "bread", "qty": 10}},
//	    Total:   42.5,
//	})
//
// Submitting again with the same idempotency key returns the original
// invoice with Idempotent set and does not add a ledger entry.
//
// # Mirroring checkpoints
//
// A mirror pins the node's public key (GET /node) once, then checks each
// day's checkpoint:
//
//	report, err := c.VerifyMirror(ctx, "2024-03-01", pinnedKey)
//	if err == nil && !report.OK() {
//	    // the node's published root, receipt or recomputation disagree
//	}
package client
