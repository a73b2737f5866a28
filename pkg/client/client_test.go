package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jmerrifield20/icn-node/internal/canonical"
	"github.com/jmerrifield20/icn-node/internal/checkpoint"
	"github.com/jmerrifield20/icn-node/internal/model"
	"github.com/jmerrifield20/icn-node/internal/signature"
	"github.com/jmerrifield20/icn-node/pkg/client"
)

const sunrise = "urn:coop:sunrise-bakery"

// ── Stub node ───────────────────────────────────────────────────────────

type stubNode struct {
	*httptest.Server
	pub      string
	lastBody []byte
	lastHdr  http.Header
	orgHits  int
	artifact *checkpoint.Artifact
	verify   checkpoint.VerifyResult
}

func newStubNode(t *testing.T, pub string) *stubNode {
	t.Helper()
	s := &stubNode{pub: pub}
	mux := http.NewServeMux()

	mux.HandleFunc("/invoices", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.lastBody = body
		s.lastHdr = r.Header.Clone()
		if !signature.VerifyBytes(body, r.Header.Get(client.HeaderSignature), s.pub) {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"error": "invalid signature"})
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"id": "inv-1", "row_hash": "abc"})
	})

	mux.HandleFunc("/orgs/", func(w http.ResponseWriter, r *http.Request) {
		s.orgHits++
		if r.URL.Path == "/orgs/urn:coop:nobody" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]any{"error": "organization not found"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"org_id":       sunrise,
			"display_name": "Sunrise Bakery",
			"pubkey":       s.pub,
		})
	})

	mux.HandleFunc("/checkpoints/generate", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer admin" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"error": "admin Bearer token required"})
			return
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"date": r.URL.Query().Get("date"), "merkle_root": "root"})
	})

	mux.HandleFunc("/checkpoints/2024-03-01/artifact", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(s.artifact)
	})
	mux.HandleFunc("/checkpoints/2024-03-01/verify", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(s.verify)
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestSubmitInvoice_signsCanonicalBody(t *testing.T) {
	pub, priv, err := signature.GenerateKeypair()
	if err != nil {
		t.Fatal(err)
	}
	node := newStubNode(t, pub)

	c, err := client.New(node.URL, client.WithSigner(sunrise, priv))
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.SubmitInvoice(context.Background(), "inv-001", client.InvoiceRequest{
		FromOrg: sunrise,
		ToOrg:   "urn:coop:river-housing",
		Lines:   []map[string]any{{"sku": "bread", "qty": 2}},
		Total:   42.5,
	})
	if err != nil {
		t.Fatalf("SubmitInvoice: %v", err)
	}
	if res.ID != "inv-1" {
		t.Errorf("unexpected id %q", res.ID)
	}

	canon, err := canonical.Canonicalize(node.lastBody)
	if err != nil {
		t.Fatal(err)
	}
	if string(canon) != string(node.lastBody) {
		t.Errorf("body was not sent in canonical form:\n got %s\nwant %s", node.lastBody, canon)
	}
	if got := node.lastHdr.Get(client.HeaderKeyID); got != sunrise {
		t.Errorf("X-Key-Id = %q, want %q", got, sunrise)
	}
	if got := node.lastHdr.Get(client.HeaderIdempotencyKey); got != "inv-001" {
		t.Errorf("Idempotency-Key = %q, want inv-001", got)
	}
}

func TestSubmitInvoice_wrongKeyRejected(t *testing.T) {
	pub, _, _ := signature.GenerateKeypair()
	_, otherPriv, _ := signature.GenerateKeypair()
	node := newStubNode(t, pub)

	c := client.MustNew(node.URL, client.WithSigner(sunrise, otherPriv))
	_, err := c.SubmitInvoice(context.Background(), "inv-001", client.InvoiceRequest{FromOrg: sunrise})

	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Message != "invalid signature" {
		t.Errorf("unexpected error %+v", apiErr)
	}
}

func TestSubmitInvoice_noSigner(t *testing.T) {
	c := client.MustNew("http://127.0.0.1:0")
	_, err := c.SubmitInvoice(context.Background(), "k", client.InvoiceRequest{})
	if !errors.Is(err, client.ErrNoSigner) {
		t.Errorf("expected ErrNoSigner, got %v", err)
	}
}

func TestWithSigner_validation(t *testing.T) {
	_, priv, _ := signature.GenerateKeypair()
	if _, err := client.New("http://x", client.WithSigner("not-a-urn", priv)); err == nil {
		t.Error("expected error for invalid URN")
	}
	if _, err := client.New("http://x", client.WithSigner(sunrise, "not-base64!")); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestGetOrg_cacheAndNotFound(t *testing.T) {
	pub, _, _ := signature.GenerateKeypair()
	node := newStubNode(t, pub)
	c := client.MustNew(node.URL, client.WithCacheTTL(time.Minute))

	for i := 0; i < 2; i++ {
		org, err := c.GetOrg(context.Background(), sunrise)
		if err != nil {
			t.Fatalf("GetOrg: %v", err)
		}
		if org.PublicKey != pub {
			t.Errorf("unexpected pubkey %q", org.PublicKey)
		}
	}
	if node.orgHits != 1 {
		t.Errorf("expected 1 HTTP call (cached), got %d", node.orgHits)
	}

	_, err := c.GetOrg(context.Background(), "urn:coop:nobody")
	if !errors.Is(err, client.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGenerateCheckpoint_adminToken(t *testing.T) {
	pub, _, _ := signature.GenerateKeypair()
	node := newStubNode(t, pub)

	_, _, err := client.MustNew(node.URL).GenerateCheckpoint(context.Background(), "2024-03-01")
	if err == nil {
		t.Fatal("expected error without admin token")
	}

	cp, created, err := client.MustNew(node.URL, client.WithAdminToken("admin")).
		GenerateCheckpoint(context.Background(), "2024-03-01")
	if err != nil {
		t.Fatalf("GenerateCheckpoint: %v", err)
	}
	if !created || cp.Date != "2024-03-01" {
		t.Errorf("unexpected result created=%v cp=%+v", created, cp)
	}
}

func TestVerifyMirror(t *testing.T) {
	key, err := signature.NewKeystore(filepath.Join(t.TempDir(), "node.key"), "").Create()
	if err != nil {
		t.Fatal(err)
	}
	cp := &model.Checkpoint{
		ID:              uuid.New(),
		Date:            "2024-03-01",
		NodeID:          "node-a",
		OperationsCount: 3,
		MerkleRoot:      "f00d",
		CreatedAt:       time.Date(2024, 3, 2, 0, 5, 0, 0, time.UTC),
	}
	art, err := checkpoint.NewArtifact(cp, key)
	if err != nil {
		t.Fatal(err)
	}

	node := newStubNode(t, key.PublicKeyBase64())
	node.artifact = art
	node.verify = checkpoint.VerifyResult{OK: true, MerkleRoot: "f00d", ComputedRoot: "f00d", Count: 3, SignatureOK: true}
	c := client.MustNew(node.URL)

	report, err := c.VerifyMirror(context.Background(), "2024-03-01", key.PublicKeyBase64())
	if err != nil {
		t.Fatalf("VerifyMirror: %v", err)
	}
	if !report.OK() {
		t.Errorf("expected mirror checks to pass, got %+v", report)
	}

	// A different pinned key must reject the receipt.
	otherPub, _, _ := signature.GenerateKeypair()
	report, err = c.VerifyMirror(context.Background(), "2024-03-01", otherPub)
	if err != nil {
		t.Fatalf("VerifyMirror: %v", err)
	}
	if report.ReceiptOK || report.OK() {
		t.Errorf("expected receipt failure with wrong pinned key, got %+v", report)
	}

	// A node whose recomputation disagrees fails the root comparison.
	node.verify = checkpoint.VerifyResult{OK: false, MerkleRoot: "f00d", ComputedRoot: "beef", Count: 4, SignatureOK: true}
	report, err = c.VerifyMirror(context.Background(), "2024-03-01", key.PublicKeyBase64())
	if err != nil {
		t.Fatalf("VerifyMirror: %v", err)
	}
	if report.RootsMatch || report.OK() {
		t.Errorf("expected root mismatch, got %+v", report)
	}
}
