// Package client provides the ICN Go SDK for submitting signed writes to an
// ICN node and reading its ledger, trust scores and checkpoints.
package client

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jmerrifield20/icn-node/internal/canonical"
	"github.com/jmerrifield20/icn-node/internal/checkpoint"
	"github.com/jmerrifield20/icn-node/internal/signature"
	"github.com/jmerrifield20/icn-node/pkg/urn"
)

// Request headers understood by the node.
const (
	HeaderKeyID          = "X-Key-Id"
	HeaderSignature      = "X-Signature"
	HeaderIdempotencyKey = "Idempotency-Key"
)

// ErrNotFound is returned when the node answers 404.
var ErrNotFound = errors.New("not found")

// ErrNoSigner is returned by write calls on a client built without WithSigner.
var ErrNoSigner = errors.New("client has no signing key; use WithSigner")

// APIError is a non-2xx response from the node.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("node error %d: %s", e.Status, e.Message)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses.
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// NodeInfo is the node's identity.
type NodeInfo struct {
	NodeID    string `json:"node_id"`
	PublicKey string `json:"public_key"`
	Algorithm string `json:"algorithm"`
}

// Org is a federation member as listed by the node.
type Org struct {
	URN         string         `json:"org_id"`
	DisplayName string         `json:"display_name"`
	PublicKey   string         `json:"pubkey"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at,omitempty"`
	UpdatedAt   string         `json:"updated_at,omitempty"`
}

// InvoiceRequest is the body of an invoice submission.
type InvoiceRequest struct {
	FromOrg    string           `json:"from_org"`
	ToOrg      string           `json:"to_org"`
	Lines      []map[string]any `json:"lines"`
	Total      float64          `json:"total"`
	Terms      map[string]any   `json:"terms,omitempty"`
	Signatures []map[string]any `json:"signatures,omitempty"`
}

// Claim is one assertion inside an attestation.
type Claim struct {
	Claim      string   `json:"claim"`
	Value      any      `json:"value"`
	Confidence *float64 `json:"confidence,omitempty"`
}

// AttestationRequest is the body of an attestation submission.
type AttestationRequest struct {
	SubjectType string   `json:"subject_type"`
	SubjectID   string   `json:"subject_id"`
	Claims      []Claim  `json:"claims"`
	Weight      *float64 `json:"weight,omitempty"`
}

// WriteResult identifies a record committed to the chain.
type WriteResult struct {
	ID         string `json:"id"`
	RowHash    string `json:"row_hash"`
	Idempotent bool   `json:"idempotent,omitempty"`
}

// StatusResult is returned by ChangeInvoiceStatus.
type StatusResult struct {
	ID         string `json:"id"`
	InvoiceID  string `json:"invoice_id"`
	FromStatus string `json:"from_status"`
	Status     string `json:"status"`
	RowHash    string `json:"row_hash"`
}

// TrustFactor is one weighted input of a trust score.
type TrustFactor struct {
	Name   string  `json:"factor"`
	Value  float64 `json:"value"`
	Weight float64 `json:"weight"`
}

// TrustScore is the node's assessment of how far FromOrg can trust ToOrg.
type TrustScore struct {
	FromOrg         string        `json:"from_org"`
	ToOrg           string        `json:"to_org"`
	Score           int           `json:"score"`
	Confidence      float64       `json:"confidence"`
	ConfidenceLabel string        `json:"confidence_label"`
	Samples         int           `json:"samples"`
	Factors         []TrustFactor `json:"factors,omitempty"`
	Explanation     string        `json:"explanation"`
}

// ChainBreak locates the first continuity failure.
type ChainBreak struct {
	Index    int    `json:"index"`
	Seq      int64  `json:"seq"`
	Expected string `json:"expected"`
	Found    string `json:"found"`
	Reason   string `json:"reason"`
}

// AuditRow is one recent entry in the audit overview.
type AuditRow struct {
	Seq            int64   `json:"seq"`
	Timestamp      string  `json:"ts"`
	RowHash        string  `json:"row_hash"`
	Op             string  `json:"op"`
	Entity         string  `json:"entity"`
	PayloadPreview *string `json:"payload_preview"`
}

// AuditStatus is the node's audit overview.
type AuditStatus struct {
	Count      int         `json:"count"`
	ChainOK    bool        `json:"chain_ok"`
	Head       *string     `json:"head"`
	Break      *ChainBreak `json:"break,omitempty"`
	LastRows   []AuditRow  `json:"last_rows"`
	Continuity *string     `json:"continuity"`
	Summary    string      `json:"summary"`
}

// Checkpoint is a stored daily checkpoint.
type Checkpoint struct {
	ID                 string `json:"id"`
	Date               string `json:"date"`
	NodeID             string `json:"node_id"`
	OperationsCount    int    `json:"operations_count"`
	MerkleRoot         string `json:"merkle_root"`
	PrevCheckpointHash string `json:"prev_checkpoint_hash"`
	Signature          string `json:"signature"`
	CreatedAt          string `json:"created_at"`
}

// MirrorReport is the outcome of VerifyMirror.
type MirrorReport struct {
	Date string `json:"date"`
	// ReceiptOK is true when the artifact's receipt verifies against the
	// pinned key and agrees with the artifact body.
	ReceiptOK    bool   `json:"receipt_ok"`
	ReceiptError string `json:"receipt_error,omitempty"`
	// NodeOK is the node's own recomputation result.
	NodeOK       bool   `json:"node_ok"`
	RootsMatch   bool   `json:"roots_match"`
	MerkleRoot   string `json:"merkle_root"`
	ComputedRoot string `json:"computed_root"`
}

// OK reports whether every mirror check passed.
func (r *MirrorReport) OK() bool { return r.ReceiptOK && r.NodeOK && r.RootsMatch }

// Client is the ICN SDK entry point.
type Client struct {
	nodeBase   string
	httpClient *http.Client
	cache      *orgCache

	signerURN  string
	signerKey  ed25519.PrivateKey
	adminToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithSigner makes the client sign writes as orgURN with the base64 Ed25519
// private key privB64.
func WithSigner(orgURN, privB64 string) Option {
	return func(c *Client) error {
		if !urn.Valid(orgURN) {
			return fmt.Errorf("invalid organization URN %q", orgURN)
		}
		priv, err := signature.ParsePrivateKey(privB64)
		if err != nil {
			return fmt.Errorf("parse signing key: %w", err)
		}
		c.signerURN = orgURN
		c.signerKey = priv
		return nil
	}
}

// WithAdminToken attaches the node's admin secret to admin-only calls.
func WithAdminToken(token string) Option {
	return func(c *Client) error {
		c.adminToken = token
		return nil
	}
}

// WithCacheTTL enables in-memory caching of organization lookups.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		c.cache = newOrgCache(ttl)
		return nil
	}
}

// WithInsecureSkipVerify disables TLS certificate verification.
// Only use this in development against a node with a self-signed certificate.
func WithInsecureSkipVerify() Option {
	return func(c *Client) error {
		c.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: 10 * time.Second,
		}
		return nil
	}
}

// New creates a new Client for the node at nodeBase.
//
//	c, err := client.New("http://localhost:8000",
//	    client.WithSigner("urn:coop:sunrise-bakery", privB64),
//	)
func New(nodeBase string, opts ...Option) (*Client, error) {
	c := &Client{
		nodeBase:   nodeBase,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(nodeBase string, opts ...Option) *Client {
	c, err := New(nodeBase, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// SignBody canonicalizes body and signs it with the client's key. It returns
// the canonical bytes that are sent and the base64 signature over them.
func (c *Client) SignBody(body any) ([]byte, string, error) {
	if c.signerKey == nil {
		return nil, "", ErrNoSigner
	}
	canon, err := canonical.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("canonicalize body: %w", err)
	}
	return canon, signature.SignBytes(canon, c.signerKey), nil
}

// Node returns the node's identity and operational public key.
func (c *Client) Node(ctx context.Context) (*NodeInfo, error) {
	var out NodeInfo
	if err := c.getJSON(ctx, "/node", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetOrg fetches a federation member by URN.
func (c *Client) GetOrg(ctx context.Context, orgURN string) (*Org, error) {
	if c.cache != nil {
		if org, ok := c.cache.get(orgURN); ok {
			return org, nil
		}
	}
	var out Org
	if err := c.getJSON(ctx, "/orgs/"+url.PathEscape(orgURN), nil, &out); err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.set(orgURN, &out)
	}
	return &out, nil
}

// ListOrgs returns every federation member.
func (c *Client) ListOrgs(ctx context.Context) ([]Org, error) {
	var out struct {
		Items []Org `json:"items"`
	}
	if err := c.getJSON(ctx, "/orgs", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// SubmitInvoice signs and submits an invoice. Resubmitting with the same
// idempotencyKey returns the original invoice with Idempotent set.
func (c *Client) SubmitInvoice(ctx context.Context, idempotencyKey string, req InvoiceRequest) (*WriteResult, error) {
	if req.Lines == nil {
		req.Lines = []map[string]any{}
	}
	var out WriteResult
	hdr := http.Header{}
	hdr.Set(HeaderIdempotencyKey, idempotencyKey)
	if err := c.signedJSON(ctx, http.MethodPost, "/invoices", hdr, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ChangeInvoiceStatus moves an invoice through its lifecycle.
func (c *Client) ChangeInvoiceStatus(ctx context.Context, invoiceID, status string) (*StatusResult, error) {
	var out StatusResult
	body := map[string]any{"status": status}
	if err := c.signedJSON(ctx, http.MethodPost, "/invoices/"+url.PathEscape(invoiceID)+"/status", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInvoice returns the invoice with its current status as raw JSON.
func (c *Client) GetInvoice(ctx context.Context, invoiceID string) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.getJSON(ctx, "/invoices/"+url.PathEscape(invoiceID), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitAttestation signs and submits an attestation.
func (c *Client) SubmitAttestation(ctx context.Context, req AttestationRequest) (*WriteResult, error) {
	var out WriteResult
	if err := c.signedJSON(ctx, http.MethodPost, "/attestations", nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TrustScore fetches the trust score of toOrg as seen by fromOrg.
func (c *Client) TrustScore(ctx context.Context, fromOrg, toOrg string, includeFactors bool) (*TrustScore, error) {
	q := url.Values{}
	q.Set("from_org", fromOrg)
	q.Set("to_org", toOrg)
	q.Set("include_factors", strconv.FormatBool(includeFactors))
	var out TrustScore
	if err := c.getJSON(ctx, "/trust/score", q, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Audit returns the node's audit overview.
func (c *Client) Audit(ctx context.Context) (*AuditStatus, error) {
	var out AuditStatus
	if err := c.getJSON(ctx, "/audit", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateCheckpoint asks the node to checkpoint date. created is false when
// the node already had a checkpoint for that day.
func (c *Client) GenerateCheckpoint(ctx context.Context, date string) (cp *Checkpoint, created bool, err error) {
	q := url.Values{}
	q.Set("date", date)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.nodeBase+"/checkpoints/generate?"+q.Encode(), nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.adminToken)
	}
	status, body, err := c.do(req)
	if err != nil {
		return nil, false, err
	}
	var out Checkpoint
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &out, status == http.StatusCreated, nil
}

// VerifyCheckpoint asks the node to recompute a checkpoint's Merkle root.
func (c *Client) VerifyCheckpoint(ctx context.Context, date string) (*checkpoint.VerifyResult, error) {
	var out checkpoint.VerifyResult
	if err := c.getJSON(ctx, "/checkpoints/"+url.PathEscape(date)+"/verify", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckpointArtifact fetches the signed artifact for date.
func (c *Client) CheckpointArtifact(ctx context.Context, date string) (*checkpoint.Artifact, error) {
	var out checkpoint.Artifact
	if err := c.getJSON(ctx, "/checkpoints/"+url.PathEscape(date)+"/artifact", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifyMirror checks a node's checkpoint for date the way an independent
// mirror would: the artifact's receipt must verify against pinnedKey (base64
// Ed25519), and the node's recomputed root must match the published one.
func (c *Client) VerifyMirror(ctx context.Context, date, pinnedKey string) (*MirrorReport, error) {
	pub, err := signature.ParsePublicKey(pinnedKey)
	if err != nil {
		return nil, fmt.Errorf("parse pinned key: %w", err)
	}
	art, err := c.CheckpointArtifact(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact: %w", err)
	}
	res, err := c.VerifyCheckpoint(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("fetch verification: %w", err)
	}

	report := &MirrorReport{
		Date:         date,
		ReceiptOK:    true,
		NodeOK:       res.OK,
		RootsMatch:   art.MerkleRoot == res.MerkleRoot && res.MerkleRoot == res.ComputedRoot,
		MerkleRoot:   art.MerkleRoot,
		ComputedRoot: res.ComputedRoot,
	}
	if err := art.Check(pub); err != nil {
		report.ReceiptOK = false
		report.ReceiptError = err.Error()
	}
	return report, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := c.nodeBase + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	_, body, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// signedJSON sends body in canonical form with the signing headers.
func (c *Client) signedJSON(ctx context.Context, method, path string, hdr http.Header, body, out any) error {
	canon, sig, err := c.SignBody(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.nodeBase+path, bytes.NewReader(canon))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range hdr {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderKeyID, c.signerURN)
	req.Header.Set(HeaderSignature, sig)

	_, respBody, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do executes req and returns the status and body, or an *APIError for
// non-2xx responses.
func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := string(body)
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return resp.StatusCode, nil, &APIError{Status: resp.StatusCode, Message: msg}
	}
	return resp.StatusCode, body, nil
}

// --- simple in-memory org cache ---

type cacheEntry struct {
	org       *Org
	expiresAt time.Time
}

type orgCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newOrgCache(ttl time.Duration) *orgCache {
	return &orgCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (oc *orgCache) get(key string) (*Org, bool) {
	oc.mu.RLock()
	defer oc.mu.RUnlock()
	e, ok := oc.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.org, true
}

func (oc *orgCache) set(key string, org *Org) {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	oc.entries[key] = &cacheEntry{org: org, expiresAt: time.Now().Add(oc.ttl)}
}
