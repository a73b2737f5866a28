package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/icn-node/internal/canonical"
	"github.com/jmerrifield20/icn-node/internal/checkpoint"
	"github.com/jmerrifield20/icn-node/internal/node/handler"
	"github.com/jmerrifield20/icn-node/internal/node/service"
	"github.com/jmerrifield20/icn-node/internal/signature"
	"github.com/jmerrifield20/icn-node/internal/trust"
	"github.com/jmerrifield20/icn-node/internal/trustledger"
)

const (
	sunrise = "urn:coop:sunrise-bakery"
	river   = "urn:coop:river-housing"
)

type testNode struct {
	router *gin.Engine
	store  *trustledger.MemoryStore
	keys   map[string]string // urn -> base64 private key
}

func setupRouter(t *testing.T, adminSecret string) *testNode {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	store := trustledger.NewMemoryStore(time.Second)
	chain := trustledger.NewChain(store, trustledger.DefaultConfig(), logger)
	orgs := service.NewOrgService(store, logger)

	n := &testNode{store: store, keys: map[string]string{}}
	var cfgs []service.OrgConfig
	for _, urn := range []string{sunrise, river} {
		pub, priv, err := signature.GenerateKeypair()
		if err != nil {
			t.Fatalf("GenerateKeypair: %v", err)
		}
		n.keys[urn] = priv
		cfgs = append(cfgs, service.OrgConfig{URN: urn, Name: urn, PublicKey: pub})
	}
	if err := orgs.Bootstrap(context.Background(), cfgs); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	nodeKey, err := signature.NewKeystore(filepath.Join(t.TempDir(), "node.key"), "").Create()
	if err != nil {
		t.Fatalf("create node key: %v", err)
	}
	checkpoints := checkpoint.NewService(store, "node-test", nodeKey, logger)

	r := gin.New()
	r.Use(handler.RequireSignature(store, logger, "/checkpoints/generate"))
	rg := r.Group("")
	handler.NewNodeHandler("node-test", nodeKey.PublicKeyBase64()).Register(rg)
	handler.NewOrgHandler(orgs, logger).Register(rg)
	handler.NewInvoiceHandler(service.NewInvoiceService(chain, store, store, logger), logger).Register(rg)
	handler.NewAttestationHandler(service.NewAttestationService(chain, store, logger), logger).Register(rg)
	handler.NewTrustHandler(trust.NewLedgerScorer(store, trust.DefaultConfig()), logger).Register(rg)
	handler.NewCheckpointHandler(checkpoints, adminSecret, logger).Register(rg)
	handler.NewAuditHandler(service.NewAuditService(chain, store), logger).Register(rg)
	n.router = r
	return n
}

func (n *testNode) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	n.router.ServeHTTP(w, req)
	return w
}

// signedRequest builds a request signed by urn over the canonical form of body.
func (n *testNode) signedRequest(t *testing.T, method, path, urn, body string) *http.Request {
	t.Helper()
	canon, err := canonical.Canonicalize([]byte(body))
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	priv, err := signature.ParsePrivateKey(n.keys[urn])
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(handler.HeaderKeyID, urn)
	req.Header.Set(handler.HeaderSignature, signature.SignBytes(canon, priv))
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return resp
}

const invoiceBody = `{"to_org":"urn:coop:river-housing","from_org":"urn:coop:sunrise-bakery",` +
	`"lines":[{"sku":"bread","qty":2}],"total":42.5,"terms":{"net_days":30}}`

func TestRequireSignature(t *testing.T) {
	n := setupRouter(t, "")

	cases := []struct {
		name   string
		req    func() *http.Request
		status int
		errMsg string
	}{
		{
			name: "wrong content type",
			req: func() *http.Request {
				r := n.signedRequest(t, http.MethodPost, "/invoices", sunrise, invoiceBody)
				r.Header.Set("Content-Type", "text/plain")
				return r
			},
			status: http.StatusUnsupportedMediaType,
		},
		{
			name: "missing headers",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/invoices", bytes.NewBufferString(invoiceBody))
				r.Header.Set("Content-Type", "application/json")
				return r
			},
			status: http.StatusUnauthorized,
			errMsg: "missing signature headers",
		},
		{
			name: "malformed body",
			req: func() *http.Request {
				r := httptest.NewRequest(http.MethodPost, "/invoices", bytes.NewBufferString(`{"total":`))
				r.Header.Set("Content-Type", "application/json")
				r.Header.Set(handler.HeaderKeyID, sunrise)
				r.Header.Set(handler.HeaderSignature, "AAAA")
				return r
			},
			status: http.StatusBadRequest,
			errMsg: "invalid JSON body",
		},
		{
			name: "unknown signer",
			req: func() *http.Request {
				r := n.signedRequest(t, http.MethodPost, "/invoices", sunrise, invoiceBody)
				r.Header.Set(handler.HeaderKeyID, "urn:coop:nobody")
				return r
			},
			status: http.StatusUnauthorized,
			errMsg: "unknown X-Key-Id",
		},
		{
			name: "signature by another org",
			req: func() *http.Request {
				r := n.signedRequest(t, http.MethodPost, "/invoices", river, invoiceBody)
				r.Header.Set(handler.HeaderKeyID, sunrise)
				return r
			},
			status: http.StatusUnauthorized,
			errMsg: "invalid signature",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := n.do(tc.req())
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, w.Code, w.Body.String())
			}
			if tc.errMsg != "" {
				if got := decode(t, w)["error"]; got != tc.errMsg {
					t.Errorf("expected error %q, got %v", tc.errMsg, got)
				}
			}
		})
	}

	// GETs are never signed.
	if w := n.do(httptest.NewRequest(http.MethodGet, "/invoices", nil)); w.Code != http.StatusOK {
		t.Errorf("GET /invoices: expected 200, got %d", w.Code)
	}
}

func TestInvoiceFlow(t *testing.T) {
	n := setupRouter(t, "")

	// Key order and whitespace differ from the canonical form the signature covers.
	req := n.signedRequest(t, http.MethodPost, "/invoices", sunrise, invoiceBody)
	req.Header.Set(handler.HeaderIdempotencyKey, "inv-001")
	w := n.do(req)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decode(t, w)
	id, _ := created["id"].(string)
	if id == "" || created["row_hash"] == "" {
		t.Fatalf("create: expected id and row_hash, got %v", created)
	}

	req = n.signedRequest(t, http.MethodPost, "/invoices", sunrise, invoiceBody)
	req.Header.Set(handler.HeaderIdempotencyKey, "inv-001")
	w = n.do(req)
	if w.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	replay := decode(t, w)
	if replay["id"] != id || replay["idempotent"] != true {
		t.Errorf("replay: expected same id with idempotent=true, got %v", replay)
	}

	req = n.signedRequest(t, http.MethodPost, "/invoices", sunrise, invoiceBody)
	if w = n.do(req); w.Code != http.StatusBadRequest {
		t.Errorf("missing Idempotency-Key: expected 400, got %d", w.Code)
	}

	w = n.do(n.signedRequest(t, http.MethodPost, "/invoices/"+id+"/status", river, `{"status":"accepted"}`))
	if w.Code != http.StatusCreated {
		t.Fatalf("accept: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	w = n.do(n.signedRequest(t, http.MethodPost, "/invoices/"+id+"/status", river, `{"status":"proposed"}`))
	if w.Code != http.StatusConflict {
		t.Errorf("invalid transition: expected 409, got %d: %s", w.Code, w.Body.String())
	}

	w = n.do(httptest.NewRequest(http.MethodGet, "/invoices/"+id, nil))
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}
	inv := decode(t, w)
	if inv["status"] != "accepted" {
		t.Errorf("expected folded status accepted, got %v", inv["status"])
	}

	w = n.do(httptest.NewRequest(http.MethodGet, "/audit", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("audit: expected 200, got %d", w.Code)
	}
	audit := decode(t, w)
	if audit["count"] != float64(2) || audit["chain_ok"] != true {
		t.Errorf("expected 2 entries on an intact chain, got %v", audit)
	}

	w = n.do(httptest.NewRequest(http.MethodGet, "/audit/entries/1", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("audit entry: expected 200, got %d", w.Code)
	}
	if got := decode(t, w)["row_hash"]; got != created["row_hash"] {
		t.Errorf("entry 1 row_hash %v, want %v", got, created["row_hash"])
	}
}

func TestUpdateOrg_onlySelf(t *testing.T) {
	n := setupRouter(t, "")

	w := n.do(n.signedRequest(t, http.MethodPatch, "/orgs/"+sunrise, river, `{"name":"Hijacked"}`))
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d: %s", w.Code, w.Body.String())
	}

	w = n.do(n.signedRequest(t, http.MethodPatch, "/orgs/"+sunrise, sunrise, `{"name":"Sunrise Bakery"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got := decode(t, w)["display_name"]; got != "Sunrise Bakery" {
		t.Errorf("expected updated display_name, got %v", got)
	}
}

func TestCheckpoints(t *testing.T) {
	n := setupRouter(t, "s3cret")

	w := n.do(httptest.NewRequest(http.MethodGet, "/checkpoints/2024-01-01", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("missing checkpoint: expected 404, got %d", w.Code)
	}

	gen := func(date, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/checkpoints/generate?date="+date, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return n.do(req)
	}

	if w = gen("2024-01-01", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no admin token: expected 401, got %d", w.Code)
	}
	if w = gen("2024-01-01", "wrong"); w.Code != http.StatusForbidden {
		t.Errorf("bad admin token: expected 403, got %d", w.Code)
	}
	if w = gen("2024-1-01", "s3cret"); w.Code != http.StatusBadRequest {
		t.Errorf("malformed date: expected 400, got %d", w.Code)
	}
	if w = gen(time.Now().UTC().Format("2006-01-02"), "s3cret"); w.Code != http.StatusBadRequest {
		t.Errorf("open day: expected 400, got %d", w.Code)
	}
	if w = gen("2024-01-01", "s3cret"); w.Code != http.StatusCreated {
		t.Fatalf("generate: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if w = gen("2024-01-01", "s3cret"); w.Code != http.StatusOK {
		t.Errorf("regenerate: expected 200, got %d", w.Code)
	}

	w = n.do(httptest.NewRequest(http.MethodGet, "/checkpoints/2024-01-01/verify", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("verify: expected 200, got %d", w.Code)
	}
	res := decode(t, w)
	if res["ok"] != true || res["signature_ok"] != true || res["count"] != float64(0) {
		t.Errorf("unexpected verify result %v", res)
	}

	w = n.do(httptest.NewRequest(http.MethodGet, "/checkpoints/2024-01-01/artifact", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("artifact: expected 200, got %d", w.Code)
	}
	if receipt, _ := decode(t, w)["receipt"].(string); receipt == "" {
		t.Error("expected a receipt on the artifact")
	}
}

func TestTrustScore(t *testing.T) {
	n := setupRouter(t, "")

	w := n.do(httptest.NewRequest(http.MethodGet, "/trust/score?from_org="+sunrise, nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing to_org: expected 400, got %d", w.Code)
	}

	w = n.do(httptest.NewRequest(http.MethodGet, "/trust/score?from_org="+sunrise+"&to_org=urn:coop:nobody", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown org: expected 400, got %d", w.Code)
	}

	w = n.do(httptest.NewRequest(http.MethodGet, "/trust/score?from_org="+sunrise+"&to_org="+river+"&include_factors=true", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	report := decode(t, w)
	if report["score"] != float64(0) || report["confidence_label"] != "low" {
		t.Errorf("expected score 0 with low confidence, got %v", report)
	}

	factors, _ := report["factors"].([]any)
	want := []string{"payment_history_decay", "third_party_attestations", "disputes_recent"}
	if len(factors) != len(want) {
		t.Fatalf("expected %d factors, got %v", len(want), report["factors"])
	}
	for i, name := range want {
		f, _ := factors[i].(map[string]any)
		if f["factor"] != name {
			t.Errorf("factor %d: expected %q, got %v", i, name, f["factor"])
		}
	}
}

func TestNodeEndpoints(t *testing.T) {
	n := setupRouter(t, "")

	w := n.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || decode(t, w)["status"] != "ok" {
		t.Errorf("healthz: got %d %s", w.Code, w.Body.String())
	}

	w = n.do(httptest.NewRequest(http.MethodGet, "/orgs", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("orgs: expected 200, got %d", w.Code)
	}
	items, _ := decode(t, w)["items"].([]any)
	if len(items) != 2 {
		t.Errorf("expected 2 orgs, got %d", len(items))
	}
}
