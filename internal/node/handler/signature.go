package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/icn-node/internal/canonical"
	"github.com/jmerrifield20/icn-node/internal/model"
	"github.com/jmerrifield20/icn-node/internal/node/service"
	"github.com/jmerrifield20/icn-node/internal/signature"
	"github.com/jmerrifield20/icn-node/internal/trustledger"
)

// Signed-write headers.
const (
	HeaderKeyID          = "X-Key-Id"
	HeaderSignature      = "X-Signature"
	HeaderIdempotencyKey = "Idempotency-Key"
)

const (
	ctxSigner        = "icn.signer"
	ctxCanonicalBody = "icn.canonical_body"

	maxBodyBytes = 1 << 20
)

// orgResolver looks up a signer's organization. *trustledger.MemoryStore and
// *trustledger.PostgresStore satisfy this interface.
type orgResolver interface {
	Org(ctx context.Context, urn string) (*model.Organization, error)
}

// RequireSignature returns a Gin middleware that authenticates POST and PATCH
// requests. The JSON body is canonicalized and checked against X-Signature
// using the public key of the organization named by X-Key-Id. On success the
// signer and canonical body are stored on the context and the raw body is
// restored for the handler. Paths in exempt are passed through.
func RequireSignature(orgs orgResolver, logger *zap.Logger, exempt ...string) gin.HandlerFunc {
	skip := make(map[string]struct{}, len(exempt))
	for _, p := range exempt {
		skip[p] = struct{}{}
	}

	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost && c.Request.Method != http.MethodPatch {
			c.Next()
			return
		}
		if _, ok := skip[c.Request.URL.Path]; ok {
			c.Next()
			return
		}

		if !strings.Contains(strings.ToLower(c.GetHeader("Content-Type")), "application/json") {
			c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, gin.H{"error": "Content-Type must be application/json"})
			return
		}

		keyID := c.GetHeader(HeaderKeyID)
		sig := c.GetHeader(HeaderSignature)
		if keyID == "" || sig == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing signature headers"})
			return
		}

		raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large"})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(raw))

		body := any(map[string]any{})
		if len(bytes.TrimSpace(raw)) > 0 {
			if body, err = canonical.Parse(raw); err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
				return
			}
		}
		canon, err := canonical.Marshal(body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		org, err := orgs.Org(c.Request.Context(), keyID)
		if err != nil {
			if errors.Is(err, trustledger.ErrNotFound) {
				respondError(c, logger, signature.ErrUnknownSigner, "failed to resolve signer")
				c.Abort()
				return
			}
			logger.Error("resolve signer", zap.String("key_id", keyID), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to resolve signer"})
			return
		}

		if !signature.VerifyBytes(canon, sig, org.PublicKey) {
			recordSignatureRejected()
			respondError(c, logger, signature.ErrSignatureInvalid, "signature check failed")
			c.Abort()
			return
		}

		c.Set(ctxSigner, service.Signer{Org: org, Signature: sig})
		c.Set(ctxCanonicalBody, canon)
		c.Next()
	}
}

// SignerFromCtx returns the authenticated signer, if any.
func SignerFromCtx(c *gin.Context) (service.Signer, bool) {
	v, ok := c.Get(ctxSigner)
	if !ok {
		return service.Signer{}, false
	}
	s, ok := v.(service.Signer)
	return s, ok
}

// CanonicalBodyFromCtx returns the canonical bytes the signature covered.
func CanonicalBodyFromCtx(c *gin.Context) []byte {
	v, _ := c.Get(ctxCanonicalBody)
	b, _ := v.([]byte)
	return b
}

// requireSigner aborts with 401 if the signature middleware did not run.
func requireSigner(c *gin.Context) (service.Signer, bool) {
	s, ok := SignerFromCtx(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "signature verification required"})
	}
	return s, ok
}
