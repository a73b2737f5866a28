package signature_test

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmerrifield20/icn-node/internal/canonical"
	"github.com/jmerrifield20/icn-node/internal/signature"
)

func invoicePayload() map[string]any {
	return map[string]any{
		"from_org": "urn:coop:sunrise-bakery",
		"to_org":   "urn:coop:river-housing",
		"lines":    []any{map[string]any{"description": "bread", "qty": 40}},
		"total":    120.0,
		"terms":    map[string]any{"net_days": 30},
	}
}

func TestSignVerify_roundTrip(t *testing.T) {
	pub, priv, err := signature.GenerateKeypair()
	require.NoError(t, err)

	sig, err := signature.Sign(invoicePayload(), priv)
	require.NoError(t, err)
	assert.True(t, signature.Verify(invoicePayload(), sig, pub))
}

func TestVerify_keyOrderDoesNotMatter(t *testing.T) {
	pub, priv, err := signature.GenerateKeypair()
	require.NoError(t, err)

	sig, err := signature.Sign(map[string]any{"a": 1, "b": 2}, priv)
	require.NoError(t, err)
	assert.True(t, signature.Verify(map[string]any{"b": 2, "a": 1}, sig, pub))
}

func TestVerify_detectsTamperedPayload(t *testing.T) {
	pub, priv, err := signature.GenerateKeypair()
	require.NoError(t, err)
	sig, err := signature.Sign(invoicePayload(), priv)
	require.NoError(t, err)

	tampered := invoicePayload()
	tampered["total"] = 121.0
	assert.False(t, signature.Verify(tampered, sig, pub))
}

func TestVerifyBytes_detectsSingleByteFlip(t *testing.T) {
	pub, priv, err := signature.GenerateKeypair()
	require.NoError(t, err)
	msg, err := canonical.Marshal(invoicePayload())
	require.NoError(t, err)
	key, err := signature.ParsePrivateKey(priv)
	require.NoError(t, err)
	sig := signature.SignBytes(msg, key)

	for i := range msg {
		flipped := append([]byte(nil), msg...)
		flipped[i] ^= 0x01
		if signature.VerifyBytes(flipped, sig, pub) {
			t.Fatalf("signature still verified after flipping byte %d", i)
		}
	}
}

func TestVerify_wrongKey(t *testing.T) {
	_, priv, err := signature.GenerateKeypair()
	require.NoError(t, err)
	otherPub, _, err := signature.GenerateKeypair()
	require.NoError(t, err)

	sig, err := signature.Sign(invoicePayload(), priv)
	require.NoError(t, err)
	assert.False(t, signature.Verify(invoicePayload(), sig, otherPub))
}

func TestVerify_malformedInputReturnsFalse(t *testing.T) {
	pub, priv, err := signature.GenerateKeypair()
	require.NoError(t, err)
	sig, err := signature.Sign(invoicePayload(), priv)
	require.NoError(t, err)

	cases := map[string]struct {
		payload  any
		sig, pub string
	}{
		"non-base64 signature":  {invoicePayload(), "!!not-base64!!", pub},
		"short signature":       {invoicePayload(), base64.StdEncoding.EncodeToString([]byte("short")), pub},
		"non-base64 public key": {invoicePayload(), sig, "%%%"},
		"short public key":      {invoicePayload(), sig, base64.StdEncoding.EncodeToString(make([]byte, 16))},
		"unencodable payload":   {map[string]any{"bad": "\xff"}, sig, pub},
		"empty strings":         {invoicePayload(), "", ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			assert.False(t, signature.Verify(tc.payload, tc.sig, tc.pub))
		})
	}
}

func TestSign_acceptsExpandedSecretKey(t *testing.T) {
	pub, seed, err := signature.GenerateKeypair()
	require.NoError(t, err)
	key, err := signature.ParsePrivateKey(seed)
	require.NoError(t, err)
	expanded := base64.StdEncoding.EncodeToString(key)

	sig, err := signature.Sign(invoicePayload(), expanded)
	require.NoError(t, err)
	assert.True(t, signature.Verify(invoicePayload(), sig, pub))
}

func TestParsePrivateKey_wrongLength(t *testing.T) {
	_, err := signature.ParsePrivateKey(base64.StdEncoding.EncodeToString(make([]byte, 48)))
	assert.True(t, errors.Is(err, signature.ErrInvalidKey))
}

func TestKeystore_createThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "node.json")
	ks := signature.NewKeystore(path, "")

	created, err := ks.LoadOrCreate()
	require.NoError(t, err)

	loaded, err := ks.LoadOrCreate()
	require.NoError(t, err)
	assert.Equal(t, created.PublicKeyBase64(), loaded.PublicKeyBase64())

	sig := loaded.Sign([]byte("checkpoint"))
	assert.True(t, signature.VerifyBytes([]byte("checkpoint"), sig, created.PublicKeyBase64()))
}

func TestKeystore_sealedWithPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.json")

	created, err := signature.NewKeystore(path, "correct horse").Create()
	require.NoError(t, err)

	loaded, err := signature.NewKeystore(path, "correct horse").Load()
	require.NoError(t, err)
	assert.True(t, ed25519.PublicKey(created.Public).Equal(loaded.Public))

	_, err = signature.NewKeystore(path, "battery staple").Load()
	assert.ErrorIs(t, err, signature.ErrWrongPassphrase)

	_, err = signature.NewKeystore(path, "").Load()
	assert.ErrorIs(t, err, signature.ErrWrongPassphrase)
}
