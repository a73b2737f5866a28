// Package signature implements Ed25519 write authorization over canonical
// payload bytes. Keys and signatures travel as standard base64: public keys
// are 32 bytes, private keys are either the 32-byte seed or the 64-byte
// expanded secret key.
package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/jmerrifield20/icn-node/internal/canonical"
)

var (
	// ErrSignatureInvalid is returned when a signature does not verify.
	ErrSignatureInvalid = errors.New("invalid signature")
	// ErrUnknownSigner is returned when an X-Key-Id does not name a known
	// organization.
	ErrUnknownSigner = errors.New("unknown X-Key-Id")
	// ErrInvalidKey is returned for malformed key material.
	ErrInvalidKey = errors.New("invalid key")
)

// GenerateKeypair returns a fresh base64 public key and base64 32-byte seed.
func GenerateKeypair() (publicKey, privateKey string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", fmt.Errorf("generate ed25519 key: %w", err)
	}
	return encode(pub), encode(priv.Seed()), nil
}

// ParsePublicKey decodes a base64 32-byte Ed25519 public key.
func ParsePublicKey(b64 string) (ed25519.PublicKey, error) {
	raw, err := decode(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: public key is not base64", ErrInvalidKey)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes, got %d", ErrInvalidKey, ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// ParsePrivateKey decodes a base64 seed or expanded Ed25519 secret key.
func ParsePrivateKey(b64 string) (ed25519.PrivateKey, error) {
	raw, err := decode(b64)
	if err != nil {
		return nil, fmt.Errorf("%w: private key is not base64", ErrInvalidKey)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("%w: private key must be %d or %d bytes, got %d",
			ErrInvalidKey, ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

// Sign canonicalizes payload and signs the result.
func Sign(payload any, privB64 string) (string, error) {
	msg, err := canonical.Marshal(payload)
	if err != nil {
		return "", err
	}
	priv, err := ParsePrivateKey(privB64)
	if err != nil {
		return "", err
	}
	return SignBytes(msg, priv), nil
}

// SignBytes signs already-canonical bytes and returns a base64 signature.
func SignBytes(msg []byte, priv ed25519.PrivateKey) string {
	return encode(ed25519.Sign(priv, msg))
}

// Verify reports whether sigB64 is a valid signature by pubB64 over the
// canonical form of payload. Malformed input of any kind yields false.
func Verify(payload any, sigB64, pubB64 string) bool {
	msg, err := canonical.Marshal(payload)
	if err != nil {
		return false
	}
	return VerifyBytes(msg, sigB64, pubB64)
}

// VerifyBytes is Verify over already-canonical bytes.
func VerifyBytes(msg []byte, sigB64, pubB64 string) bool {
	pub, err := ParsePublicKey(pubB64)
	if err != nil {
		return false
	}
	sig, err := decode(sigB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// EncodePublicKey returns the wire form of pub.
func EncodePublicKey(pub ed25519.PublicKey) string { return encode(pub) }

func encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decode(s string) ([]byte, error) {
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
