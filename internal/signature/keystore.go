package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// scrypt parameters for sealing the node key at rest.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	saltSize     = 16
	nonceSize    = 24
	secretKeyLen = 32
)

// ErrWrongPassphrase is returned when a sealed key file cannot be opened.
var ErrWrongPassphrase = errors.New("wrong passphrase for key file")

// NodeKey is the node's operational Ed25519 key, used to sign checkpoints
// and artifact receipts.
type NodeKey struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// PublicKeyBase64 returns the wire form of the public key.
func (k *NodeKey) PublicKeyBase64() string { return EncodePublicKey(k.Public) }

// Sign signs msg and returns a base64 signature.
func (k *NodeKey) Sign(msg []byte) string { return SignBytes(msg, k.Private) }

// keyFile is the on-disk form. Either Seed is set (plain) or Salt, Nonce and
// Sealed are (passphrase protected).
type keyFile struct {
	PublicKey string `json:"public_key"`
	Seed      string `json:"seed,omitempty"`
	Salt      string `json:"salt,omitempty"`
	Nonce     string `json:"nonce,omitempty"`
	Sealed    string `json:"sealed,omitempty"`
}

// Keystore loads and persists the node key at a single path.
type Keystore struct {
	path       string
	passphrase string
}

// NewKeystore returns a Keystore for path. An empty passphrase stores the
// seed in plain base64 with 0600 permissions.
func NewKeystore(path, passphrase string) *Keystore {
	return &Keystore{path: path, passphrase: passphrase}
}

// LoadOrCreate loads the key if the file exists; creates and saves a new one otherwise.
func (s *Keystore) LoadOrCreate() (*NodeKey, error) {
	key, err := s.Load()
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return s.Create()
}

// Load reads and, if sealed, decrypts the key file.
func (s *Keystore) Load() (*NodeKey, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("decode key file: %w", err)
	}

	var seed []byte
	switch {
	case kf.Sealed != "":
		seed, err = s.open(kf)
	case kf.Seed != "":
		seed, err = base64.StdEncoding.DecodeString(kf.Seed)
	default:
		err = fmt.Errorf("%w: key file has no key material", ErrInvalidKey)
	}
	if err != nil {
		return nil, err
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes", ErrInvalidKey, ed25519.SeedSize)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	key := &NodeKey{Public: priv.Public().(ed25519.PublicKey), Private: priv}
	if kf.PublicKey != "" && kf.PublicKey != key.PublicKeyBase64() {
		return nil, fmt.Errorf("%w: public key does not match seed", ErrInvalidKey)
	}
	return key, nil
}

// Create generates a new key and writes it to disk.
func (s *Keystore) Create() (*NodeKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate node key: %w", err)
	}
	kf := keyFile{PublicKey: EncodePublicKey(pub)}
	if s.passphrase == "" {
		kf.Seed = base64.StdEncoding.EncodeToString(priv.Seed())
	} else if err := s.seal(&kf, priv.Seed()); err != nil {
		return nil, err
	}

	out, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode key file: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key dir %q: %w", dir, err)
		}
	}
	if err := os.WriteFile(s.path, out, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return &NodeKey{Public: pub, Private: priv}, nil
}

func (s *Keystore) seal(kf *keyFile, seed []byte) error {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	box, err := s.boxKey(salt)
	if err != nil {
		return err
	}
	sealed := secretbox.Seal(nil, seed, &nonce, box)
	kf.Salt = base64.StdEncoding.EncodeToString(salt)
	kf.Nonce = base64.StdEncoding.EncodeToString(nonce[:])
	kf.Sealed = base64.StdEncoding.EncodeToString(sealed)
	return nil
}

func (s *Keystore) open(kf keyFile) ([]byte, error) {
	if s.passphrase == "" {
		return nil, fmt.Errorf("%w: key file is sealed but no passphrase configured", ErrWrongPassphrase)
	}
	salt, err := base64.StdEncoding.DecodeString(kf.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: salt", ErrInvalidKey)
	}
	nonceRaw, err := base64.StdEncoding.DecodeString(kf.Nonce)
	if err != nil || len(nonceRaw) != nonceSize {
		return nil, fmt.Errorf("%w: nonce", ErrInvalidKey)
	}
	sealed, err := base64.StdEncoding.DecodeString(kf.Sealed)
	if err != nil {
		return nil, fmt.Errorf("%w: sealed seed", ErrInvalidKey)
	}
	box, err := s.boxKey(salt)
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	copy(nonce[:], nonceRaw)
	seed, ok := secretbox.Open(nil, sealed, &nonce, box)
	if !ok {
		return nil, ErrWrongPassphrase
	}
	return seed, nil
}

func (s *Keystore) boxKey(salt []byte) (*[secretKeyLen]byte, error) {
	derived, err := scrypt.Key([]byte(s.passphrase), salt, scryptN, scryptR, scryptP, secretKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	var k [secretKeyLen]byte
	copy(k[:], derived)
	return &k, nil
}
