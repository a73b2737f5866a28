package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/icn-node/internal/canonical"
	"github.com/jmerrifield20/icn-node/internal/signature"
	"github.com/jmerrifield20/icn-node/pkg/urn"
)

// ── keygen ───────────────────────────────────────────────────────────────────

var keygenOut string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 key pair for a member organization",
	Long: `keygen prints a new base64 Ed25519 key pair. With --out the keys are
written to <dir>/private.key (mode 0600) and <dir>/public.key instead.

The public key goes into the node's federation.orgs configuration; the
private key stays with the organization and signs its writes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pub, priv, err := signature.GenerateKeypair()
		if err != nil {
			return err
		}
		if keygenOut == "" {
			fmt.Printf("public_key:  %s\n", pub)
			fmt.Printf("private_key: %s\n", priv)
			return nil
		}
		if err := os.MkdirAll(keygenOut, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", keygenOut, err)
		}
		privPath := filepath.Join(keygenOut, "private.key")
		if err := os.WriteFile(privPath, []byte(priv+"\n"), 0o600); err != nil {
			return fmt.Errorf("write private key: %w", err)
		}
		pubPath := filepath.Join(keygenOut, "public.key")
		if err := os.WriteFile(pubPath, []byte(pub+"\n"), 0o644); err != nil {
			return fmt.Errorf("write public key: %w", err)
		}
		fmt.Printf("✓ Key pair written\n\n  private: %s\n  public:  %s (%s)\n", privPath, pubPath, pub)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenOut, "out", "", "Directory to write private.key and public.key into")
}

// ── sign ─────────────────────────────────────────────────────────────────────

var (
	signOrg     string
	signKeyFile string
	signHeaders bool
)

var signCmd = &cobra.Command{
	Use:   "sign [file.json|-]",
	Short: "Sign the canonical form of a JSON body",
	Long: `sign canonicalizes a JSON body (sorted keys, no whitespace) and signs it
with the organization's private key. By default only the base64 signature is
printed; --headers prints the request headers a node expects.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		org, priv, err := signingIdentity()
		if err != nil {
			return err
		}
		raw, err := readInput(args)
		if err != nil {
			return err
		}
		canon, err := canonical.Canonicalize(raw)
		if err != nil {
			return err
		}
		key, err := signature.ParsePrivateKey(priv)
		if err != nil {
			return err
		}
		sig := signature.SignBytes(canon, key)
		if !signHeaders {
			fmt.Println(sig)
			return nil
		}
		fmt.Printf("Content-Type: application/json\n")
		fmt.Printf("X-Key-Id: %s\n", org)
		fmt.Printf("X-Signature: %s\n", sig)
		return nil
	},
}

func init() {
	signCmd.Flags().StringVar(&signOrg, "org", "", "Signing organization URN (default: org from config)")
	signCmd.Flags().StringVar(&signKeyFile, "key-file", "", "File holding the base64 private key (default: key_file from config)")
	signCmd.Flags().BoolVar(&signHeaders, "headers", false, "Print request headers instead of the bare signature")
	invoiceSubmitCmd.Flags().StringVar(&signOrg, "org", "", "Signing organization URN (default: org from config)")
	invoiceSubmitCmd.Flags().StringVar(&signKeyFile, "key-file", "", "File holding the base64 private key (default: key_file from config)")
}

// signingIdentity resolves the org URN and private key from flags or config.
func signingIdentity() (string, string, error) {
	org := signOrg
	if org == "" {
		org = viper.GetString("org")
	}
	keyFile := signKeyFile
	if keyFile == "" {
		keyFile = viper.GetString("key_file")
	}
	if org == "" || keyFile == "" {
		return "", "", errors.New("an organization and key file are required (--org/--key-file or org/key_file in config)")
	}
	if !urn.Valid(org) {
		return "", "", fmt.Errorf("invalid organization URN %q", org)
	}
	priv, err := readKeyFile(keyFile)
	if err != nil {
		return "", "", err
	}
	return org, priv, nil
}

// ── verify ───────────────────────────────────────────────────────────────────

var (
	verifyPubKey    string
	verifySignature string
)

var verifyCmd = &cobra.Command{
	Use:   "verify [file.json|-]",
	Short: "Verify a signature over the canonical form of a JSON body",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(args)
		if err != nil {
			return err
		}
		canon, err := canonical.Canonicalize(raw)
		if err != nil {
			return err
		}
		if !signature.VerifyBytes(canon, verifySignature, verifyPubKey) {
			return signature.ErrSignatureInvalid
		}
		fmt.Println("✓ signature valid")
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyPubKey, "pubkey", "", "Base64 Ed25519 public key")
	verifyCmd.Flags().StringVar(&verifySignature, "signature", "", "Base64 signature")
	_ = verifyCmd.MarkFlagRequired("pubkey")
	_ = verifyCmd.MarkFlagRequired("signature")
}

// ── canonicalize ─────────────────────────────────────────────────────────────

var canonicalizeCmd = &cobra.Command{
	Use:   "canonicalize [file.json|-]",
	Short: "Print the canonical form of a JSON body",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(args)
		if err != nil {
			return err
		}
		canon, err := canonical.Canonicalize(raw)
		if err != nil {
			return err
		}
		fmt.Println(string(canon))
		return nil
	},
}
