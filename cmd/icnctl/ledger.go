package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/icn-node/pkg/client"
)

// ── audit ────────────────────────────────────────────────────────────────────

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the node's audit chain",
}

var auditStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show chain length, head and continuity",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		st, err := c.Audit(context.Background())
		if err != nil {
			return fmt.Errorf("fetch audit status: %w", err)
		}
		if outputJSON {
			return printJSON(st)
		}
		mark := "✓"
		if !st.ChainOK {
			mark = "✗"
		}
		fmt.Printf("%s %s\n\n", mark, st.Summary)
		for _, r := range st.LastRows {
			fmt.Printf("  #%-6d %s  %-14s %s\n", r.Seq, r.Timestamp, r.Op, r.Entity)
		}
		if !st.ChainOK {
			return errors.New("audit chain is broken")
		}
		return nil
	},
}

var outputJSON bool

func init() {
	auditCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print raw JSON")
	auditCmd.AddCommand(auditStatusCmd)
}

// ── checkpoint ───────────────────────────────────────────────────────────────

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Generate and verify daily Merkle checkpoints",
}

var checkpointGenerateCmd = &cobra.Command{
	Use:   "generate [YYYY-MM-DD]",
	Short: "Checkpoint a UTC day (default: yesterday)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		date := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
		if len(args) == 1 {
			date = args[0]
		}
		if tok, _ := cmd.Flags().GetString("admin-token"); tok != "" {
			viper.Set("admin_token", tok)
		}
		c, err := newClient(false)
		if err != nil {
			return err
		}
		cp, created, err := c.GenerateCheckpoint(context.Background(), date)
		if err != nil {
			return fmt.Errorf("generate checkpoint: %w", err)
		}
		if created {
			fmt.Printf("✓ Checkpoint created for %s\n\n", cp.Date)
		} else {
			fmt.Printf("Checkpoint for %s already exists\n\n", cp.Date)
		}
		fmt.Printf("  operations:  %d\n", cp.OperationsCount)
		fmt.Printf("  merkle_root: %s\n", cp.MerkleRoot)
		fmt.Printf("  previous:    %s\n", cp.PrevCheckpointHash)
		return nil
	},
}

var checkpointVerifyCmd = &cobra.Command{
	Use:   "verify <YYYY-MM-DD>",
	Short: "Ask the node to recompute a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(false)
		if err != nil {
			return err
		}
		res, err := c.VerifyCheckpoint(context.Background(), args[0])
		if err != nil {
			return fmt.Errorf("verify checkpoint: %w", err)
		}
		fmt.Printf("  stored root:   %s\n", res.MerkleRoot)
		fmt.Printf("  computed root: %s\n", res.ComputedRoot)
		fmt.Printf("  entries:       %d\n", res.Count)
		fmt.Printf("  signature ok:  %v\n", res.SignatureOK)
		if !res.OK {
			return fmt.Errorf("checkpoint %s does not match the ledger", args[0])
		}
		fmt.Println("✓ checkpoint verified")
		return nil
	},
}

func init() {
	checkpointGenerateCmd.Flags().String("admin-token", "", "Node admin secret (default: admin_token from config)")
	checkpointCmd.AddCommand(checkpointGenerateCmd)
	checkpointCmd.AddCommand(checkpointVerifyCmd)
}

// ── mirror ───────────────────────────────────────────────────────────────────

var mirrorPinnedKey string

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Independently verify a node's published checkpoints",
}

var mirrorVerifyCmd = &cobra.Command{
	Use:   "verify <YYYY-MM-DD>",
	Short: "Check a checkpoint artifact against a pinned node key",
	Long: `mirror verify fetches the day's signed artifact, checks its receipt
against the node key you pinned earlier (GET /node), then asks the node to
recompute the root and compares the two.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pinned := mirrorPinnedKey
		if pinned == "" {
			pinned = viper.GetString("pinned_key")
		}
		if pinned == "" {
			return errors.New("a pinned node key is required (--pinned-key or pinned_key in config)")
		}
		c, err := newClient(false)
		if err != nil {
			return err
		}
		report, err := c.VerifyMirror(context.Background(), args[0], pinned)
		if err != nil {
			return err
		}
		fmt.Printf("  receipt:     %s\n", okText(report.ReceiptOK, report.ReceiptError))
		fmt.Printf("  node recomputation: %s\n", okText(report.NodeOK, ""))
		fmt.Printf("  roots match: %s\n", okText(report.RootsMatch, report.MerkleRoot+" vs "+report.ComputedRoot))
		if !report.OK() {
			return fmt.Errorf("mirror verification failed for %s", args[0])
		}
		fmt.Printf("✓ %s verified (root %s)\n", report.Date, report.MerkleRoot)
		return nil
	},
}

func okText(ok bool, detail string) string {
	if ok {
		return "ok"
	}
	if detail == "" {
		return "FAILED"
	}
	return "FAILED (" + detail + ")"
}

func init() {
	mirrorVerifyCmd.Flags().StringVar(&mirrorPinnedKey, "pinned-key", "", "Base64 node public key (default: pinned_key from config)")
	mirrorCmd.AddCommand(mirrorVerifyCmd)
}

// ── invoice ──────────────────────────────────────────────────────────────────

var invoiceIdempotencyKey string

var invoiceCmd = &cobra.Command{
	Use:   "invoice",
	Short: "Submit signed invoices",
}

var invoiceSubmitCmd = &cobra.Command{
	Use:   "submit [invoice.json|-]",
	Short: "Sign and submit an invoice",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := readInput(args)
		if err != nil {
			return err
		}
		var req client.InvoiceRequest
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			return fmt.Errorf("parse invoice: %w", err)
		}
		c, err := newClient(true)
		if err != nil {
			return err
		}
		res, err := c.SubmitInvoice(context.Background(), invoiceIdempotencyKey, req)
		if err != nil {
			return fmt.Errorf("submit invoice: %w", err)
		}
		if res.Idempotent {
			fmt.Printf("Invoice already submitted under this key\n\n")
		} else {
			fmt.Printf("✓ Invoice recorded\n\n")
		}
		fmt.Printf("  ID:       %s\n", res.ID)
		fmt.Printf("  Row hash: %s\n", res.RowHash)
		return nil
	},
}

func init() {
	invoiceSubmitCmd.Flags().StringVar(&invoiceIdempotencyKey, "idempotency-key", "", "Idempotency key for safe retries")
	_ = invoiceSubmitCmd.MarkFlagRequired("idempotency-key")
	invoiceCmd.AddCommand(invoiceSubmitCmd)
}
