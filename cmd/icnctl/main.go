package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmerrifield20/icn-node/pkg/client"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	nodeURL string
	cfgFile string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "icnctl",
	Short: "ICN node command-line tool",
	Long: `icnctl is the command-line interface for an ICN node.

It generates and uses member signing keys, submits signed writes, inspects
the audit chain, and verifies daily checkpoints the way a mirror would.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.icn")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.SetEnvPrefix("icn")
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if nodeURL == "" {
			nodeURL = viper.GetString("node_url")
		}
		if nodeURL == "" {
			nodeURL = "http://localhost:8000"
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.icn/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&nodeURL, "node", "", "ICN node URL (default http://localhost:8000)")

	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(signCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(canonicalizeCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(mirrorCmd)
	rootCmd.AddCommand(invoiceCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the icnctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("icnctl", version)
	},
}

// newClient builds a client for the configured node. signed adds the org's
// signing key from --org/--key-file or the config file.
func newClient(signed bool) (*client.Client, error) {
	opts := []client.Option{}
	if tok := viper.GetString("admin_token"); tok != "" {
		opts = append(opts, client.WithAdminToken(tok))
	}
	if signed {
		org, priv, err := signingIdentity()
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithSigner(org, priv))
	}
	return client.New(nodeURL, opts...)
}

// readInput returns the contents of the file named by args[0], or stdin when
// no file (or "-") is given.
func readInput(args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(args[0])
}

func readKeyFile(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read key file: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
