// triage is the intake assistant: an HTTP/WebSocket server plus a few
// operator commands.
//
// Usage:
//
//	triage serve  [--config=server/configs/config.yaml]
//	triage chat   [--patient=<id>]
//	triage queue  [--server=http://localhost:8080] [--markdown]
//	triage record <record-id> [-o record.pdf]
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "triage",
	Short: "Hospital triage intake assistant",
	Long: "triage talks with patients about their symptoms, suggests a specialty,\n" +
		"issues a queue ticket and writes a medical record for the front desk.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "server/configs/config.yaml", "config file path")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
