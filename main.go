// Command privacy-rag answers questions over a Federal Register corpus with
// PII masked on the way in and out.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "privacy-rag",
	Short: "Privacy-filtered retrieval-augmented answering service",
	Long: `privacy-rag answers questions against a managed knowledge base.

Questions and answers pass through PII redaction, guardrail routing and a
compliance bypass for policy questions that contain no personal data.
The corpus command builds the knowledge-base documents from the Federal
Register.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional .env file loaded before the environment")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
