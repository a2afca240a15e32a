package cli

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrachat-io/terrachat/internal/logging"
)

var (
	logLevel         string
	dataDir          string
	workspaceDir     string
	region           string
	terraformBin     string
	executionTimeout time.Duration
	useMemoryStore   bool
)

var rootCmd = &cobra.Command{
	Use:   "terrachat",
	Short: "Conversational infrastructure provisioning",
	Long: `Terrachat turns natural-language requests into validated, typed
provisioning plans and applies them through terraform.

Describe what you want ("create a postgres database for orders"), answer
the follow-up questions, confirm the summary, and terrachat provisions it.
Sessions persist across restarts, so a conversation can be picked up where
it left off.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logLevel)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("TERRACHAT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", envOr("TERRACHAT_DATA_DIR", defaultDataDir()), "Directory for session storage")
	rootCmd.PersistentFlags().StringVar(&workspaceDir, "workspace", envOr("TERRACHAT_WORKSPACE", "."), "Base directory holding the per-resource-type terraform configurations")
	rootCmd.PersistentFlags().StringVar(&region, "region", envOr("TERRACHAT_REGION", ""), "Cloud region for read-only resource queries")
	rootCmd.PersistentFlags().StringVar(&terraformBin, "terraform-bin", envOr("TERRACHAT_TERRAFORM_BIN", "terraform"), "Path to the terraform binary")
	rootCmd.PersistentFlags().DurationVar(&executionTimeout, "execution-timeout", 0, "Maximum duration of one provisioning run (default 30m)")
	rootCmd.PersistentFlags().BoolVar(&useMemoryStore, "memory", false, "Keep sessions in memory only (no persistence)")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(sessionCmd)
	rootCmd.AddCommand(resourcesCmd)
	rootCmd.AddCommand(versionCmd)
}

// envOr reads an environment variable with a fallback, so every flag can
// also be set via TERRACHAT_* variables.
func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".terrachat"
	}
	return filepath.Join(home, ".terrachat")
}
