package commands

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "grantradar",
	Short: "GrantRadar - research grant intelligence pipeline",
	Long: `GrantRadar discovers research funding opportunities from public
sources, validates and enriches them with an LLM, matches them against
researcher profiles with pgvector similarity plus LLM reranking, and
delivers prioritized alerts over email, SMS, and Slack.

All coordination runs over Redis streams with durable consumer groups;
the orchestrator supervises pipeline health, stalls, and SLOs.`,
	Version: version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// A missing .env is fine; the config file and environment win.
		_ = godotenv.Load()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "grantradar.yml",
		"path to the grantradar.yml configuration file")
}
