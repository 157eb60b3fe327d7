package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"provcert/internal/config"
)

var (
	configPath string
	verbose    bool
)

// errVerificationFailed makes the process exit with status 2 after a
// verification that ran but did not pass.
var errVerificationFailed = errors.New("verification failed")

var rootCmd = &cobra.Command{
	Use:   "provcert",
	Short: "Authorship provenance certificates",
	Long: `provcert turns a document's edit-event log into a signed certificate of
how much of the text was typed and how much was pasted, and verifies such
certificates by their public token.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits on error.
func Execute() {
	err := rootCmd.Execute()
	switch {
	case err == nil:
	case errors.Is(err, errVerificationFailed):
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: config.toml in the data directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// resolveConfigPath returns --config, else the first config file present in
// the data directory, else the default TOML path.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if found := config.FindConfigFile(config.DataDir()); found != "" {
		return found
	}
	return config.ConfigPath()
}
