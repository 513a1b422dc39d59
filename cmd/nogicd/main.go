package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flitsinc/nogicos/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "nogicd",
	Short:         "NogicOS coordination core",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "database path (overrides NOGICOS_DB_PATH)")
}

// loadConfig reads the layered configuration and applies the global flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DBPath = db
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
