// Command srg is the invoice workspace server: ingestion, audit, hybrid
// retrieval, chat, catalog, inventory and insights over a single SQLite file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"srg/internal/config"
	"srg/internal/logging"
	"srg/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "srg",
	Short:        "Invoice ingestion, audit and retrieval workspace",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json")
	rootCmd.AddCommand(serveCmd, migrateCmd, reindexCmd, statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// bootstrap loads configuration, initializes logging and opens the database
// with migrations applied.
func bootstrap() (*config.Config, *store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	if err := logging.Initialize(cfg.DataDir, logging.Settings{
		DebugMode:  cfg.Logging.DebugMode,
		Level:      cfg.Logging.Level,
		Categories: cfg.Logging.Categories,
	}); err != nil {
		return nil, nil, fmt.Errorf("logging: %w", err)
	}

	st, err := store.Open(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("store: %w", err)
	}
	if st.VecReady() {
		if err := st.EnsureVecTables(cfg.Embed.Dimension); err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("vector tables: %w", err)
		}
	}
	return cfg, st, nil
}
