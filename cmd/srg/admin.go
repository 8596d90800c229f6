package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"srg/internal/indexer"
	"srg/internal/llm"
	"srg/internal/logging"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := bootstrap()
		if err != nil {
			return err
		}
		defer st.Close()
		defer logging.CloseAll()

		version, err := st.SchemaVersion()
		if err != nil {
			return err
		}
		fmt.Printf("database %s at schema version %d (vec=%v)\n", st.Path(), version, st.VecReady())
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the chunk and line-item vector indexes from scratch",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, st, err := bootstrap()
		if err != nil {
			return err
		}
		defer st.Close()
		defer logging.CloseAll()

		provider, err := llm.New(cfg)
		if err != nil {
			return fmt.Errorf("llm provider: %w", err)
		}

		ctx := context.Background()
		ix := indexer.New(st, provider, cfg)
		if err := ix.Rebuild(ctx); err != nil {
			return err
		}
		stats, err := ix.GetStats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("rebuilt: %d chunks, %d chunk vectors, %d item vectors\n",
			stats.Chunks, stats.ChunkVecs, stats.ItemVecs)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print index and storage statistics as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, st, err := bootstrap()
		if err != nil {
			return err
		}
		defer st.Close()
		defer logging.CloseAll()

		provider, err := llm.New(cfg)
		if err != nil {
			return fmt.Errorf("llm provider: %w", err)
		}
		stats, err := indexer.New(st, provider, cfg).GetStats(context.Background())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}
