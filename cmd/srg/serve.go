package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"srg/internal/audit"
	"srg/internal/catalog"
	"srg/internal/indexer"
	"srg/internal/insights"
	"srg/internal/inventory"
	"srg/internal/llm"
	"srg/internal/logging"
	"srg/internal/parser"
	"srg/internal/retrieval"
	"srg/internal/server"
	"srg/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the document drop-folder watcher",
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

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		// One cheap probe up front so the first real request doesn't pay the
		// model cold-start, and so a misconfigured provider is visible at boot.
		if health := provider.CheckHealth(ctx); health.Available {
			logging.Boot("LLM provider %s ready (%dms)", health.Identifier, health.LatencyMS)
		} else {
			logging.Boot("LLM provider unavailable at boot: %s", health.Error)
		}

		registry := parser.NewRegistry(
			parser.NewTemplateParser(),
			parser.NewTableParser(),
			parser.NewVisionParser(provider, cfg.VisionCacheDir()),
		)
		ix := indexer.New(st, provider, cfg)
		rt := retrieval.New(st, provider, cfg)
		srv := server.New(cfg, st, provider,
			registry, ix, rt,
			audit.New(st, provider, rt),
			catalog.New(st),
			session.New(st, provider, rt),
			inventory.New(st),
			insights.New(st))

		watcher, err := indexer.NewDocumentWatcher(cfg.DocumentsDir(), func(ctx context.Context, path string) {
			if err := srv.IngestFile(ctx, path); err != nil {
				logging.Indexer("Drop-folder ingest of %s failed: %v", path, err)
			}
		})
		if err != nil {
			return fmt.Errorf("watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("watcher: %w", err)
		}
		defer watcher.Stop()

		// Pick up anything indexed before the last shutdown finished.
		if n, err := ix.IndexPending(ctx); err != nil {
			logging.Boot("Pending index sweep failed: %v", err)
		} else if n > 0 {
			logging.Boot("Indexed %d pending document(s)", n)
		}

		return srv.Serve(ctx)
	},
}
