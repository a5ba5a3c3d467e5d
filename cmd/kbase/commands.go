package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/kalambet/kbase/internal/config"
	"github.com/kalambet/kbase/internal/storage"
	"github.com/kalambet/kbase/internal/vector"
)

// --- backfill ---

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Generate embeddings for entries that have none",
	Long: `Generate embeddings for entries that have none.

Entries created while the vector backend was unreachable (or before vector
integration was enabled) carry no cached embedding. Backfill re-embeds them
in place. Run it while the server is stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		return runBackfill(cmd.Context(), limit, dryRun)
	},
}

func init() {
	backfillCmd.Flags().Int("limit", 500, "maximum number of entries to backfill")
	backfillCmd.Flags().Bool("dry-run", false, "report entries needing backfill without writing")
}

func runBackfill(ctx context.Context, limit int, dryRun bool) error {
	cfg := config.Load()

	if !cfg.Vector.Enabled {
		return fmt.Errorf("vector integration is disabled, nothing to backfill")
	}

	if pid, err := readPIDFile(pidFilePath(cfg.Storage.DataDir)); err == nil {
		printWarning("kbase appears to be running (PID %d); stop it before backfilling", pid)
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	client := vector.NewClient(cfg.Vector, nil, vector.NewErrorStats(), logger)
	integration := vector.NewIntegration(cfg.Vector, client, logger)

	if !integration.Healthy(ctx) {
		return fmt.Errorf("vector backend unreachable at %s", cfg.Vector.BaseURL)
	}

	entries, err := store.ListEntriesWithoutContext(limit)
	if err != nil {
		return fmt.Errorf("listing entries: %w", err)
	}
	if len(entries) == 0 {
		printSuccess("All entries already have embeddings")
		return nil
	}

	if dryRun {
		printStatus("Entries needing backfill", "%d", len(entries))
		return nil
	}

	var done, failed int
	for _, e := range entries {
		embedding := integration.GenerateEmbedding(ctx, e.Question, e.Answer)
		if len(embedding) == 0 {
			failed++
			continue
		}
		data, err := json.Marshal(embedding)
		if err != nil {
			failed++
			continue
		}
		if err := store.SetEntryContext(e.ID, string(data)); err != nil {
			printWarning("entry %d: %v", e.ID, err)
			failed++
			continue
		}
		done++
	}

	printSuccess("Backfilled %d entries", done)
	if failed > 0 {
		printWarning("%d entries could not be embedded", failed)
	}
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(os.Stdout, "%-30s %-36s %v\n", k.Key, k.EnvVar, k.Value)
		}
		return nil
	},
}

func decodeJSONBody(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}
