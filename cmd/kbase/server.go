package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/kbase/internal/api"
	"github.com/kalambet/kbase/internal/config"
	"github.com/kalambet/kbase/internal/kb"
	"github.com/kalambet/kbase/internal/recovery"
	"github.com/kalambet/kbase/internal/storage"
	"github.com/kalambet/kbase/internal/vector"
)

const drainInterval = 60 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the kbase server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running kbase server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show kbase system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "kbase.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "kbase version %s\n", version)

	cfg := config.Load()

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	if cfg.Server.APIToken == "" {
		return fmt.Errorf("no API token configured (set KBASE_API_TOKEN)")
	}

	// Refuse to start over an already-running instance.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("kbase is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("kbase is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open storage.
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	// Wire the vector stack: client, recovery queue, integration facade.
	queue := recovery.NewQueue(logger)
	stats := vector.NewErrorStats()
	client := vector.NewClient(cfg.Vector, queue, stats, logger)
	integration := vector.NewIntegration(cfg.Vector, client, logger)
	manager := kb.NewManager(store, integration, logger)

	if cfg.Vector.Enabled {
		if client.Health(ctx).Healthy() {
			slog.Info("vector backend reachable", "url", cfg.Vector.BaseURL)
		} else {
			slog.Warn("vector backend unreachable at startup, continuing without it", "url", cfg.Vector.BaseURL)
		}
	} else {
		slog.Info("vector integration disabled")
	}

	handler := api.NewHandler(api.Deps{
		Manager:     manager,
		Integration: integration,
		Queue:       queue,
		Stats:       stats,
		Token:       cfg.Server.APIToken,
		Logger:      logger,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Drain the recovery queue on a fixed interval, health-gated so replay
	// attempts are not wasted against a dead backend.
	if cfg.Vector.Enabled {
		go func() {
			ticker := time.NewTicker(drainInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if queue.Len() == 0 {
						continue
					}
					if !client.Health(ctx).Healthy() {
						slog.Debug("skipping drain, vector backend unhealthy", "queued", queue.Len())
						continue
					}
					queue.Drain(ctx, client)
				}
			}
		}()
	}

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "kbase listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg := config.Load()

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("kbase is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop kbase (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to kbase (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg := config.Load()

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		defer resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
			var health api.HealthResponse
			if decodeJSONBody(resp, &health) == nil {
				if health.VectorEnabled {
					if health.VectorHealthy {
						printStatus("Vector backend", "healthy at %s", cfg.Vector.BaseURL)
					} else {
						printStatus("Vector backend", "unreachable at %s", cfg.Vector.BaseURL)
					}
				} else {
					printStatus("Vector backend", "disabled")
				}
				printStatus("Recovery queue", "%d pending", health.RecoveryQueueDepth)
				if len(health.DegradedCategories) > 0 {
					printStatus("Degraded", "%s", strings.Join(health.DegradedCategories, ", "))
				}
			}
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
