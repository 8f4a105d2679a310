package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/user/convpipe/internal/delivery"
	"github.com/user/convpipe/internal/scheduler"
	"github.com/user/convpipe/internal/server"
	"github.com/user/convpipe/internal/state"
	"github.com/user/convpipe/internal/telegram"
	"github.com/user/convpipe/internal/types"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the convpipe daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

const pidFileName = "convpipe.pid"

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	slog.Info("convpipe started",
		"data_dir", cfg.DataDir,
		"storage", cfg.Storage.Backend,
		"max_concurrent", cfg.MaxConcurrent,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"pid_file", pidPath,
	)

	tasks := state.NewTaskStore(filepath.Join(cfg.DataDir, "tasks.json"))
	deliveryReg := delivery.NewRegistry()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Telegram.Token != "" {
		adapter, err := telegram.New(cfg.Telegram.Token, a.coordinator, a.bindings)
		if err != nil {
			return fmt.Errorf("create telegram adapter: %w", err)
		}
		g.Go(func() error {
			adapter.Start(gctx)
			return nil
		})
		deliveryReg.Register("telegram:", adapter.SendTo)
		slog.Info("telegram adapter started")
	} else {
		slog.Warn("telegram adapter disabled (no token)")
	}

	sched := scheduler.New(tasks, func(key types.ChannelKey, message string) {
		res, err := a.submitToChannel(gctx, key, message)
		if err != nil {
			slog.Error("cron task failed", "channel_key", string(key), "error", err)
			return
		}
		if res.Reply == "" {
			return
		}
		if err := deliveryReg.Deliver(key, res.Reply); err != nil {
			slog.Error("cron delivery failed", "channel_key", string(key), "error", err)
		}
	})
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	slog.Info("scheduler started", "entries", sched.Entries())

	if cfg.HTTP.Enabled {
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           server.NewServer(a.coordinator, tasks, a.submitToChannel),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("http server started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-gctx.Done():
			cancel()
			return g.Wait()
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting")
				execPath, err := os.Executable()
				if err != nil {
					slog.Error("failed to get executable path", "error", err)
					continue
				}
				// Clean up PID file before re-exec
				os.Remove(pidPath)
				if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
					slog.Error("failed to re-exec", "error", err)
					if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
						slog.Error("failed to re-write PID file", "error", writeErr)
					}
				}
				continue
			}
			slog.Info("shutting down", "signal", sig)
			cancel()
			return g.Wait()
		}
	}
}
