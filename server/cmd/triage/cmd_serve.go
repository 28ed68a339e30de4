package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"triage-assistant/server/internal/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and WebSocket server",
	Long: `Starts the triage server. Patients talk to it over POST /api/messages
or the /api/ws WebSocket; the front desk reads queues and records over the
same API. Idle sessions are swept every conversation.sweep_interval, and
queue days older than queue.retention_days are dropped from memory.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd.Flags().Changed("config"))
	if err != nil {
		return err
	}
	a, err := newApp(cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 重启后从账本恢复当天的号码，避免重复发号
	if err := a.queue.Restore(ctx); err != nil {
		return err
	}

	srv := api.NewServer(cfg, api.Deps{
		Dispatcher:   a.dispatcher,
		Orchestrator: a.orch,
		Queue:        a.queue,
		Records:      a.records,
		Catalog:      a.catalog,
		PDF:          a.pdf,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("triage server listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		sweep(ctx, a, cfg.Conversation.SweepInterval, cfg.Conversation.InactivityTimeout, cfg.Queue.RetentionDays)
		return nil
	})
	return g.Wait()
}

// sweep 定期结束空闲会话、回收空闲队列，并归档超过保留期的运营日。
func sweep(ctx context.Context, a *app, interval, idle time.Duration, retentionDays int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.dispatcher.Sweep(ctx); err != nil {
				log.Printf("[Sweeper] sweep failed: %v", err)
			}
			a.dispatcher.Prune(idle)
			if n := a.queue.ArchiveOlderThan(retentionDays); n > 0 {
				log.Printf("[Sweeper] archived %d queue days older than %d days", n, retentionDays)
			}
		}
	}
}
