package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/spf13/cobra"

	"github.com/jxucoder/archbridge/internal/bridge"
	"github.com/jxucoder/archbridge/internal/config"
	"github.com/jxucoder/archbridge/internal/history"
	"github.com/jxucoder/archbridge/internal/httpapi"
	"github.com/jxucoder/archbridge/internal/session"
	"github.com/jxucoder/archbridge/internal/telegram"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Telegram bridge",
	Long:  "Start the bridge: poll Telegram for updates, route prompts to the Architect executor, and serve the status HTTP API.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := session.EnsureStateDir(cfg.StateDir); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	state := session.Load(session.DefaultPaths(cfg.StateDir))
	if cfg.WorkersEnabled {
		fingerprint := session.ComputePolicyFingerprint(cfg.PolicyFiles)
		if err := state.SeedWorkersFromThreads(fingerprint, time.Now()); err != nil {
			log.Printf("serve: failed to persist seeded worker sessions: %v", err)
		}
	}
	if err := state.Persist(); err != nil {
		log.Printf("serve: failed to persist loaded state: %v", err)
	}

	hist, err := history.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening request history: %w", err)
	}
	defer hist.Close()

	client, err := telegram.NewBotClient(cfg.Token)
	if err != nil {
		return fmt.Errorf("connecting to Telegram: %w", err)
	}

	b := bridge.New(cfg, state, hist, client)

	// Graceful shutdown on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down...")
		cancel()
	}()

	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.New(state, hist).Router(),
	}
	go func() {
		log.Printf("serve: status API listening on %s", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("serve: status API failed: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpSrv.Shutdown(shutdownCtx)
	}()

	b.RecoverInterrupted()
	offset := bridge.DropPendingUpdates(client.API())

	updateCfg := tgbotapi.NewUpdate(offset)
	updateCfg.Timeout = int(cfg.PollTimeout.Seconds())
	updates := client.API().GetUpdatesChan(updateCfg)
	go func() {
		<-ctx.Done()
		client.API().StopReceivingUpdates()
	}()

	log.Printf("serve: bridge started, allowed chats=%v", cfg.AllowedChatIDList())
	log.Printf("serve: executor command=%v", cfg.ExecutorCmd)
	log.Printf("serve: persistent workers enabled=%v max=%d idle_timeout=%s",
		cfg.WorkersEnabled, cfg.WorkersMax, cfg.WorkersIdleTimeout)

	b.Run(ctx, updates)
	return nil
}
