// Copyright 2026 The warden Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main provides the entry point for the warden server.
// warden supervises a fleet of autonomous coding-agent sessions: it
// classifies their failure signals, applies corrective interventions, and
// exposes an HTTP/websocket surface for live steering and diagnostics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/taskfleet/warden/internal/api"
	"github.com/taskfleet/warden/internal/buildinfo"
	"github.com/taskfleet/warden/internal/config"
	"github.com/taskfleet/warden/internal/logging"
	"github.com/taskfleet/warden/internal/notify"
	"github.com/taskfleet/warden/internal/session"
	"github.com/taskfleet/warden/internal/store"
	"github.com/taskfleet/warden/internal/supervisor"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("warden %s (commit %s, built %s)\n", buildinfo.Version, buildinfo.Commit, buildinfo.BuildDate)
		return
	}

	// Local overrides (telegram credentials and the like) come from .env.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("failed to load .env file: %v", err)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile, ""); err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("warden exited with error: %v", err)
	}
}

func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	audit, err := store.OpenAuditLog(ctx, cfg.AuditDBPath)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer audit.Close()

	sessions := session.NewRegistry()

	token := cfg.Telegram.BotToken
	if env := os.Getenv("WARDEN_TELEGRAM_BOT_TOKEN"); env != "" {
		token = env
	}
	chatID := cfg.Telegram.ChatID
	if env := os.Getenv("WARDEN_TELEGRAM_CHAT_ID"); env != "" {
		chatID = env
	}
	telegram := notify.NewTelegram(token, chatID)
	if telegram == nil {
		log.Info("telegram notifications disabled (no credentials)")
	}

	rules, err := config.LoadRules(cfg.RulesFile)
	if err != nil {
		return fmt.Errorf("failed to load diagnosis rules: %w", err)
	}

	sup := supervisor.New(
		supervisor.Config{
			AssessInterval:          cfg.GetAssessInterval(),
			Cooldown:                cfg.GetCooldown(),
			PlanningPhraseThreshold: cfg.Supervisor.PlanningPhraseThreshold,
			IdleThreshold:           cfg.GetIdleThreshold(),
			HighErrorThreshold:      cfg.Supervisor.HighErrorThreshold,
			TransientErrorThreshold: cfg.Supervisor.TransientErrorThreshold,
			MaxConcurrentAssess:     cfg.Supervisor.MaxConcurrentAssess,
		},
		supervisor.Callbacks{
			SendTelegram: telegram.Send,
		},
		supervisor.WithSessions(sessions),
		supervisor.WithAudit(audit),
		supervisor.WithRules(rules),
	)
	defer sup.Stop()

	// Hot-reload custom rules on file change.
	if cfg.RulesFile != "" {
		ruleWatcher, err := config.NewRuleWatcher(cfg.RulesFile, sup.SetRules)
		if err != nil {
			return fmt.Errorf("failed to watch rules file: %w", err)
		}
		if err := ruleWatcher.Start(); err != nil {
			log.Warnf("rules hot reload disabled: %v", err)
		}
		defer ruleWatcher.Stop()
	}

	if cfg.CooldownSnapshotPath != "" {
		if err := sup.LoadCooldowns(cfg.CooldownSnapshotPath); err != nil {
			log.Warnf("failed to restore cooldown snapshot: %v", err)
		}
		defer func() {
			if err := sup.SaveCooldowns(cfg.CooldownSnapshotPath); err != nil {
				log.Warnf("failed to save cooldown snapshot: %v", err)
			}
		}()
	}

	sup.Start(ctx)

	server := api.NewServer(sup, sessions, audit)

	errCh := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
		if err := server.Run(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infof("received signal %v, shutting down", sig)
	case err := <-errCh:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return server.Shutdown(shutdownCtx)
}
