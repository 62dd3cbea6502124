package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/execgate/execgate/internal/allowlist"
	"github.com/execgate/execgate/internal/approval"
	"github.com/execgate/execgate/internal/forward"
	"github.com/execgate/execgate/internal/rules"
	"github.com/execgate/execgate/internal/server"
)

func main() {
	setupLogger()

	log.Info().Msg("starting execgate")

	ctx, cancel := setupSignalHandler()
	defer cancel()

	if err := run(ctx); err != nil {
		log.Fatal().Err(err).Msg("application error")
	}

	log.Info().Msg("execgate stopped")
}

func run(ctx context.Context) error {
	store, err := initAllowlist()
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close allowlist store")
		}
	}()

	ruleManager, ruleWatcher, err := initRules()
	if err != nil {
		return err
	}
	if ruleWatcher != nil {
		defer ruleWatcher.Close()
	}

	registry := approval.NewRegistry()
	defer registry.Close()

	svc := approval.NewService(registry, approvalTimeout())
	svc.SetAllowlist(store)

	srv := server.New(server.LoadConfig(), svc, ruleManager, store)
	svc.SetBroadcaster(srv.Hub())

	startForwarders(ctx, svc)

	return runServer(ctx, srv)
}

func setupLogger() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	level, err := zerolog.ParseLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	return ctx, cancel
}

func approvalTimeout() time.Duration {
	return time.Duration(getEnvInt("APPROVAL_TIMEOUT", 120)) * time.Second
}

func initAllowlist() (*allowlist.Store, error) {
	dbPath := getEnv("ALLOWLIST_DB", "./db/allowlist.db")

	log.Info().Str("path", dbPath).Msg("initializing allowlist store")

	store, err := allowlist.NewStore(dbPath)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func initRules() (*rules.Manager, *rules.Watcher, error) {
	rulesPath := getEnv("RULES_PATH", "./gate-rules.json")

	log.Info().Str("path", rulesPath).Msg("loading gate rules")

	manager, err := rules.NewManager(rulesPath)
	if err != nil {
		return nil, nil, err
	}

	watcher, err := rules.NewWatcher(manager)
	if err != nil {
		// Hot reload is a convenience; run with the loaded rules.
		log.Warn().Err(err).Msg("rules watcher unavailable")
		return manager, nil, nil
	}
	return manager, watcher, nil
}

func startForwarders(ctx context.Context, svc *approval.Service) {
	var forwarders forward.Multi

	if url := os.Getenv("WEBHOOK_URL"); url != "" {
		timeout := time.Duration(getEnvInt("WEBHOOK_TIMEOUT", 10)) * time.Second
		forwarders = append(forwarders, forward.NewWebhook(url, timeout))
		log.Info().Str("url", url).Msg("webhook forwarder enabled")
	}

	if token := os.Getenv("TELEGRAM_TOKEN"); token != "" {
		chatID, _ := strconv.ParseInt(os.Getenv("TELEGRAM_CHAT_ID"), 10, 64)
		cfg := forward.TelegramConfig{
			Token:     token,
			ChatID:    chatID,
			AllowFrom: splitList(os.Getenv("TELEGRAM_ALLOW_FROM")),
		}
		tg := forward.NewTelegram(cfg, svc)
		forwarders = append(forwarders, tg)

		go func() {
			if err := tg.Start(ctx); err != nil {
				log.Error().Err(err).Msg("telegram channel stopped")
			}
		}()
		log.Info().Msg("telegram forwarder enabled")
	}

	if len(forwarders) > 0 {
		svc.SetForwarder(forwarders)
	}
}

func runServer(ctx context.Context, srv *server.Server) error {
	errChan := make(chan error, 1)

	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}
