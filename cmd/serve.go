package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chatrouter/gateway/internal/accuracy"
	"github.com/chatrouter/gateway/internal/agentreg"
	"github.com/chatrouter/gateway/internal/assignment"
	"github.com/chatrouter/gateway/internal/auth"
	"github.com/chatrouter/gateway/internal/bus"
	"github.com/chatrouter/gateway/internal/config"
	"github.com/chatrouter/gateway/internal/crypto"
	"github.com/chatrouter/gateway/internal/gateway"
	"github.com/chatrouter/gateway/internal/llmgw"
	"github.com/chatrouter/gateway/internal/matcher"
	"github.com/chatrouter/gateway/internal/routing"
	"github.com/chatrouter/gateway/internal/store"
	"github.com/chatrouter/gateway/internal/store/pg"
	"github.com/chatrouter/gateway/internal/store/sqlite"
	"github.com/chatrouter/gateway/internal/telemetry"
	"github.com/chatrouter/gateway/internal/vision"
	"github.com/chatrouter/gateway/pkg/protocol"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chatrouter gateway server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func openStore(ctx context.Context, cfg *config.Config, envelope *crypto.Envelope) (store.Gateway, error) {
	snap := cfg.Snapshot()
	if snap.Database.IsPostgres() {
		slog.Info("store.backend", "mode", "postgres")
		return pg.Open(ctx, snap.Database.PostgresDSN, envelope, snap.Crypto.RedactPII)
	}
	path := config.ExpandHome(snap.Database.SQLitePath)
	slog.Info("store.backend", "mode", "sqlite", "path", path)
	return sqlite.OpenGateway(ctx, path, envelope, snap.Crypto.RedactPII)
}

func runServe() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("chatrouter: failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Snapshot().Telemetry)
	if err != nil {
		slog.Error("chatrouter: failed to set up telemetry", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	envelope, err := crypto.NewEnvelope(cfg.Snapshot().Crypto.MasterKeyBase64)
	if err != nil {
		slog.Error("chatrouter: failed to build crypto envelope", "error", err)
		os.Exit(1)
	}
	if !envelope.Configured() {
		slog.Warn("chatrouter: no CHATROUTER_MASTER_KEY configured; messages and LLM API keys are stored as plaintext")
	}

	gw, err := openStore(ctx, cfg, envelope)
	if err != nil {
		slog.Error("chatrouter: failed to open store", "error", err)
		os.Exit(1)
	}
	defer gw.Close()

	authResolver, err := auth.NewResolver(cfg.Snapshot().Auth.AdminSharedSecret, cfg.Snapshot().Auth.SigningKeyBase64)
	if err != nil {
		slog.Error("chatrouter: failed to build auth resolver", "error", err)
		os.Exit(1)
	}

	msgBus := bus.NewMessageBus()
	registry := agentreg.New()
	cache := assignment.New(gw)
	respMatcher := matcher.New()
	llm := llmgw.New(gw, envelope, cfg)
	recorder := accuracy.New(gw)

	if responses, err := gw.ListCannedResponses(ctx); err != nil {
		slog.Warn("chatrouter: failed to load canned responses", "error", err)
	} else {
		respMatcher.Reload(responses)
		slog.Info("matcher.loaded", "rules", len(responses))
	}
	msgBus.Subscribe("matcher-reload", func(event bus.Event) {
		if event.Name != protocol.EventCacheInvalidate {
			return
		}
		invalidate, ok := event.Payload.(bus.CacheInvalidatePayload)
		if !ok || invalidate.Kind != bus.CacheKindCannedResponses {
			return
		}
		responses, err := gw.ListCannedResponses(ctx)
		if err != nil {
			slog.Warn("chatrouter: failed to reload canned responses", "error", err)
			return
		}
		respMatcher.Reload(responses)
		slog.Info("matcher.reloaded", "rules", len(responses))
	})

	engine := routing.New(gw, cache, registry, respMatcher, llm, recorder, msgBus, cfg, vision.NewFetcher())
	server := gateway.NewServer(cfg, msgBus, gw, registry, cache, engine, authResolver, recorder)

	watcher, err := config.NewWatcher(cfgPath, cfg, func(*config.Config) {
		slog.Info("chatrouter: configuration hot-reloaded")
	})
	if err != nil {
		slog.Warn("chatrouter: config hot-reload disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("chatrouter: shutdown initiated", "signal", sig)
		server.BroadcastEvent(protocol.EventConversationClosed, nil)
		cancel()
	}()

	slog.Info("chatrouter: gateway starting", "version", Version, "protocol", protocol.ProtocolVersion)

	if err := server.Start(ctx); err != nil {
		slog.Error("chatrouter: gateway error", "error", err)
		os.Exit(1)
	}
}
