package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pauline2k/weave-bot-orb/internal/bus"
	"github.com/pauline2k/weave-bot-orb/internal/channels"
	"github.com/pauline2k/weave-bot-orb/internal/channels/discord"
	"github.com/pauline2k/weave-bot-orb/internal/channels/telegram"
	"github.com/pauline2k/weave-bot-orb/internal/config"
	"github.com/pauline2k/weave-bot-orb/internal/gateway"
	httpapi "github.com/pauline2k/weave-bot-orb/internal/http"
	"github.com/pauline2k/weave-bot-orb/internal/parser"
	"github.com/pauline2k/weave-bot-orb/internal/relay"
	"github.com/pauline2k/weave-bot-orb/internal/tracing"
	"github.com/pauline2k/weave-bot-orb/pkg/protocol"
)

// callbackBurst lets an agent flush a short backlog of callbacks at once.
const callbackBurst = 10

func runRelay() error {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return err
	}
	if err := cfg.Validate(); err != nil {
		if _, statErr := os.Stat(cfgPath); os.IsNotExist(statErr) {
			fmt.Printf("No configuration found at %s. Run the setup wizard:\n\n  weavebot onboard\n\n", cfgPath)
		}
		slog.Error("invalid config", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("tracing shutdown", "error", err)
		}
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("failed to open request store", "driver", cfg.Database.Driver, "error", err)
		return err
	}
	defer st.Close()

	msgBus := bus.New(bus.DefaultBufferSize)
	channelMgr := channels.NewManager()
	registerChannels(cfg, channelMgr, msgBus)
	if len(channelMgr.GetEnabledChannels()) == 0 {
		return errors.New("no chat channel could be initialized")
	}

	updater := relay.NewUpdater(channelMgr, st, relay.WithReplaceOnFinish(cfg.Relay.ReplaceOnFinish))
	client := parser.NewClient(cfg.Agent.URL, cfg.ResolvedCallbackURL(), parser.WithTimeout(cfg.Agent.Timeout()))
	listener := relay.NewListener(st, client, updater, relay.ListenerOptions{
		Retries: cfg.Relay.Retries(),
		Images:  relay.NewHTTPImageFetcher(nil, cfg.Relay.MediaMaxBytes),
	})
	receiver := relay.NewReceiver(st, updater, listener, cfg.Relay.CallbackGrace())
	sweeper := relay.NewSweeper(st, updater, cfg.Relay.RequestTimeout(), cfg.Relay.SweepInterval())

	limiter := httpapi.NewRateLimiter(cfg.Gateway.RateLimitRPM, callbackBurst)
	server := gateway.NewServer(cfg.Gateway,
		httpapi.NewCallbackHandler(receiver, cfg.Gateway.CallbackToken, limiter),
		httpapi.NewRequestsHandler(st, cfg.Gateway.Token),
	)

	if err := channelMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
		return err
	}

	slog.Info("weavebot relay starting",
		"version", Version,
		"protocol", protocol.ProtocolVersion,
		"store", cfg.Database.Driver,
		"channels", channelMgr.GetEnabledChannels(),
		"agent", cfg.Agent.URL,
		"callback", cfg.ResolvedCallbackURL(),
		"request_timeout", cfg.Relay.RequestTimeout(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listener.Run(gctx, msgBus) })
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	if _, statErr := os.Stat(cfgPath); statErr == nil {
		w := config.NewWatcher(cfgPath, cfg, func(next *config.Config) {
			applyReload(cfg, next, channelMgr)
		})
		g.Go(func() error {
			if err := w.Run(gctx); err != nil {
				slog.Warn("config watcher unavailable", "error", err)
			}
			return nil
		})
	}

	runErr := g.Wait()
	slog.Info("graceful shutdown initiated")

	// Dispatches already accepted finish recording their agent id before the store closes.
	listener.Wait()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := channelMgr.StopAll(stopCtx); err != nil {
		slog.Warn("failed to stop channels", "error", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("relay error", "error", runErr)
		return runErr
	}
	return nil
}

func registerChannels(cfg *config.Config, mgr *channels.Manager, msgBus bus.InboundRouter) {
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			slog.Error("failed to initialize discord channel", "error", err)
		} else {
			mgr.RegisterChannel(discord.Name, dc)
			slog.Info("discord channel enabled", "channels", len(cfg.Channels.Discord.Channels))
		}
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			slog.Error("failed to initialize telegram channel", "error", err)
		} else {
			mgr.RegisterChannel(telegram.Name, tg)
			slog.Info("telegram channel enabled", "chats", len(cfg.Channels.Telegram.Chats))
		}
	}
}

// applyReload swaps in a reloaded config. Only channel allow-lists take effect
// live; everything else needs a restart.
func applyReload(cur, next *config.Config, mgr *channels.Manager) {
	if err := next.Validate(); err != nil {
		slog.Warn("config.reload_rejected", "error", err)
		return
	}
	ch := next.ChannelsSnapshot()
	mgr.UpdateAllowLists(discord.Name, ch.Discord.Channels, ch.Discord.AllowFrom)
	mgr.UpdateAllowLists(telegram.Name, ch.Telegram.Chats, ch.Telegram.AllowFrom)
	cur.ReplaceFrom(next)
	slog.Info("channel allow-lists applied", "hash", cur.Hash())
}
