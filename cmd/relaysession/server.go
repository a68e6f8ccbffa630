package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/luciancaetano/relaysession"
	"github.com/luciancaetano/relaysession/internal/config"
	"github.com/luciancaetano/relaysession/internal/protocol"
	"github.com/luciancaetano/relaysession/internal/ratelimit"
	"github.com/luciancaetano/relaysession/internal/registry"
	"github.com/luciancaetano/relaysession/internal/websocket"
)

func serverCmd() *cli.Command {
	return &cli.Command{
		Name:            "server",
		Aliases:         []string{"s"},
		Usage:           "Run the relay server",
		ArgsUsage:       "[--config_file path] [--server.addr addr] [--log.level level]",
		SkipFlagParsing: true,
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.Args().Slice())
			if err != nil {
				return err
			}
			logger, err := config.NewLogger(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}
			app := NewServerApp(cfg, logger)

			if err := app.Start(c.Context); err != nil {
				return err
			}

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			<-stop

			logger.Info("Shutting down...")
			return app.Stop(context.Background())
		},
	}
}

// NewServerApp wires the relay server with fx.
func NewServerApp(cfg *config.Config, logger *slog.Logger) *fx.App {
	return fx.New(
		fx.Supply(cfg, logger),
		fx.WithLogger(func(l *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: l}
		}),
		fx.Provide(
			ProvideLimiter,
			newRelay,
			ProvideServer,
		),
		fx.Invoke(func(*websocket.Server) {}),
	)
}

// ProvideLimiter builds the per-client limiter and prunes it for the app's
// lifetime. It returns nil when rate limiting is disabled.
func ProvideLimiter(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (registry.Limiter, error) {
	if !cfg.RateLimit.Enabled {
		return nil, nil
	}
	limiter, err := ratelimit.New(cfg.Limiter(), ratelimit.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go limiter.Run(ctx, cfg.RateLimit.PruneInterval)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
	return limiter, nil
}

// ProvideServer builds the relay server and ties it to the app lifecycle.
func ProvideServer(lc fx.Lifecycle, cfg *config.Config, limiter registry.Limiter, r *relay, logger *slog.Logger) *websocket.Server {
	s := websocket.New(cfg.WebsocketServer(), limiter, r.handlers(), websocket.WithLogger(logger))
	r.server = s

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return s.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return s.Stop(ctx)
		},
	})
	return s
}

const ackTimeout = 10 * time.Second

// relay is a storage-less demo relay: every accepted EVENT is acknowledged
// and fanned out to every open subscription, and every REQ ends with EOSE.
type relay struct {
	logger *slog.Logger
	server *websocket.Server
}

func newRelay(logger *slog.Logger) *relay {
	return &relay{logger: logger}
}

func (r *relay) handlers() registry.Handlers {
	return registry.Handlers{
		OnMessage: r.onMessage,
		OnError: func(err error, s *registry.Socket) {
			r.logger.Error("handler failed", "socket_id", s.ID(), "error", err)
		},
		OnClose: func(s *registry.Socket) {
			r.logger.Debug("socket closed", "socket_id", s.ID(), "identity", s.Identity())
		},
	}
}

func (r *relay) onMessage(ctx context.Context, s *registry.Socket, env protocol.Envelope) error {
	switch env.Type {
	case relaysession.TypeEvent:
		var ev struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(env.Args[0], &ev); err != nil {
			return err
		}
		ack, err := protocol.Encode(relaysession.TypeOK, ev.ID, true, "")
		if err != nil {
			return err
		}
		sendCtx, cancel := context.WithTimeout(ctx, ackTimeout)
		err = s.Send(sendCtx, ack)
		cancel()
		if err != nil {
			return err
		}
		r.fanOut(ctx, env.Args[0])

	case relaysession.TypeReq:
		id, _ := env.String(0)
		eose, err := protocol.Encode(relaysession.TypeEOSE, id)
		if err != nil {
			return err
		}
		return s.Send(ctx, eose)
	}
	return nil
}

func (r *relay) fanOut(ctx context.Context, event json.RawMessage) {
	subs := make(map[string]struct{})
	for _, sock := range r.server.Registry().Sockets() {
		for _, sub := range sock.Subscriptions() {
			subs[sub] = struct{}{}
		}
	}

	delivered := 0
	for sub := range subs {
		frame, err := protocol.Encode(relaysession.TypeEvent, sub, event)
		if err != nil {
			continue
		}
		delivered += r.server.BroadcastToSubscription(ctx, sub, frame)
	}
	r.logger.Debug("event fanned out", "subscriptions", len(subs), "deliveries", delivered)
}
