package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/luciancaetano/relaysession"
	"github.com/luciancaetano/relaysession/internal/config"
	"github.com/luciancaetano/relaysession/internal/session"
	"github.com/luciancaetano/relaysession/internal/transport"
)

const drainTimeout = 10 * time.Second

func clientCmd() *cli.Command {
	return &cli.Command{
		Name:            "client",
		Aliases:         []string{"c"},
		Usage:           "Connect to a relay, send stdin lines and print inbound frames",
		ArgsUsage:       "[--config_file path] [--client.url url] [--client.transport gorilla|coder]",
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

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runClient(ctx, cfg, logger, os.Stdin, os.Stdout)
		},
	}
}

func newDialer(cfg *config.Config, logger *slog.Logger) (relaysession.Dialer, error) {
	var dialer relaysession.Dialer
	switch strings.ToLower(cfg.Client.Transport) {
	case "", "gorilla":
		dialer = &transport.GorillaDialer{Logger: logger}
	case "coder":
		dialer = &transport.CoderDialer{Logger: logger}
	default:
		return nil, fmt.Errorf("%w %q", config.ErrUnknownTransport, cfg.Client.Transport)
	}
	return transport.NewBreakerDialer(dialer, cfg.Client.Breaker, logger), nil
}

func runClient(ctx context.Context, cfg *config.Config, logger *slog.Logger, in io.Reader, out io.Writer) error {
	dialer, err := newDialer(cfg, logger)
	if err != nil {
		return err
	}

	failed := make(chan struct{})
	var failOnce sync.Once
	client, err := session.New(cfg.Session(), dialer,
		session.WithLogger(logger),
		session.WithMessageHandler(func(data []byte) {
			fmt.Fprintln(out, string(data))
		}),
		session.WithErrorHandler(func(err error) {
			logger.Warn("client error", "error", err)
		}),
		session.WithStateHandler(func(from, to session.State) {
			logger.Info("state changed", "from", from, "to", to)
			if to == session.StateFailed {
				failOnce.Do(func() { close(failed) })
			}
		}),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Connect(); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Error("read stdin", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-failed:
			return fmt.Errorf("relay %s unreachable", cfg.Client.URL)
		case line, ok := <-lines:
			if !ok {
				return drain(ctx, client)
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if err := client.Send([]byte(line)); err != nil {
				logger.Warn("send rejected", "error", err)
			}
		}
	}
}

// drain waits for queued frames to flush before the client closes.
func drain(ctx context.Context, client *session.Machine) error {
	ctx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for client.QueueLen() > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d frames left unsent: %w", client.QueueLen(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}
