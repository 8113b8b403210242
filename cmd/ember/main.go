package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/embermsg/ember/internal/cache"
	"github.com/embermsg/ember/internal/config"
	"github.com/embermsg/ember/internal/logging"
	"github.com/embermsg/ember/relay"
)

var Version = "dev"

const initialPageSize = 30

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("ember starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.String("channel", cfg.Channel),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := cache.Open(cfg.CachePath, cfg.CacheCap, logger)
	if err != nil {
		return fmt.Errorf("opening cache: %w", err)
	}
	defer store.Close()

	client := relay.NewClient(cfg.ServerURL, cfg.ServerKey, nil)

	overrides := relay.DefaultHostOverrides(string(cfg.NetworkContext), cfg.BridgeAddr)
	if cfg.HostOverridesFile != "" {
		overrides, err = relay.LoadHostOverrides(cfg.HostOverridesFile, overrides)
		if err != nil {
			return fmt.Errorf("loading host overrides: %w", err)
		}
	}

	resolver := relay.NewResolver(client, relay.ResolverConfig{
		MaxUploadBytes:  cfg.MaxUploadBytes,
		ConnectTimeout:  cfg.ConnectTimeout,
		DownloadTimeout: cfg.DownloadTimeout,
		HostOverrides:   overrides,
	}, logger)

	manager := relay.NewManager(relay.ManagerConfig{
		BaseURL:     cfg.ServerURL,
		Auth:        client,
		History:     client,
		Attachments: resolver,
		Cache:       store,
		Logger:      logger,
	})

	if _, err := manager.Login(ctx, cfg.DisplayName); err != nil {
		return fmt.Errorf("logging in: %w", err)
	}
	defer func() {
		if err := manager.Logout(context.Background()); err != nil {
			logger.Warn("logout failed", slog.String("error", err.Error()))
		}
	}()

	ch, err := manager.JoinChannel(ctx, cfg.Channel, relay.ChannelKind(cfg.ChannelKind))
	if err != nil {
		return fmt.Errorf("joining channel: %w", err)
	}

	ch.Timeline.Subscribe(func(ev relay.TimelineEvent) {
		switch ev.Op {
		case relay.TimelineAppend:
			for _, m := range ev.Messages {
				printMessage(m)
			}
		case relay.TimelinePrepend:
			fmt.Printf("-- %d older message(s) loaded --\n", len(ev.Messages))
		}
	})
	ch.Roster.Subscribe(func(ev relay.RosterEvent) {
		names := make([]string, 0, len(ev.Entries))
		for _, e := range ev.Entries {
			names = append(names, e.Username)
		}
		fmt.Printf("-- online: %s --\n", strings.Join(names, ", "))
	})

	messages, err := ch.Timeline.InitialLoad(ctx, initialPageSize)
	if err != nil {
		return fmt.Errorf("loading timeline: %w", err)
	}
	for _, m := range messages {
		printMessage(m)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return inputLoop(gctx, ch, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// inputLoop reads commands from stdin until EOF or cancellation.
func inputLoop(ctx context.Context, ch *relay.Channel, logger *slog.Logger) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			return context.Canceled

		case line == "/who":
			for _, e := range ch.Roster.List() {
				fmt.Printf("  %s\n", e.Username)
			}

		case line == "/older":
			if _, err := ch.Timeline.LoadOlder(ctx, initialPageSize); err != nil {
				logger.Warn("loading older messages failed", slog.String("error", err.Error()))
			} else if !ch.Timeline.HasMore() {
				fmt.Println("-- beginning of history --")
			}

		case strings.HasPrefix(line, "/img "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "/img "))
			if err := sendImage(ctx, ch, path); err != nil {
				logger.Warn("sending image failed",
					slog.String("path", path),
					slog.String("error", err.Error()),
				)
			}

		default:
			if err := ch.Timeline.SendText(ctx, line); err != nil {
				logger.Warn("sending message failed", slog.String("error", err.Error()))
			}
		}
	}
	return scanner.Err()
}

func sendImage(ctx context.Context, ch *relay.Channel, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(path))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return ch.Timeline.SendImage(ctx, data, contentType, filepath.Base(path))
}

func printMessage(m relay.Message) {
	when := m.CreatedAt.Local().Format("15:04")
	switch m.Kind {
	case relay.KindImage:
		key := ""
		if m.Attachment != nil {
			key = m.Attachment.ObjectKey
		}
		fmt.Printf("[%s] %s sent an image (%s)\n", when, m.SenderName, key)
	default:
		fmt.Printf("[%s] %s: %s\n", when, m.SenderName, m.Text)
	}
}
