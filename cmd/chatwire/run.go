package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chatwire/chatwire/internal/adapters/discord"
	"github.com/chatwire/chatwire/internal/adapters/slack"
	"github.com/chatwire/chatwire/internal/adapters/telegram"
	"github.com/chatwire/chatwire/internal/adapters/textfile"
	"github.com/chatwire/chatwire/internal/adapters/zulip"
	"github.com/chatwire/chatwire/internal/attachments"
	"github.com/chatwire/chatwire/internal/bus"
	"github.com/chatwire/chatwire/internal/cache"
	"github.com/chatwire/chatwire/internal/config"
	"github.com/chatwire/chatwire/internal/conversation"
	"github.com/chatwire/chatwire/internal/emoji"
	"github.com/chatwire/chatwire/internal/events"
	"github.com/chatwire/chatwire/internal/history"
	"github.com/chatwire/chatwire/internal/ratelimit"
)

func newRunCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured adapter",
		Long:  "Connects to the configured platform, serves the bus endpoint for bot hosts, and relays events until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdapter(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to adapter config file")
	return cmd
}

// platformAdapter is what every chat platform module provides: the outgoing
// command surface, the history source, and the inbound event stream.
type platformAdapter interface {
	events.Sender
	events.Uploader
	history.Source
	Connect(ctx context.Context) error
	Listen(ctx context.Context) (<-chan *conversation.Event, error)
	Close() error
	BotUserID() string
}

func runAdapter(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	closeLog, err := setupLogging(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Adapter.Type == "text_file" {
		return runTextFile(ctx, cfg)
	}
	return runPlatform(ctx, cfg)
}

// runTextFile serves the filesystem adapter: no platform connection, just the
// bus endpoint backed by the file command processor and its undo log.
func runTextFile(ctx context.Context, cfg *config.Config) error {
	undoLog, err := textfile.NewEventCache(cfg.TextFile)
	if err != nil {
		return err
	}
	defer undoLog.Stop()

	server := bus.NewServer(bus.Opts{
		Config:      cfg.SocketIO,
		AdapterType: cfg.Adapter.Type,
		Processor:   textfile.NewProcessor(cfg.TextFile, undoLog),
	})

	sched := cron.New()
	sched.AddFunc(fmt.Sprintf("@every %dh", cfg.TextFile.CleanupIntervalHours), func() {
		if n := undoLog.Cleanup(); n > 0 {
			log.Printf("textfile: expired %d undo events", n)
		}
	})
	sched.Start()
	defer sched.Stop()

	log.Printf("chatwire: text_file adapter serving %s", cfg.TextFile.BaseDirectory)
	return server.Start(ctx)
}

// runPlatform wires the full pipeline for a chat platform: conversation state,
// attachment downloads, history, rate limiting, and the bus endpoint.
func runPlatform(ctx context.Context, cfg *config.Config) error {
	emj, err := loadEmoji(cfg.Adapter)
	if err != nil {
		return err
	}
	msgs := cache.NewMessageCache(cfg.Caching)
	atts, err := cache.NewAttachmentCache(cfg.Attachments)
	if err != nil {
		return err
	}
	limiter := ratelimit.New(cfg.RateLimit)

	platform, mentions, err := buildPlatform(cfg.Adapter)
	if err != nil {
		return err
	}
	manager := conversation.NewManager(conversation.ManagerOpts{
		Platform:    platform,
		Messages:    msgs,
		Attachments: atts,
		Emoji:       emj,
	})
	downloader := attachments.NewDownloader(attachments.DownloaderOpts{
		Cache:         atts,
		Limiter:       limiter,
		MaxFileSizeMB: cfg.Attachments.MaxFileSizeMB,
	})

	adapter, err := buildAdapter(cfg, manager, downloader, emj)
	if err != nil {
		return err
	}
	if err := adapter.Connect(ctx); err != nil {
		return err
	}
	defer adapter.Close()

	fetcher := history.New(history.Opts{
		Manager:      manager,
		Limiter:      limiter,
		Source:       adapter,
		MaxLimit:     cfg.Adapter.MaxHistoryLimit,
		CacheFetched: cfg.Caching.CacheFetchedHistory,
	})
	builder := events.NewBuilder(cfg.Adapter.Type, cfg.Adapter.Name)
	server := bus.NewServer(bus.Opts{
		Config:      cfg.SocketIO,
		AdapterType: cfg.Adapter.Type,
		Processor: events.NewOutgoingProcessor(events.OutgoingOpts{
			AdapterType:      cfg.Adapter.Type,
			Sender:           adapter,
			Uploader:         adapter,
			Limiter:          limiter,
			Emoji:            emj,
			Fetcher:          fetcher,
			Attachments:      atts,
			MaxMessageLength: cfg.Adapter.MaxMessageLength,
			Mentions:         mentions,
		}),
		Builder: builder,
	})
	incoming := events.NewIncomingProcessor(events.IncomingOpts{
		Manager: manager,
		Fetcher: fetcher,
		Builder: builder,
		Emitter: server,
	})

	inbound, err := adapter.Listen(ctx)
	if err != nil {
		return err
	}

	sched := cron.New()
	sched.AddFunc(fmt.Sprintf("@every %ds", cfg.Caching.MaintenanceIntervalSecs), msgs.Maintain)
	sched.AddFunc(fmt.Sprintf("@every %dh", cfg.Attachments.CleanupIntervalHours), atts.Maintain)
	sched.Start()
	defer sched.Stop()

	log.Printf("chatwire: %s adapter running as bot %s", cfg.Adapter.Type, adapter.BotUserID())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(ctx)
	})
	g.Go(func() error {
		for ev := range inbound {
			incoming.Process(ctx, ev)
		}
		return nil
	})
	g.Go(func() error {
		// Unblocks the inbound pump once shutdown starts.
		<-ctx.Done()
		return adapter.Close()
	})
	return g.Wait()
}

// buildPlatform selects the platform behavior and outgoing mention syntax.
func buildPlatform(cfg config.AdapterConfig) (conversation.Platform, events.MentionFormatter, error) {
	switch cfg.Type {
	case "discord":
		return discord.NewPlatform(cfg.ID), discord.MentionUser, nil
	case "slack":
		return slack.NewPlatform(cfg.ID), slack.MentionUser, nil
	case "telegram":
		return telegram.NewPlatform(cfg.Name), telegram.MentionUser, nil
	case "zulip":
		return zulip.NewPlatform(cfg.ID, cfg.Name), zulip.MentionUser, nil
	default:
		return nil, nil, fmt.Errorf("chatwire: unsupported adapter type %q", cfg.Type)
	}
}

func buildAdapter(cfg *config.Config, manager *conversation.Manager, downloader *attachments.Downloader, emj *emoji.Converter) (platformAdapter, error) {
	switch cfg.Adapter.Type {
	case "discord":
		return discord.New(discord.Opts{
			Config:     cfg.Discord,
			AdapterID:  cfg.Adapter.ID,
			Manager:    manager,
			Downloader: downloader,
			Emoji:      emj,
		})
	case "slack":
		return slack.New(slack.Opts{
			Config:     cfg.Slack,
			Manager:    manager,
			Downloader: downloader,
		})
	case "telegram":
		return telegram.New(telegram.Opts{
			Config:     cfg.Telegram,
			Manager:    manager,
			Downloader: downloader,
			Emoji:      emj,
		})
	case "zulip":
		return zulip.New(zulip.Opts{
			Config:     cfg.Zulip,
			Manager:    manager,
			Downloader: downloader,
		})
	default:
		return nil, fmt.Errorf("chatwire: unsupported adapter type %q", cfg.Adapter.Type)
	}
}

func loadEmoji(cfg config.AdapterConfig) (*emoji.Converter, error) {
	if cfg.EmojiMappings == "" {
		return emoji.New(), nil
	}
	return emoji.Load(cfg.EmojiMappings)
}

// setupLogging redirects the standard logger to the configured file, if any.
func setupLogging(cfg config.LoggingConfig) (func(), error) {
	if cfg.File == "" {
		return func() {}, nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("chatwire: open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return func() { f.Close() }, nil
}
