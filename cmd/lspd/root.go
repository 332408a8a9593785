package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ggoodman/lsp-server-go/config"
	"github.com/ggoodman/lsp-server-go/endpoint"
	"github.com/ggoodman/lsp-server-go/internal/logctx"
	"github.com/ggoodman/lsp-server-go/internal/textbackend"
	"github.com/ggoodman/lsp-server-go/lsp"
	"github.com/ggoodman/lsp-server-go/stdio"
	"github.com/ggoodman/lsp-server-go/storage"
	"github.com/ggoodman/lsp-server-go/storage/memory"
	redisstore "github.com/ggoodman/lsp-server-go/storage/redis"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

type flags struct {
	configPath string
	cfg        config.Config
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "lspd",
		Short: "Language server over stdio",
		Long: `lspd serves the Language Server Protocol on stdin and stdout.

Settings come from built-in defaults, an optional YAML file (--config),
LSPD_* environment variables and finally command-line flags.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.resolve(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), f.configPath, f.overlay(cmd), cfg, os.Stdin, os.Stdout, os.Stderr)
		},
	}

	f.bind(cmd)
	return cmd
}

// bind registers the command-line flags on cmd.
func (f *flags) bind(cmd *cobra.Command) {
	d := config.Default()
	fs := cmd.Flags()
	fs.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file, reloaded on change")
	fs.StringVar(&f.cfg.LogLevel, "log-level", d.LogLevel, "Log level (debug|info|warn|error)")
	fs.StringVar(&f.cfg.LogFormat, "log-format", d.LogFormat, "Log format (text|json)")
	fs.StringVar(&f.cfg.Framing, "framing", d.Framing, "Message framing (lines|header)")
	fs.IntVar(&f.cfg.OutboundCapacity, "outbound-capacity", d.OutboundCapacity, "Outbound calls awaiting a reply before the oldest is dropped")
	fs.Int64Var(&f.cfg.MaxConcurrentCalls, "max-concurrent-calls", d.MaxConcurrentCalls, "Inbound calls handled at once (0 for no limit)")
	fs.BoolVar(&f.cfg.StrictReplies, "strict-replies", d.StrictReplies, "Panic when a handler replies twice")
	fs.StringVar(&f.cfg.TokenStore, "token-store", d.TokenStore, "Semantic token store (memory|redis)")
	fs.IntVar(&f.cfg.TokenCacheSize, "token-cache-size", d.TokenCacheSize, "Documents kept by the memory token store")
	fs.StringVar(&f.cfg.RedisAddr, "redis-addr", d.RedisAddr, "Redis address for the redis token store")
	fs.StringVar(&f.cfg.RedisPrefix, "redis-prefix", d.RedisPrefix, "Key prefix for the redis token store")
	fs.DurationVar(&f.cfg.SnapshotTTL, "snapshot-ttl", d.SnapshotTTL, "Expire token snapshots not rewritten for this long (0 keeps them)")
}

// overlay returns a function copying the flags the user actually set onto a
// loaded config. It is reapplied on every config file reload.
func (f *flags) overlay(cmd *cobra.Command) func(*config.Config) {
	fs := cmd.Flags()
	return func(cfg *config.Config) {
		set := func(name string, apply func()) {
			if fs.Changed(name) {
				apply()
			}
		}
		set("log-level", func() { cfg.LogLevel = f.cfg.LogLevel })
		set("log-format", func() { cfg.LogFormat = f.cfg.LogFormat })
		set("framing", func() { cfg.Framing = f.cfg.Framing })
		set("outbound-capacity", func() { cfg.OutboundCapacity = f.cfg.OutboundCapacity })
		set("max-concurrent-calls", func() { cfg.MaxConcurrentCalls = f.cfg.MaxConcurrentCalls })
		set("strict-replies", func() { cfg.StrictReplies = f.cfg.StrictReplies })
		set("token-store", func() { cfg.TokenStore = f.cfg.TokenStore })
		set("token-cache-size", func() { cfg.TokenCacheSize = f.cfg.TokenCacheSize })
		set("redis-addr", func() { cfg.RedisAddr = f.cfg.RedisAddr })
		set("redis-prefix", func() { cfg.RedisPrefix = f.cfg.RedisPrefix })
		set("snapshot-ttl", func() { cfg.SnapshotTTL = f.cfg.SnapshotTTL })
	}
}

// resolve layers the flags the user actually set over the loaded config.
func (f *flags) resolve(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	f.overlay(cmd)(&cfg)
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func serve(ctx context.Context, configPath string, overlay func(*config.Config), cfg config.Config, in io.Reader, out, logOut io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var level slog.LevelVar
	lvl, err := cfg.Level()
	if err != nil {
		return err
	}
	level.Set(lvl)
	log := newLogger(logOut, cfg.LogFormat, &level)

	if configPath != "" {
		if err := config.Watch(ctx, configPath, overlay, &level, log); err != nil {
			log.WarnContext(ctx, "lspd.config.watch_fail", slog.String("err", err.Error()))
		}
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	framing, err := stdio.ParseFraming(cfg.Framing)
	if err != nil {
		return err
	}

	srv := lsp.NewServer(textbackend.New(), store,
		lsp.WithLogger(log),
		lsp.WithServerInfo("lspd", Version),
		lsp.WithSnapshotTTL(cfg.SnapshotTTL),
		lsp.WithEndpointOptions(
			endpoint.WithOutboundCapacity(cfg.OutboundCapacity),
			endpoint.WithMaxConcurrentCalls(cfg.MaxConcurrentCalls),
			endpoint.WithStrictReplies(cfg.StrictReplies),
		),
	)

	h := stdio.NewHandler(srv,
		stdio.WithIO(in, out),
		stdio.WithLogger(log),
		stdio.WithFraming(framing),
	)
	return h.Serve(ctx)
}

func newLogger(w io.Writer, format string, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if format == config.FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(logctx.Handler{Handler: h})
}

func openStore(ctx context.Context, cfg config.Config) (storage.Storage, error) {
	switch cfg.TokenStore {
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		s, err := redisstore.New(redisstore.Config{Client: client, KeyPrefix: cfg.RedisPrefix})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return s, nil
	default:
		s, err := memory.New(cfg.TokenCacheSize)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}
