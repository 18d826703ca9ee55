package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/flashkv/flashkv/internal/cdc"
	"github.com/flashkv/flashkv/internal/config"
	"github.com/flashkv/flashkv/internal/hotkeys"
	"github.com/flashkv/flashkv/internal/logger"
	"github.com/flashkv/flashkv/internal/metrics"
	"github.com/flashkv/flashkv/internal/server"
	"github.com/flashkv/flashkv/internal/store"
	"github.com/flashkv/flashkv/internal/version"
	"github.com/flashkv/flashkv/internal/web"
)

func newApp() *cli.App {
	return &cli.App{
		Name:    "flashkv",
		Usage:   "in-memory key-value server speaking the Redis protocol",
		Version: version.String(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				EnvVars: []string{"FLASHKV_CONFIG"},
			},
			&cli.StringFlag{Name: "addr", Usage: "TCP listen address"},
			&cli.StringFlag{Name: "admin-addr", Usage: "admin HTTP API address"},
			&cli.BoolFlag{Name: "no-admin", Usage: "disable the admin HTTP API"},
			&cli.StringFlag{Name: "log-level", Usage: "log level: debug, info, warn, error"},
			&cli.StringFlag{Name: "log-format", Usage: "log format: text, json"},
			&cli.IntFlag{Name: "max-clients", Usage: "maximum number of clients (0 = unlimited)"},
			&cli.Float64Flag{Name: "rate-limit", Usage: "max commands/sec per client (0 = unlimited)"},
		},
		Action: run,
	}
}

// loadConfig reads the configuration file and environment, then applies
// the flags the user set.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}

	if c.IsSet("addr") {
		cfg.Server.Addr = c.String("addr")
	}
	if c.IsSet("admin-addr") {
		cfg.Admin.Addr = c.String("admin-addr")
	}
	if c.Bool("no-admin") {
		cfg.Admin.Enabled = false
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.Log.Format = c.String("log-format")
	}
	if c.IsSet("max-clients") {
		cfg.Server.MaxClients = c.Int("max-clients")
	}
	if c.IsSet("rate-limit") {
		cfg.Server.RateLimit = c.Float64("rate-limit")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    os.Stderr,
		AddSource: cfg.Log.AddSource,
	})
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	log.Info("starting flashkv", "version", version.Version, "config", c.String("config"))
	log.Debug("effective configuration", "config", fmt.Sprintf("%+v", *cfg.Sanitize()))

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.New(store.WithSweepInterval(cfg.Store.SweepInterval))
	defer st.Close()

	m := metrics.New(st)
	opts := []server.DispatcherOption{server.WithMetrics(m), server.WithLogger(log)}

	var events *cdc.Stream
	if cfg.Events.Enabled {
		events = cdc.NewStream(cfg.Events.Capacity)
		defer events.Close()
		opts = append(opts, server.WithEvents(events))
	}
	var hot *hotkeys.Tracker
	if cfg.HotKeys.Enabled {
		hot = hotkeys.New(cfg.HotKeys.TopN, cfg.HotKeys.Window)
		defer hot.Close()
		opts = append(opts, server.WithHotKeys(hot))
	}

	dispatcher := server.NewDispatcher(st, opts...)
	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		MaxClients:      cfg.Server.MaxClients,
		IdleTimeout:     cfg.Server.IdleTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		RateLimit:       cfg.Server.RateLimit,
		ReadBufferSize:  cfg.Server.ReadBufferSize,
		MaxRequestBytes: cfg.Server.MaxRequestBytes,
	}, dispatcher, log, m)

	var wg sync.WaitGroup
	defer wg.Wait()

	if cfg.Admin.Enabled {
		admin := web.New(cfg.Admin.Addr, web.Deps{
			Dispatcher: dispatcher,
			Metrics:    m,
			Events:     events,
			HotKeys:    hot,
			Logger:     log,
			Token:      cfg.Admin.Token,
			Clients:    srv.Clients,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := admin.Start(ctx); err != nil {
				log.Error("admin API error", "error", err)
			}
		}()
	}

	reload := newReloader(c.String("config"), c.IsSet("log-level"), log)
	if path := c.String("config"); path != "" {
		w, err := config.NewWatcher(path, log, reload.apply)
		if err != nil {
			log.Warn("configuration file will not be watched", "error", err)
		} else {
			defer w.Close()
		}
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-hup:
				log.Info("received SIGHUP, reloading configuration")
				reload.fromFile()
			case <-ctx.Done():
				return
			}
		}
	}()

	err = srv.Start(ctx)
	stop()
	if err != nil {
		return err
	}
	log.Info("flashkv shutdown complete")
	return nil
}

// reloader applies the reloadable settings from a new configuration.
// Only the log level is reloadable; a --log-level flag pins it.
type reloader struct {
	path   string
	pinned bool
	log    *slog.Logger
}

func newReloader(path string, levelPinned bool, log *slog.Logger) *reloader {
	return &reloader{path: path, pinned: levelPinned, log: log}
}

func (r *reloader) fromFile() {
	r.apply(config.Load(r.path))
}

func (r *reloader) apply(cfg *config.Config, err error) {
	if err != nil {
		r.log.Warn("configuration reload failed, keeping current settings", "error", err)
		return
	}
	if r.pinned {
		r.log.Debug("log level set by flag, not reloading")
		return
	}
	if cfg.Log.Level == logger.Level() {
		return
	}
	if err := logger.SetLevel(cfg.Log.Level); err != nil {
		r.log.Warn("invalid log level in configuration", "level", cfg.Log.Level, "error", err)
		return
	}
	r.log.Info("log level changed", "level", cfg.Log.Level)
}
