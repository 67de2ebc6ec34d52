package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/seantiz/cloudflyer/internal/api"
	"github.com/seantiz/cloudflyer/internal/config"
	"github.com/seantiz/cloudflyer/internal/engine"
	"github.com/seantiz/cloudflyer/internal/events"
	"github.com/seantiz/cloudflyer/internal/model"
	"github.com/seantiz/cloudflyer/internal/solver"
	"github.com/seantiz/cloudflyer/internal/solver/httpdriver"
	"github.com/seantiz/cloudflyer/internal/store"
	"github.com/seantiz/cloudflyer/internal/tunnel"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stdout, "Usage of cloudflyer:\n%s", config.Usage())
		return
	}
	if err != nil {
		log.Fatalf("cloudflyer: %v", err)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("cloudflyer: %v", err)
	}
}

func run(cfg *config.Config) error {
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	logger.Info("cloudflyer: starting",
		"listen_addr", cfg.ListenAddr(),
		"store", cfg.Store,
		"max_tasks", cfg.MaxTasks,
		"timeout", cfg.Timeout,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, store.Options{
		Driver:    cfg.Store,
		DBPath:    cfg.DBPath,
		RedisAddr: cfg.RedisAddr,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	var pub events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.NATSURL, logger)
		if err != nil {
			return fmt.Errorf("connect events: %w", err)
		}
		pub = nc
	}
	defer pub.Close()

	router := &solver.Router{
		Tunnels:         tunnel.NewLinksocksConnector(cfg.LinksocksPath, logger),
		AllowLocalProxy: cfg.AllowLocalProxy,
	}
	if cfg.UpstreamProxy != "" {
		u, err := url.Parse(cfg.UpstreamProxy)
		if err != nil {
			return fmt.Errorf("parse upstream proxy: %w", err)
		}
		router.Upstream = u
	}

	browser := httpdriver.New()
	reg := solver.NewRegistry()
	reg.Register(model.TypeCloudflareChallenge, solver.NewCloudflareSolver(browser, router))
	reg.Register(model.TypeTurnstile, solver.NewTurnstileSolver(browser, router))
	reg.Register(model.TypeRecaptchaInvisible, solver.NewRecaptchaSolver(browser, router))

	eng := engine.New(db, reg, pub, logger, engine.Options{
		Slots:         cfg.MaxTasks,
		Timeout:       cfg.Timeout,
		CancelGrace:   cfg.CancelGrace,
		Retention:     cfg.Retention,
		SweepInterval: cfg.SweepInterval,
	})
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	srv := api.NewServer(cfg.ListenAddr(), cfg.ClientKey, db, reg, eng, logger)
	serveErr := srv.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*cfg.CancelGrace)
	defer cancel()
	if err := eng.Stop(stopCtx); err != nil {
		logger.Error("engine stop", "error", err)
	}
	return serveErr
}
