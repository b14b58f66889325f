package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/geowatch/internal/events"
	"github.com/shaunagostinho/geowatch/internal/geo"
	"github.com/shaunagostinho/geowatch/internal/gps"
	"github.com/shaunagostinho/geowatch/internal/logger"
	"github.com/shaunagostinho/geowatch/internal/permission"
	"github.com/shaunagostinho/geowatch/internal/server"
	"github.com/shaunagostinho/geowatch/web"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "geowatch: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/geowatch/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated GPS receiver")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	// Config is loaded before the configured logger exists.
	bootLog, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	cfg, err := server.LoadConfig(*configPath, bootLog.Named("config"))
	if err != nil {
		return err
	}
	if *demo {
		cfg.GPS.Type = "demo"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	log, closeLog, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()
	log.Info("geowatch starting", zap.String("gps", cfg.GPS.Type))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var receiver gps.Receiver
	switch cfg.GPS.Type {
	case "nmea":
		receiver = gps.NewNMEA(gps.NMEAConfig{
			PortPath: cfg.GPS.PortPath,
			BaudRate: cfg.GPS.BaudRate,
		}, log.Named("nmea"))
	default:
		receiver = gps.NewDemo()
	}
	defer receiver.Close()

	perms, err := permission.NewStore(cfg.PermissionConfig(), log.Named("permission"))
	if err != nil {
		return err
	}

	bus := events.New()
	service := gps.NewService(receiver, bus, cfg.GPS.Service, log.Named("gps"))
	loc := geo.New(service, perms, bus, geo.Options{
		NativeOneShot: cfg.Location.NativeOneShot,
		Logger:        log.Named("geo"),
	})
	srv := server.New(cfg, loc, perms, web.FS, log.Named("server"))
	watcher := server.NewConfigWatcher(cfg, perms, log.Named("config"))

	// Everything starts immediately; the receiver connects in the background.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		connectWithRetry(gctx, log.Named("gps"), receiver, 10)
		return nil
	})
	g.Go(func() error { return service.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })

	err = g.Wait()
	log.Info("geowatch stopped", zap.Error(err))
	return err
}

// connectable is satisfied by every gps.Receiver.
type connectable interface {
	Connect() error
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, log *zap.Logger, c connectable, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.Connect()
		if err == nil {
			log.Info("connected", zap.Int("attempt", attempt+1))
			return
		}
		attempt++
		if attempt <= maxAttempts {
			log.Warn("connect failed", zap.Int("attempt", attempt), zap.Int("max", maxAttempts), zap.Duration("retry_in", delay), zap.Error(err))
		} else {
			log.Debug("connect failed", zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay = min(delay*2, maxDelay)
	}
}
