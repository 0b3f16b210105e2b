package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Relay/internal/adapters/http"
	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/app/orch"
	"github.com/dkeye/Relay/internal/config"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/dkeye/Relay/internal/engine"
	"github.com/dkeye/Relay/internal/engine/pionengine"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	setLogLevel(cfg.LogLevel)
	cfg.OnChange(func(next *config.Config) { setLogLevel(next.LogLevel) })

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}

func run(ctx context.Context, cfg *config.Config) error {
	roster, err := domain.NewRoster(cfg.Roster.Sender, cfg.Roster.Receivers)
	if err != nil {
		return fmt.Errorf("roster: %w", err)
	}
	defaultSel, err := domain.ParseMediaSelection(cfg.Roster.DefaultMediaType)
	if err != nil {
		return fmt.Errorf("roster.default_media_type: %w", err)
	}

	gw := engine.NewGateway(pionengine.Factory(pionengine.Options{
		ListenIP:      cfg.Engine.ListenIP,
		AnnouncedIP:   cfg.Engine.AnnouncedIP,
		UDPPort:       cfg.Engine.UDPPort,
		UDPPortMin:    cfg.Engine.UDPPortMin,
		UDPPortMax:    cfg.Engine.UDPPortMax,
		ICEServers:    cfg.Engine.ICEServers,
		GatherTimeout: cfg.Engine.GatherTimeout,
	}), engine.DefaultMediaCodecs(), cfg.Engine.InitTimeout)

	o := orch.New(app.NewRegistry(), gw, roster)
	o.CallTimeout = cfg.Engine.CallTimeout
	o.DefaultSelection = defaultSel

	g, gctx := errgroup.WithContext(ctx)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(gctx, cfg, o, gw),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Relay server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// A dead media worker leaves every session unusable; stop so the
	// supervisor restarts the process.
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-gw.Fatal():
			o.OnEngineFatal(err)
			return err
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		o.TeardownAll("server shutting down", nil)
		return gw.Close()
	})

	return g.Wait()
}

func setLogLevel(raw string) {
	level, err := zerolog.ParseLevel(raw)
	if err != nil {
		log.Warn().Err(err).Str("log_level", raw).Msg("unknown log level, keeping current")
		return
	}
	zerolog.SetGlobalLevel(level)
}
