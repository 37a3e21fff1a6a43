// serve.go wires the engine together and runs it until interrupted.
package cli

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/coxswain-dev/coxswain/internal/api"
	"github.com/coxswain-dev/coxswain/internal/config"
	"github.com/coxswain-dev/coxswain/internal/logging"
	"github.com/coxswain-dev/coxswain/internal/notify"
	"github.com/coxswain-dev/coxswain/internal/ratelimit"
	"github.com/coxswain-dev/coxswain/internal/registry"
	"github.com/coxswain-dev/coxswain/internal/store"
	"github.com/coxswain-dev/coxswain/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session orchestration engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cfg *config.Config) error {
	log := logging.Setup(cfg.Logging)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return err
	}
	st, err := store.NewStore(filepath.Join(cfg.DataDir, "coxswain.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	audit, err := store.NewAuditLog(cfg.DataDir)
	if err != nil {
		return err
	}

	var transport notify.Transport
	if cfg.Transport.Mode == "webhook" && cfg.Transport.WebhookURL != "" {
		transport = notify.NewWebhookTransport(cfg.Transport.WebhookURL)
	} else {
		transport = &notify.LogTransport{Log: log}
	}

	newNotifier := func(channelID, messageID string) notify.Notifier {
		return notify.NewChannelNotifier(transport, channelID, messageID,
			notify.WithThrottle(cfg.Transport.ProgressPerSecond, cfg.Transport.ProgressBurst),
			notify.WithMessageLimit(cfg.Transport.MessageLimit),
		)
	}

	opts := worker.Opts{
		Command:          cfg.Worker.Command,
		Model:            cfg.Worker.Model,
		ContainerRuntime: cfg.Worker.Container.Runtime,
		ContainerImage:   cfg.Worker.Container.Image,
	}
	detect := ratelimit.NewDetector(cfg.RateLimit.Signatures)
	repos := &worker.LocalDirProvider{Base: filepath.Join(cfg.DataDir, "workspaces")}

	reg := registry.New(st, audit, worker.CLIExecutor{}, repos, opts, detect, log)

	delay := time.Duration(cfg.RateLimit.ResumeDelaySeconds) * time.Second
	coord := ratelimit.New(st, audit, reg, newNotifier, delay, log,
		ratelimit.WithDrainAll(cfg.RateLimit.DrainAll))
	reg.SetCoordinator(coord, coord)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := reg.RestoreActiveThreads(ctx); err != nil {
		log.Error().Err(err).Msg("restoring sessions failed")
	}
	if _, err := coord.RestoreTimers(ctx); err != nil {
		log.Error().Err(err).Msg("restoring rate-limit timers failed")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	api.NewHandler(reg, coord, st, newNotifier, log).RegisterRoutes(e)

	go func() {
		log.Info().Str("listen", cfg.API.Listen).Msg("api listening")
		if err := e.Start(cfg.API.Listen); err != nil {
			log.Info().Err(err).Msg("api server stopped")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	coord.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
