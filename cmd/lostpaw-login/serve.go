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

	"github.com/mnehpets/lostpaw/auth"
	"github.com/mnehpets/lostpaw/config"
	"github.com/mnehpets/lostpaw/logger"
	"github.com/mnehpets/lostpaw/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	apiBase         = "/api/v1"
	discoverTimeout = 30 * time.Second
	shutdownTimeout = 10 * time.Second
)

var (
	configFile string
	envFile    string
)

func init() {
	serveCmd.Flags().StringVarP(&configFile, "config", "c", "", "YAML config file")
	serveCmd.Flags().StringVar(&envFile, "env-file", "", ".env file (default ./.env when present)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the login API",
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts []config.Option
		if configFile != "" {
			opts = append(opts, config.WithConfigFile(configFile))
		}
		if envFile != "" {
			opts = append(opts, config.WithEnvFile(envFile))
		}
		cfg, err := config.Load(opts...)
		if err != nil {
			return err
		}

		log := logger.New(cfg.Log)
		defer log.Sync()
		zap.ReplaceGlobals(log)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, log)
	},
}

// serve discovers the provider and runs the HTTP server and the sweeper
// until ctx is done.
func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	var popts []auth.ProviderOption
	if len(cfg.OIDC.SigningAlgs) > 0 {
		popts = append(popts, auth.WithSupportedSigningAlgs(cfg.OIDC.SigningAlgs...))
	}
	dctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	provider, err := auth.DiscoverProvider(dctx, cfg.ClientConfig(), popts...)
	cancel()
	if err != nil {
		return err
	}
	log.Info("oidc provider discovered", zap.String("issuer", cfg.OIDC.Issuer))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	handler, broker, err := newApp(cfg, provider, log, reg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Listen), zap.String("version", Version))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return broker.RunSweeper(gctx, cfg.Login.SweepInterval, cfg.Login.StateTTL)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// newApp wires the broker, the session bridge and the HTTP middleware around
// the login API. Metrics are exported from reg at /metrics.
func newApp(cfg *config.Config, provider auth.ProviderClient, log *zap.Logger, reg *prometheus.Registry) (http.Handler, *auth.Broker, error) {
	bopts := []auth.Option{
		auth.WithLogger(log.Named("login")),
		auth.WithRegisterer(reg),
		auth.WithStateTTL(cfg.Login.StateTTL),
	}
	if cfg.Login.RequireEmail {
		bopts = append(bopts, auth.WithRequireEmail())
	}
	broker, err := auth.NewBroker(provider, bopts...)
	if err != nil {
		return nil, nil, err
	}

	keys, err := cfg.Session.Keys()
	if err != nil {
		return nil, nil, err
	}
	sessions, err := middleware.NewSessionProcessor(cfg.Session.KeyID, keys,
		middleware.WithCookieName(cfg.Session.CookieName),
		middleware.WithMaxAge(cfg.Session.MaxAge),
		middleware.WithCookieOptions(
			middleware.WithSecure(cfg.Session.Secure),
			middleware.WithDomain(cfg.Session.Domain),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("session cookie: %w", err)
	}

	httpMetrics, err := middleware.NewHTTPMetrics(reg)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle(apiBase+"/", auth.NewHandler(broker, apiBase, auth.WithProcessors(sessions)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("ok\n"))
	})

	return middleware.Chain(mux,
		middleware.WithRequestLogging(log),
		httpMetrics.Middleware,
		middleware.WithCORS(cfg.CORSPolicy()),
	), broker, nil
}
