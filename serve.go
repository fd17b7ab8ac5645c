package main

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"mvpdeploy/internal"
	"mvpdeploy/pkg/api"
	"mvpdeploy/pkg/oauth"
	"mvpdeploy/pkg/orchestrator"
	"mvpdeploy/pkg/providers"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the deployment orchestrator API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := internal.NewLogger("server")

	st, err := openStores(cfg.Storage, false)
	if err != nil {
		return err
	}
	defer st.Close()

	tracker, publisher, err := newTracker(cfg, st.deployments, internal.NewLogger("deployment"))
	if err != nil {
		return err
	}
	defer publisher.Close()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	set, err := providers.New(cfg.SourceControl.Provider, cfg.Providers, httpClient)
	if err != nil {
		return err
	}
	states := oauth.NewStates(st.credentials, time.Duration(cfg.Server.StateTTLSeconds)*time.Second)
	service := orchestrator.New(orchestrator.Dependencies{
		Tracker:     tracker,
		Catalog:     st.catalog,
		Credentials: oauth.NewCredentials(st.credentials, internal.NewLogger("oauth"), set.OAuthClients()...),
		States:      states,
		SCM:         set,
		Hosting:     set.Hosting,
		Worker:      orchestrator.NewHTTPWorker(cfg.Worker.URL, milliseconds(cfg.Worker.InvokeTimeoutMS), nil),
		Logger:      internal.NewLogger("orchestrator"),
	}, orchestrator.Config{Branch: cfg.Worker.Branch})

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	if cfg.Server.MetricsEnabled {
		router.Use(internal.MetricsMiddleware)
		router.Handle(cfg.Server.MetricsPath, internal.MetricsHandler())
	}
	handler := &api.Handler{
		Deployments:     service,
		Health:          st.deployments,
		PublicBaseURL:   cfg.Server.PublicBaseURL,
		RedirectBaseURL: cfg.Server.RedirectBaseURL,
		AdminToken:      cfg.Admin.Token,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
		Logger:          internal.NewLogger("api"),
	}
	handler.Routes(router)

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go sweepStates(sweepCtx, states, time.Duration(cfg.Server.StateSweepSeconds)*time.Second, logger)

	logger.Infof("source control provider=%s hosting provider=%s", service.ActiveSCM(), service.HostingProvider())
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           internal.NewRateLimitHandler(router, cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst, 0),
		ReadTimeout:       milliseconds(cfg.Server.ReadTimeoutMS),
		ReadHeaderTimeout: milliseconds(cfg.Server.ReadHeaderMS),
		WriteTimeout:      milliseconds(cfg.Server.WriteTimeoutMS),
		IdleTimeout:       milliseconds(cfg.Server.IdleTimeoutMS),
	}
	return run(server, logger, 10*time.Second)
}

// sweepStates deletes abandoned OAuth states until ctx ends.
func sweepStates(ctx context.Context, states *oauth.States, every time.Duration, logger *zap.SugaredLogger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := states.Sweep(ctx)
			if err != nil {
				logger.Warnf("sweep oauth states: %v", err)
				continue
			}
			if removed > 0 {
				logger.Infof("removed %d expired oauth states", removed)
			}
		}
	}
}
