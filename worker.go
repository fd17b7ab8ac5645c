package main

import (
	"net/http"
	"strconv"
	"time"

	"mvpdeploy/internal"
	"mvpdeploy/pkg/objectstore"
	"mvpdeploy/pkg/oauth"
	"mvpdeploy/pkg/providers"
	"mvpdeploy/pkg/transfer"
	"mvpdeploy/pkg/workspace"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the code transfer worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return work()
		},
	}
}

func work() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := internal.NewLogger("worker")

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

	set, err := providers.New(cfg.SourceControl.Provider, cfg.Providers, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return err
	}
	signer, err := objectstore.New(objectstore.Config{
		Driver:    cfg.ObjectStorage.Driver,
		Bucket:    cfg.ObjectStorage.Bucket,
		Region:    cfg.ObjectStorage.Region,
		Endpoint:  cfg.ObjectStorage.Endpoint,
		AccessKey: cfg.ObjectStorage.AccessKey,
		SecretKey: cfg.ObjectStorage.SecretKey,
		PathStyle: cfg.ObjectStorage.PathStyle,
		BaseURL:   cfg.ObjectStorage.BaseURL,
		TTL:       time.Duration(cfg.ObjectStorage.URLTTLSeconds) * time.Second,
	})
	if err != nil {
		return err
	}
	workspaces, err := workspace.New(cfg.Worker.WorkDir)
	if err != nil {
		return err
	}
	timeout := milliseconds(cfg.Worker.TimeoutMS)
	service := transfer.NewService(
		tracker,
		oauth.NewCredentials(st.credentials, internal.NewLogger("oauth"), set.OAuthClients()...),
		set,
		signer,
		workspaces,
		&http.Client{Timeout: timeout},
		transfer.Config{
			Branch:          cfg.Worker.Branch,
			CloneDepth:      cfg.Worker.CloneDepth,
			Timeout:         timeout,
			MaxArchiveBytes: cfg.Worker.MaxArchiveBytes,
			UnrarBinary:     cfg.Worker.UnrarBinary,
			Author: transfer.CommitAuthor{
				Name:  cfg.Worker.CommitAuthorName,
				Email: cfg.Worker.CommitAuthorEmail,
			},
		},
		internal.NewLogger("transfer"),
	)

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer)
	if cfg.Server.MetricsEnabled {
		router.Use(internal.MetricsMiddleware)
		router.Handle(cfg.Server.MetricsPath, internal.MetricsHandler())
	}
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := st.deployments.Ping(r.Context()); err != nil {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	deploy := &transfer.DeployHandler{
		Deployer:     service,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Logger:       internal.NewLogger("worker-api"),
	}
	deploy.Routes(router)

	logger.Infof("workspace root=%s", workspaces.Root())
	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Worker.Port),
		Handler:           router,
		ReadHeaderTimeout: milliseconds(cfg.Server.ReadHeaderMS),
		WriteTimeout:      timeout + time.Minute,
	}
	return run(server, logger, timeout)
}
