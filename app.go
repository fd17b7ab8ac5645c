package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"mvpdeploy/internal"
	"mvpdeploy/pkg/deployment"
	"mvpdeploy/pkg/storage"
	"mvpdeploy/pkg/storage/catalog"
	"mvpdeploy/pkg/storage/credentials"
	"mvpdeploy/pkg/storage/deployments"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// stores holds every table-backed store opened on one connection.
type stores struct {
	db          *gorm.DB
	deployments *deployments.Store
	credentials *credentials.Store
	catalog     *catalog.Store
}

func loadConfig() (internal.Config, error) {
	cfg, err := internal.LoadConfig(configPath)
	if err != nil {
		return cfg, err
	}
	if err := internal.ConfigureLogging(cfg.Log.Level, cfg.Log.Format); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func openStores(cfg storage.Config, migrate bool) (*stores, error) {
	cfg.Log = internal.NewLogger("storage")
	db, err := storage.OpenDB(cfg)
	if err != nil {
		return nil, err
	}
	migrate = migrate || cfg.AutoMigrate
	records, err := deployments.New(db, "", migrate)
	if err != nil {
		_ = storage.CloseDB(db)
		return nil, err
	}
	creds, err := credentials.New(db, credentials.Config{AutoMigrate: migrate})
	if err != nil {
		_ = storage.CloseDB(db)
		return nil, err
	}
	items, err := catalog.New(db, catalog.Config{AutoMigrate: migrate})
	if err != nil {
		_ = storage.CloseDB(db)
		return nil, err
	}
	return &stores{db: db, deployments: records, credentials: creds, catalog: items}, nil
}

func (s *stores) Close() error {
	return storage.CloseDB(s.db)
}

func newTracker(cfg internal.Config, records storage.DeploymentStore, logger *zap.SugaredLogger) (*deployment.Tracker, internal.Publisher, error) {
	publisher, err := internal.NewPublisher(cfg.Events)
	if err != nil {
		return nil, nil, err
	}
	return deployment.NewTracker(records, publisher, cfg.Events.Topic, logger), publisher, nil
}

func milliseconds(value int64) time.Duration {
	return time.Duration(value) * time.Millisecond
}

// run serves until SIGINT or SIGTERM and then drains in-flight requests.
func run(server *http.Server, logger *zap.SugaredLogger, drain time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drain)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
