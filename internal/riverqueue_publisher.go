package internal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
)

// deploymentJobArgs is the river job payload. The kind is configurable, so it
// is carried on the value rather than fixed on the type.
type deploymentJobArgs struct {
	Event
	Topic string `json:"topic"`
	kind  string
}

func (a deploymentJobArgs) Kind() string { return a.kind }

// riverQueuePublisher inserts deployment events as river jobs. The client is
// insert-only; workers live in whatever service consumes the queue.
type riverQueuePublisher struct {
	pool   *pgxpool.Pool
	client *river.Client[pgx.Tx]
	cfg    RiverQueueConfig
}

func newRiverQueuePublisher(ctx context.Context, cfg RiverQueueConfig) (*riverQueuePublisher, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("riverqueue dsn is required")
	}
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{})
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &riverQueuePublisher{pool: pool, client: client, cfg: cfg}, nil
}

// Publish inserts one job per event.
func (p *riverQueuePublisher) Publish(ctx context.Context, topic string, event Event) error {
	args := deploymentJobArgs{Event: event, Topic: topic, kind: p.cfg.Kind}
	_, err := p.client.Insert(ctx, args, &river.InsertOpts{
		Queue:       p.cfg.Queue,
		MaxAttempts: p.cfg.MaxAttempts,
		Priority:    p.cfg.Priority,
		Tags:        p.cfg.Tags,
	})
	return err
}

// Close releases the connection pool.
func (p *riverQueuePublisher) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

// PublishForDrivers is a convenience method that calls Publish.
func (p *riverQueuePublisher) PublishForDrivers(ctx context.Context, topic string, event Event, drivers []string) error {
	return p.Publish(ctx, topic, event)
}
