package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"mvpdeploy/internal"

	"github.com/ThreeDotsLabs/watermill"
	wmamaqp "github.com/ThreeDotsLabs/watermill-amqp/pkg/amqp"
	wmkafka "github.com/ThreeDotsLabs/watermill-kafka/pkg/kafka"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/pkg/nats"
	wmsql "github.com/ThreeDotsLabs/watermill-sql/pkg/sql"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	stan "github.com/nats-io/stan.go"
)

var errPushOnly = errors.New("driver cannot be consumed")

// NewSubscriber builds a subscriber for every configured driver that can be
// consumed from another process. Drivers that fail to start are skipped.
func NewSubscriber(cfg internal.WatermillConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if logger == nil {
		logger = internal.NewWatermillLogger(internal.NewLogger("events"))
	}
	drivers := cfg.Drivers
	if len(drivers) == 0 && cfg.Driver != "" {
		drivers = []string{cfg.Driver}
	}
	drivers = uniqueDrivers(drivers)
	if len(drivers) == 0 {
		return nil, errors.New("no event drivers configured")
	}

	subs := make([]namedSubscriber, 0, len(drivers))
	for _, driver := range drivers {
		sub, err := retry(func() (message.Subscriber, error) {
			return newSingleSubscriber(cfg, driver, logger)
		})
		if err != nil {
			logger.Error("subscriber init failed, skipping driver", err, watermill.LogFields{"driver": driver})
			continue
		}
		subs = append(subs, namedSubscriber{driver: driver, sub: sub})
	}
	switch len(subs) {
	case 0:
		return nil, errors.New("no subscribers available")
	case 1:
		return subs[0].sub, nil
	}
	return &fanIn{subscribers: subs, buffer: cfg.GoChannel.OutputChannelBuffer}, nil
}

func newSingleSubscriber(cfg internal.WatermillConfig, driver string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	switch driver {
	case "gochannel":
		// Only sees events published in the same process.
		return gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: cfg.GoChannel.OutputChannelBuffer,
			Persistent:          cfg.GoChannel.Persistent,
		}, logger), nil
	case "amqp":
		if cfg.AMQP.URL == "" {
			return nil, errors.New("amqp url is required")
		}
		amqpCfg, err := amqpConfig(cfg.AMQP.URL, cfg.AMQP.Mode)
		if err != nil {
			return nil, err
		}
		return wmamaqp.NewSubscriber(amqpCfg, logger)
	case "nats":
		if cfg.NATS.ClusterID == "" || cfg.NATS.ClientID == "" {
			return nil, errors.New("nats cluster_id and client_id are required")
		}
		natsCfg := wmnats.StreamingSubscriberConfig{
			ClusterID:   cfg.NATS.ClusterID,
			ClientID:    cfg.NATS.ClientID + "-watch",
			DurableName: cfg.NATS.Durable,
			Unmarshaler: wmnats.GobMarshaler{},
		}
		if cfg.NATS.URL != "" {
			natsCfg.StanOptions = append(natsCfg.StanOptions, stan.NatsURL(cfg.NATS.URL))
		}
		return wmnats.NewStreamingSubscriber(natsCfg, logger)
	case "kafka":
		if len(cfg.Kafka.Brokers) == 0 {
			return nil, errors.New("kafka brokers are required")
		}
		return wmkafka.NewSubscriber(wmkafka.SubscriberConfig{
			Brokers:       cfg.Kafka.Brokers,
			ConsumerGroup: cfg.ConsumerGroup,
		}, nil, wmkafka.DefaultMarshaler{}, logger)
	case "sql":
		if cfg.SQL.Driver == "" || cfg.SQL.DSN == "" {
			return nil, errors.New("sql driver and dsn are required")
		}
		schema, offsets, err := sqlAdapters(cfg.SQL.Dialect)
		if err != nil {
			return nil, err
		}
		db, err := sql.Open(cfg.SQL.Driver, cfg.SQL.DSN)
		if err != nil {
			return nil, err
		}
		sub, err := wmsql.NewSubscriber(db, wmsql.SubscriberConfig{
			ConsumerGroup:    cfg.ConsumerGroup,
			SchemaAdapter:    schema,
			OffsetsAdapter:   offsets,
			InitializeSchema: cfg.SQL.AutoInitializeSchema,
		}, logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return &closingSubscriber{Subscriber: sub, closeFn: db.Close}, nil
	default:
		// http and riverqueue are push-only sinks.
		return nil, fmt.Errorf("%s: %w", driver, errPushOnly)
	}
}

func retry(build func() (message.Subscriber, error)) (message.Subscriber, error) {
	const attempts = 5
	const delay = 2 * time.Second

	var lastErr error
	for i := 0; i < attempts; i++ {
		sub, err := build()
		if err == nil {
			return sub, nil
		}
		lastErr = err
		if errors.Is(err, errPushOnly) {
			return nil, err
		}
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	return nil, lastErr
}

type closingSubscriber struct {
	message.Subscriber
	closeFn func() error
}

func (c *closingSubscriber) Close() error {
	return errors.Join(c.Subscriber.Close(), c.closeFn())
}

type namedSubscriber struct {
	driver string
	sub    message.Subscriber
}

// fanIn merges several subscribers into one stream, tagging each message
// with the driver it came from.
type fanIn struct {
	subscribers []namedSubscriber
	buffer      int64
}

func (f *fanIn) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	buffer := f.buffer
	if buffer <= 0 {
		buffer = 64
	}
	out := make(chan *message.Message, buffer)

	var wg sync.WaitGroup
	for _, entry := range f.subscribers {
		ch, err := entry.sub.Subscribe(ctx, topic)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", entry.driver, err)
		}
		wg.Add(1)
		go func(driver string, ch <-chan *message.Message) {
			defer wg.Done()
			for msg := range ch {
				if msg.Metadata == nil {
					msg.Metadata = message.Metadata{}
				}
				msg.Metadata.Set("driver", driver)
				select {
				case out <- msg:
				case <-ctx.Done():
					msg.Nack()
					return
				}
			}
		}(entry.driver, ch)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (f *fanIn) Close() error {
	var err error
	for _, entry := range f.subscribers {
		err = errors.Join(err, entry.sub.Close())
	}
	return err
}

func amqpConfig(url, mode string) (wmamaqp.Config, error) {
	switch strings.ToLower(mode) {
	case "", "durable_queue":
		return wmamaqp.NewDurableQueueConfig(url), nil
	case "nondurable_queue":
		return wmamaqp.NewNonDurableQueueConfig(url), nil
	case "durable_pubsub":
		return wmamaqp.NewDurablePubSubConfig(url, wmamaqp.GenerateQueueNameTopicNameWithSuffix("watch")), nil
	case "nondurable_pubsub":
		return wmamaqp.NewNonDurablePubSubConfig(url, wmamaqp.GenerateQueueNameTopicNameWithSuffix("watch")), nil
	default:
		return wmamaqp.Config{}, fmt.Errorf("unsupported amqp mode: %s", mode)
	}
}

func sqlAdapters(dialect string) (wmsql.SchemaAdapter, wmsql.OffsetsAdapter, error) {
	switch strings.ToLower(dialect) {
	case "postgres", "postgresql":
		return wmsql.DefaultPostgreSQLSchema{}, wmsql.DefaultPostgreSQLOffsetsAdapter{}, nil
	case "mysql":
		return wmsql.DefaultMySQLSchema{}, wmsql.DefaultMySQLOffsetsAdapter{}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported sql dialect: %s", dialect)
	}
}

func uniqueDrivers(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "river" {
			value = "riverqueue"
		}
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
