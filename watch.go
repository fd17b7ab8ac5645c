package main

import (
	"context"
	"os/signal"
	"syscall"

	"mvpdeploy/internal"
	"mvpdeploy/pkg/events"

	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail deployment status events from the configured event drivers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := internal.NewLogger("watch")
			sub, err := events.NewSubscriber(cfg.Events, nil)
			if err != nil {
				return err
			}
			consumer := events.NewConsumer(sub, cfg.Events.Topic,
				events.WithConcurrency(concurrency),
				events.WithLogger(logger),
			)
			defer consumer.Close()
			consumer.HandleAll(events.LogTransitions(logger))

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return consumer.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "Events handled at once")
	return cmd
}
