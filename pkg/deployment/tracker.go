package deployment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mvpdeploy/internal"
	"mvpdeploy/pkg/storage"

	"go.uber.org/zap"
)

// ErrInvalidTransition is returned when a status write would skip or reverse
// the pipeline.
var ErrInvalidTransition = errors.New("invalid deployment status transition")

// Tracker owns every status write for deployment records. Writes are last
// write wins; see DESIGN.md for the concurrency decision.
type Tracker struct {
	store  storage.DeploymentStore
	events internal.Publisher
	topic  string
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewTracker wires the store and an optional event publisher.
func NewTracker(store storage.DeploymentStore, events internal.Publisher, topic string, logger *zap.SugaredLogger) *Tracker {
	if logger == nil {
		logger = internal.NewLogger("deployment")
	}
	return &Tracker{store: store, events: events, topic: topic, logger: logger, now: time.Now}
}

// Store exposes the record store for reads.
func (t *Tracker) Store() storage.DeploymentStore {
	return t.store
}

// Advance moves the record forward along the normal pipeline.
func (t *Tracker) Advance(ctx context.Context, id string, to Status) error {
	return t.transition(ctx, id, to, false)
}

// Retry moves the record to the start of a step that is being run again.
func (t *Tracker) Retry(ctx context.Context, id string, to Status) error {
	return t.transition(ctx, id, to, true)
}

func (t *Tracker) transition(ctx context.Context, id string, to Status, isRetry bool) error {
	if to == StatusFailed {
		return errors.New("use Fail to record a failure")
	}
	record, err := t.store.Get(ctx, id)
	if err != nil {
		return err
	}
	from := Status(record.Status)
	if from != to && !CanTransition(from, to, isRetry) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	pushed := from == StatusPushingCode && to == StatusConfiguringNetlify
	if hostingStep(to) && !pushed && record.CodePushedAt == nil {
		return fmt.Errorf("%w: %s -> %s before the code was pushed", ErrInvalidTransition, from, to)
	}
	if pushed {
		if err := t.store.MarkCodePushed(ctx, id, t.now()); err != nil {
			return err
		}
	}
	if err := t.store.SetStatus(ctx, id, string(to), ""); err != nil {
		return err
	}
	t.announce(ctx, record, to, "")
	return nil
}

// Fail records a failure unconditionally, replacing any earlier message.
func (t *Tracker) Fail(ctx context.Context, id, message string) error {
	record, err := t.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if Status(record.Status) == StatusCompleted || Status(record.Status) == StatusRepoCreated {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.Status, StatusFailed)
	}
	if err := t.store.SetStatus(ctx, id, string(StatusFailed), failureMessage(message)); err != nil {
		return err
	}
	t.announce(ctx, record, StatusFailed, failureMessage(message))
	return nil
}

// FailIfActive records a failure only when nothing more specific has been
// recorded yet. It reports whether the write happened.
func (t *Tracker) FailIfActive(ctx context.Context, id, message string) (bool, error) {
	record, err := t.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if Status(record.Status).Terminal() {
		return false, nil
	}
	updated, err := t.store.SetStatusUnlessFailed(ctx, id, string(StatusFailed), failureMessage(message))
	if err != nil || !updated {
		return updated, err
	}
	t.announce(ctx, record, StatusFailed, failureMessage(message))
	return true, nil
}

func (t *Tracker) announce(ctx context.Context, before *storage.DeploymentRecord, to Status, message string) {
	internal.IncStatusTransition(string(to))
	t.logger.Infow("deployment status changed",
		"deployment_id", before.ID,
		"from", before.Status,
		"to", string(to),
	)
	if t.events == nil {
		return
	}
	event := internal.Event{
		DeploymentID:   before.ID,
		BuyerID:        before.BuyerID,
		ItemID:         before.ItemID,
		Status:         string(to),
		PreviousStatus: before.Status,
		ErrorMessage:   message,
		SiteURL:        before.SiteURL,
		RepoURL:        before.RepoURL,
		OccurredAt:     t.now().UTC(),
	}
	if err := t.events.Publish(ctx, t.topic, event); err != nil {
		t.logger.Warnf("publish status event deployment=%s status=%s: %v", before.ID, to, err)
	}
}

// hostingStep reports whether to belongs to the hosting half of the
// pipeline, which only makes sense once the repository holds the code.
func hostingStep(to Status) bool {
	return to == StatusInitializing || to == StatusConfiguringNetlify || to == StatusDeploying
}

func failureMessage(message string) string {
	if message == "" {
		return "deployment failed"
	}
	return message
}
