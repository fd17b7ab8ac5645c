package internal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// stubPublisher records what it was asked to publish.
type stubPublisher struct {
	published    int
	failures     int
	lastTopic    string
	lastPayload  []byte
	lastMetadata message.Metadata
}

func (s *stubPublisher) Publish(topic string, msgs ...*message.Message) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("transient")
	}
	s.published += len(msgs)
	s.lastTopic = topic
	if len(msgs) > 0 {
		s.lastPayload = append([]byte(nil), msgs[0].Payload...)
		s.lastMetadata = msgs[0].Metadata
	}
	return nil
}

func (s *stubPublisher) Close() error {
	return nil
}

func withDriver(t *testing.T, name string, factory PublisherFactory) {
	t.Helper()
	orig, had := publisherFactories[name]
	t.Cleanup(func() {
		if had {
			publisherFactories[name] = orig
		} else {
			delete(publisherFactories, name)
		}
	})
	RegisterPublisherDriver(name, factory)
}

func TestRegisterPublisherDriver(t *testing.T) {
	stub := &stubPublisher{}
	closed := false
	withDriver(t, "custom", func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
		return stub, func() error { closed = true; return nil }, nil
	})

	pub, err := NewPublisher(WatermillConfig{Driver: "custom"})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}

	event := Event{DeploymentID: "d1", Status: "creating_repo"}
	if err := pub.Publish(context.Background(), "deployments.status", event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if stub.published != 1 || stub.lastTopic != "deployments.status" {
		t.Fatalf("expected one publish to deployments.status, got %d to %q", stub.published, stub.lastTopic)
	}
	if stub.lastMetadata.Get("deployment_id") != "d1" || stub.lastMetadata.Get("status") != "creating_repo" {
		t.Fatalf("expected deployment metadata, got %v", stub.lastMetadata)
	}
	var decoded Event
	if err := json.Unmarshal(stub.lastPayload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if decoded.Status != "creating_repo" {
		t.Fatalf("unexpected payload status %q", decoded.Status)
	}

	if err := pub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !closed {
		t.Fatalf("expected custom close to be called")
	}
}

func TestPublishRetriesTransientFailures(t *testing.T) {
	stub := &stubPublisher{failures: 2}
	withDriver(t, "flaky", func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
		return stub, nil, nil
	})

	pub, err := NewPublisher(WatermillConfig{
		Driver:       "flaky",
		PublishRetry: PublishRetryConfig{Attempts: 3, DelayMS: 1},
	})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	if err := pub.Publish(context.Background(), "t", Event{DeploymentID: "d1"}); err != nil {
		t.Fatalf("expected retry to succeed: %v", err)
	}
	if stub.published != 1 {
		t.Fatalf("expected a single successful publish, got %d", stub.published)
	}
}

func TestHTTPURLTarget(t *testing.T) {
	url, err := httpTargetURL(HTTPConfig{Mode: "base_url", BaseURL: "http://localhost:8080/hooks"}, "topic")
	if err != nil {
		t.Fatalf("httpTargetURL: %v", err)
	}
	if url != "http://localhost:8080/hooks/topic" {
		t.Fatalf("unexpected url: %q", url)
	}
}

func TestMultipleDrivers(t *testing.T) {
	a := &stubPublisher{}
	b := &stubPublisher{}
	withDriver(t, "multi-a", func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
		return a, nil, nil
	})
	withDriver(t, "multi-b", func(cfg WatermillConfig, logger watermill.LoggerAdapter) (message.Publisher, func() error, error) {
		return b, nil, nil
	})

	pub, err := NewPublisher(WatermillConfig{Drivers: []string{"multi-a", "multi-b"}})
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	if err := pub.PublishForDrivers(context.Background(), "multi.topic", Event{DeploymentID: "d1"}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if a.published != 1 || b.published != 1 {
		t.Fatalf("expected publish to both drivers, got a=%d b=%d", a.published, b.published)
	}

	if err := pub.PublishForDrivers(context.Background(), "multi.topic", Event{}, []string{"missing"}); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestRiverJobArgsKind(t *testing.T) {
	args := deploymentJobArgs{Event: Event{DeploymentID: "d1"}, kind: "mvpdeploy.deployment_status"}
	if args.Kind() != "mvpdeploy.deployment_status" {
		t.Fatalf("unexpected kind %q", args.Kind())
	}
	payload, err := json.Marshal(args)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["deployment_id"] != "d1" {
		t.Fatalf("expected embedded event fields, got %v", decoded)
	}
}
