package credentials

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"mvpdeploy/pkg/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.OpenDB(storage.Config{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	store, err := New(db, Config{AutoMigrate: true})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUpsertCredentialReplacesToken(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertCredential(ctx, storage.Credential{BuyerID: "b1", Provider: "github", AccessToken: "one", AccountName: "octo"}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := store.UpsertCredential(ctx, storage.Credential{BuyerID: "b1", Provider: "github", AccessToken: "two", AccountName: "octo"}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	cred, err := store.GetCredential(ctx, "b1", "github")
	if err != nil {
		t.Fatalf("get credential: %v", err)
	}
	if cred.AccessToken != "two" {
		t.Fatalf("expected replaced token, got %q", cred.AccessToken)
	}
	if _, err := store.GetCredential(ctx, "b1", "netlify"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other provider, got %v", err)
	}
}

func TestConsumeStateOnlyOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	state := storage.OAuthState{
		State:        "abc",
		Provider:     "github",
		BuyerID:      "b1",
		ItemID:       "item-1",
		DeploymentID: "dep-1",
		ExpiresAt:    time.Now().Add(5 * time.Minute),
	}
	if err := store.SaveState(ctx, state); err != nil {
		t.Fatalf("save state: %v", err)
	}

	if _, err := store.ConsumeState(ctx, "netlify", "abc"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected provider mismatch to miss, got %v", err)
	}
	got, err := store.ConsumeState(ctx, "github", "abc")
	if err != nil {
		t.Fatalf("consume state: %v", err)
	}
	if got.DeploymentID != "dep-1" || got.ItemID != "item-1" {
		t.Fatalf("unexpected state payload: %+v", got)
	}
	if _, err := store.ConsumeState(ctx, "github", "abc"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected replay to fail, got %v", err)
	}
}

func TestDeleteExpiredStates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for name, expires := range map[string]time.Time{
		"old":   now.Add(-time.Minute),
		"fresh": now.Add(time.Minute),
	} {
		if err := store.SaveState(ctx, storage.OAuthState{State: name, Provider: "github", BuyerID: "b1", ExpiresAt: expires}); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}

	removed, err := store.DeleteExpiredStates(ctx, now)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := store.ConsumeState(ctx, "github", "fresh"); err != nil {
		t.Fatalf("expected fresh state to survive: %v", err)
	}
}
