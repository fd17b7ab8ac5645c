package deployments

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

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
	store, err := New(db, "", true)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, storage.DeploymentRecord{ID: "d1", BuyerID: "b1", ItemID: "i1", Status: "initializing"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	record, err := store.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Status != "initializing" || record.Version != 1 {
		t.Fatalf("unexpected record: %+v", record)
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetStatusClearsErrorMessage(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, storage.DeploymentRecord{ID: "d1", BuyerID: "b1", Status: "initializing"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.SetStatus(ctx, "d1", "failed", "boom"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	record, _ := store.Get(ctx, "d1")
	if record.ErrorMessage != "boom" {
		t.Fatalf("expected error message, got %q", record.ErrorMessage)
	}

	if err := store.SetStatus(ctx, "d1", "creating_repo", ""); err != nil {
		t.Fatalf("set creating_repo: %v", err)
	}
	record, _ = store.Get(ctx, "d1")
	if record.ErrorMessage != "" {
		t.Fatalf("expected cleared error message, got %q", record.ErrorMessage)
	}
	if record.Version != 3 {
		t.Fatalf("expected version 3, got %d", record.Version)
	}
	if err := store.SetStatus(ctx, "missing", "failed", "x"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetStatusUnlessFailedKeepsFirstFailure(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, storage.DeploymentRecord{ID: "d1", BuyerID: "b1", Status: "invoking_worker"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.SetStatus(ctx, "d1", "failed", "clone failed"); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	updated, err := store.SetStatusUnlessFailed(ctx, "d1", "failed", "worker unreachable")
	if err != nil {
		t.Fatalf("set unless failed: %v", err)
	}
	if updated {
		t.Fatalf("expected no update over an existing failure")
	}
	record, _ := store.Get(ctx, "d1")
	if record.ErrorMessage != "clone failed" {
		t.Fatalf("expected first failure to be kept, got %q", record.ErrorMessage)
	}
}

func TestSetSiteFactsKeepsEarlierValues(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, storage.DeploymentRecord{ID: "d1", BuyerID: "b1", Status: "configuring_netlify"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.SetSiteFacts(ctx, "d1", storage.SiteFacts{SiteURL: "https://a.netlify.app", SiteID: "s1"}); err != nil {
		t.Fatalf("set site facts: %v", err)
	}
	if err := store.SetSiteFacts(ctx, "d1", storage.SiteFacts{BuildID: "b-9"}); err != nil {
		t.Fatalf("set build id: %v", err)
	}
	record, _ := store.Get(ctx, "d1")
	if record.SiteURL != "https://a.netlify.app" || record.SiteID != "s1" || record.BuildID != "b-9" {
		t.Fatalf("unexpected site facts: %+v", record)
	}
}

func TestSetRepoFacts(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.Create(ctx, storage.DeploymentRecord{ID: "d1", BuyerID: "b1", Status: "creating_repo"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	facts := storage.RepoFacts{
		Provider:    "github",
		RepoName:    "my-app",
		RepoOwner:   "octo",
		RepoURL:     "https://github.com/octo/my-app",
		CloneURL:    "https://github.com/octo/my-app.git",
		StoragePath: "items/app.zip",
	}
	if err := store.SetRepoFacts(ctx, "d1", facts); err != nil {
		t.Fatalf("set repo facts: %v", err)
	}
	record, _ := store.Get(ctx, "d1")
	if record.RepoURL != facts.RepoURL || record.StoragePath != facts.StoragePath || record.RepoOwner != "octo" {
		t.Fatalf("unexpected repo facts: %+v", record)
	}
}
