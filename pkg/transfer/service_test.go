package transfer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mvpdeploy/pkg/auth"
	"mvpdeploy/pkg/deployment"
	"mvpdeploy/pkg/objectstore"
	"mvpdeploy/pkg/providers/github"
	"mvpdeploy/pkg/scm"
	"mvpdeploy/pkg/storage"
	"mvpdeploy/pkg/storage/deployments"
	"mvpdeploy/pkg/workspace"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCreds struct {
	err error
}

func (c staticCreds) Get(_ context.Context, buyerID, provider string) (*storage.Credential, error) {
	if c.err != nil {
		return nil, c.err
	}
	return &storage.Credential{BuyerID: buyerID, Provider: provider, AccessToken: "tok"}, nil
}

type staticProviders struct {
	provider scm.Provider
}

func (p staticProviders) SCMFor(string) (scm.Provider, error) {
	return p.provider, nil
}

type fixture struct {
	service    *Service
	store      *deployments.Store
	workspaces *workspace.Manager
	archives   map[string][]byte
}

// createRemote builds a bare repository with an initial commit on main,
// standing in for a freshly auto-initialised provider repository.
func createRemote(t *testing.T, files map[string]string) string {
	t.Helper()
	return createRemoteOn(t, "main", files)
}

func createRemoteOn(t *testing.T, branch string, files map[string]string) string {
	t.Helper()
	seed := t.TempDir()
	repo, err := gogit.PlainInitWithOptions(seed, &gogit.PlainInitOptions{
		InitOptions: gogit.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(branch)},
	})
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(seed, name), []byte(content), 0o644))
		_, err = wt.Add(name)
		require.NoError(t, err)
	}
	_, err = wt.Commit("Initial commit", &gogit.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)

	remote := filepath.Join(t.TempDir(), "remote.git")
	_, err = gogit.PlainClone(remote, true, &gogit.CloneOptions{URL: seed})
	require.NoError(t, err)
	return remote
}

func remoteHead(t *testing.T, remote string) string {
	t.Helper()
	repo, err := gogit.PlainOpen(remote)
	require.NoError(t, err)
	head, err := repo.Head()
	require.NoError(t, err)
	return head.Hash().String()
}

func branchHead(t *testing.T, remote, branch string) string {
	t.Helper()
	repo, err := gogit.PlainOpen(remote)
	require.NoError(t, err)
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	require.NoError(t, err)
	return ref.Hash().String()
}

func checkout(t *testing.T, remote string) string {
	t.Helper()
	dir := t.TempDir()
	_, err := gogit.PlainClone(dir, false, &gogit.CloneOptions{URL: remote})
	require.NoError(t, err)
	return dir
}

func newFixture(t *testing.T, creds CredentialSource) *fixture {
	t.Helper()
	db, err := storage.OpenDB(storage.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	store, err := deployments.New(db, "", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{store: store, archives: map[string][]byte{}}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := f.archives[strings.TrimPrefix(r.URL.Path, "/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(server.Close)

	signer, err := objectstore.NewHTTPSigner(server.URL)
	require.NoError(t, err)
	f.workspaces, err = workspace.New(filepath.Join(t.TempDir(), "work"))
	require.NoError(t, err)

	tracker := deployment.NewTracker(store, nil, "", nil)
	providers := staticProviders{provider: github.New(auth.ProviderConfig{}, nil)}
	f.service = NewService(tracker, creds, providers, signer, f.workspaces, server.Client(), Config{
		Branch:          "main",
		MaxArchiveBytes: 1 << 20,
	}, nil)
	return f
}

func (f *fixture) createRecord(t *testing.T, cloneURL, storagePath string) {
	t.Helper()
	require.NoError(t, f.store.Create(context.Background(), storage.DeploymentRecord{
		ID:           "d1",
		BuyerID:      "b1",
		ItemID:       "i1",
		Provider:     "github",
		CloneURL:     cloneURL,
		StoragePath:  storagePath,
		BuildCommand: "npm run build",
		PublishDir:   "dist",
		Status:       string(deployment.StatusInvokingWorker),
	}))
}

func (f *fixture) record(t *testing.T) *storage.DeploymentRecord {
	t.Helper()
	record, err := f.store.Get(context.Background(), "d1")
	require.NoError(t, err)
	return record
}

func (f *fixture) assertNoWorkspace(t *testing.T) {
	t.Helper()
	assert.False(t, f.workspaces.Exists("d1"))
	entries, err := os.ReadDir(f.workspaces.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeployPushesArchiveAndBuildConfig(t *testing.T) {
	f := newFixture(t, staticCreds{})
	remote := createRemote(t, map[string]string{"README.md": "# shop\n"})
	f.archives["items/shop.zip"] = buildZip(t, map[string]string{
		"shop/index.html":   "<html></html>",
		"shop/package.json": `{"name":"shop"}`,
	})
	f.createRecord(t, remote, "items/shop.zip")
	before := remoteHead(t, remote)

	result, err := f.service.Deploy(context.Background(), "d1")
	require.NoError(t, err)
	assert.True(t, result.Committed)
	assert.NotEqual(t, before, remoteHead(t, remote))

	record := f.record(t)
	assert.Equal(t, string(deployment.StatusConfiguringNetlify), record.Status)
	assert.Empty(t, record.ErrorMessage)
	assert.NotNil(t, record.CodePushedAt)
	f.assertNoWorkspace(t)

	dir := checkout(t, remote)
	assert.FileExists(t, filepath.Join(dir, "index.html"))
	assert.FileExists(t, filepath.Join(dir, "README.md"))
	assert.NoFileExists(t, filepath.Join(dir, "source.zip"))
	config, err := os.ReadFile(filepath.Join(dir, BuildConfigFile))
	require.NoError(t, err)
	assert.Contains(t, string(config), `command = "npm run build"`)
	assert.Contains(t, string(config), `publish = "dist"`)
	assert.Contains(t, string(config), `to = "/index.html"`)
}

func TestDeployUsesRecordedDefaultBranch(t *testing.T) {
	f := newFixture(t, staticCreds{})
	remote := createRemoteOn(t, "master", map[string]string{"README.md": "# shop\n"})
	f.archives["items/shop.zip"] = buildZip(t, map[string]string{"index.html": "<html></html>"})
	f.createRecord(t, remote, "items/shop.zip")
	require.NoError(t, f.store.SetRepoFacts(context.Background(), "d1", storage.RepoFacts{DefaultBranch: "master"}))
	before := branchHead(t, remote, "master")

	result, err := f.service.Deploy(context.Background(), "d1")
	require.NoError(t, err)
	assert.True(t, result.Committed)
	assert.NotEqual(t, before, branchHead(t, remote, "master"))
	assert.Equal(t, string(deployment.StatusConfiguringNetlify), f.record(t).Status)

	dir := checkout(t, remote)
	assert.FileExists(t, filepath.Join(dir, "index.html"))
	assert.FileExists(t, filepath.Join(dir, BuildConfigFile))
	f.assertNoWorkspace(t)
}

func TestDeployIntoEmptyRepository(t *testing.T) {
	f := newFixture(t, staticCreds{})
	remote := filepath.Join(t.TempDir(), "empty.git")
	_, err := gogit.PlainInit(remote, true)
	require.NoError(t, err)
	f.archives["items/shop.zip"] = buildZip(t, map[string]string{"index.html": "<html></html>"})
	f.createRecord(t, remote, "items/shop.zip")

	result, err := f.service.Deploy(context.Background(), "d1")
	require.NoError(t, err)
	assert.True(t, result.Committed)
	assert.NotEmpty(t, branchHead(t, remote, "main"))
	assert.Equal(t, string(deployment.StatusConfiguringNetlify), f.record(t).Status)
	f.assertNoWorkspace(t)
}

func TestDeployEmptyArchiveDoesNotCommit(t *testing.T) {
	f := newFixture(t, staticCreds{})
	config, err := RenderBuildConfig("npm run build", "dist")
	require.NoError(t, err)
	remote := createRemote(t, map[string]string{
		"README.md":     "# shop\n",
		BuildConfigFile: string(config),
	})
	f.archives["items/empty.zip"] = buildZip(t, nil)
	f.createRecord(t, remote, "items/empty.zip")
	before := remoteHead(t, remote)

	result, err := f.service.Deploy(context.Background(), "d1")
	require.NoError(t, err)
	assert.False(t, result.Committed)
	assert.Equal(t, before, remoteHead(t, remote))
	assert.Equal(t, string(deployment.StatusConfiguringNetlify), f.record(t).Status)
	f.assertNoWorkspace(t)
}

func TestDeployTwiceLeavesNoWorkspace(t *testing.T) {
	f := newFixture(t, staticCreds{})
	remote := createRemote(t, map[string]string{"README.md": "# shop\n"})
	f.archives["items/shop.tar.gz"] = buildTarGz(t, map[string]string{"index.html": "<html></html>"})
	f.createRecord(t, remote, "items/shop.tar.gz")
	ctx := context.Background()

	first, err := f.service.Deploy(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, first.Committed)
	f.assertNoWorkspace(t)

	second, err := f.service.Deploy(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, second.Committed)
	f.assertNoWorkspace(t)
	assert.Equal(t, string(deployment.StatusConfiguringNetlify), f.record(t).Status)
}

func TestDeployMissingStoragePathNeverClones(t *testing.T) {
	f := newFixture(t, staticCreds{})
	f.createRecord(t, filepath.Join(t.TempDir(), "does-not-exist.git"), "")

	_, err := f.service.Deploy(context.Background(), "d1")
	var stepErr *Error
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, http.StatusUnprocessableEntity, stepErr.Code)
	assert.Equal(t, "validate", stepErr.Step)
	assert.ErrorIs(t, err, ErrNotReady)

	record := f.record(t)
	assert.Equal(t, string(deployment.StatusFailed), record.Status)
	assert.Contains(t, record.ErrorMessage, "storage path")
	f.assertNoWorkspace(t)
}

func TestDeployUnsupportedArchiveRejectedBeforeDownload(t *testing.T) {
	f := newFixture(t, staticCreds{})
	remote := createRemote(t, map[string]string{"README.md": "# shop\n"})
	f.createRecord(t, remote, "items/shop.7z")

	_, err := f.service.Deploy(context.Background(), "d1")
	assert.ErrorIs(t, err, ErrUnsupportedArchive)
	assert.Equal(t, string(deployment.StatusFailed), f.record(t).Status)
}

func TestDeployDownloadFailureIsTerminal(t *testing.T) {
	f := newFixture(t, staticCreds{})
	remote := createRemote(t, map[string]string{"README.md": "# shop\n"})
	f.createRecord(t, remote, "items/missing.zip")

	_, err := f.service.Deploy(context.Background(), "d1")
	var stepErr *Error
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "download", stepErr.Step)
	assert.Equal(t, http.StatusBadGateway, stepErr.Code)

	record := f.record(t)
	assert.Equal(t, string(deployment.StatusFailed), record.Status)
	assert.Contains(t, record.ErrorMessage, "during download")
	assert.Contains(t, record.ErrorMessage, "404")
	f.assertNoWorkspace(t)
}

func TestDeployMissingCredential(t *testing.T) {
	f := newFixture(t, staticCreds{err: storage.ErrNotFound})
	remote := createRemote(t, map[string]string{"README.md": "# shop\n"})
	f.createRecord(t, remote, "items/shop.zip")

	_, err := f.service.Deploy(context.Background(), "d1")
	var stepErr *Error
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, http.StatusUnprocessableEntity, stepErr.Code)
	assert.Contains(t, f.record(t).ErrorMessage, "not connected")
}

func TestDeployUnknownDeployment(t *testing.T) {
	f := newFixture(t, staticCreds{})

	_, err := f.service.Deploy(context.Background(), "nope")
	var stepErr *Error
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, http.StatusNotFound, stepErr.Code)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}
