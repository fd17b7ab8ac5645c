package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"mvpdeploy/internal"
	"mvpdeploy/pkg/deployment"
	"mvpdeploy/pkg/objectstore"
	"mvpdeploy/pkg/scm"
	"mvpdeploy/pkg/storage"
	"mvpdeploy/pkg/workspace"

	"go.uber.org/zap"
)

// ErrNotReady is returned when a record lacks what the transfer needs. It is
// a configuration problem and retrying will not help.
var ErrNotReady = errors.New("deployment is not ready for code transfer")

// Error is a failed transfer step with the HTTP status the worker answers
// with.
type Error struct {
	Step string
	Code int
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// CredentialSource loads a usable source-control credential.
type CredentialSource interface {
	Get(ctx context.Context, buyerID, provider string) (*storage.Credential, error)
}

// ProviderResolver returns the source-control provider a record was created
// with.
type ProviderResolver interface {
	SCMFor(name string) (scm.Provider, error)
}

// Config tunes the transfer.
type Config struct {
	// Branch is cloned when the record carries no default branch. Empty
	// clones the remote HEAD.
	Branch          string
	CloneDepth      int
	Timeout         time.Duration
	MaxArchiveBytes int64
	UnrarBinary     string
	Author          CommitAuthor
}

// Result describes a finished transfer.
type Result struct {
	DeploymentID string
	Committed    bool
}

// Service moves a purchased archive into the buyer's new repository.
type Service struct {
	tracker    *deployment.Tracker
	creds      CredentialSource
	providers  ProviderResolver
	signer     objectstore.Signer
	workspaces *workspace.Manager
	httpClient *http.Client
	cfg        Config
	logger     *zap.SugaredLogger
}

// NewService wires the transfer dependencies.
func NewService(tracker *deployment.Tracker, creds CredentialSource, providers ProviderResolver, signer objectstore.Signer, workspaces *workspace.Manager, httpClient *http.Client, cfg Config, logger *zap.SugaredLogger) *Service {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	if cfg.Author.Name == "" {
		cfg.Author = CommitAuthor{Name: "MVP Deploy", Email: "deploy@mvpdeploy.local"}
	}
	if logger == nil {
		logger = internal.NewLogger("transfer")
	}
	return &Service{
		tracker:    tracker,
		creds:      creds,
		providers:  providers,
		signer:     signer,
		workspaces: workspaces,
		httpClient: httpClient,
		cfg:        cfg,
		logger:     logger,
	}
}

// Deploy runs the whole transfer for one deployment. Any failure after the
// record is loaded is written to the record unless it is already failed.
// The workspace is released on every path.
func (s *Service) Deploy(ctx context.Context, deploymentID string) (result Result, err error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}
	result.DeploymentID = deploymentID

	record, err := s.tracker.Store().Get(ctx, deploymentID)
	if errors.Is(err, storage.ErrNotFound) {
		return result, &Error{Step: "load", Code: http.StatusNotFound, Err: err}
	}
	if err != nil {
		return result, &Error{Step: "load", Code: http.StatusInternalServerError, Err: err}
	}
	if err := s.tracker.Retry(ctx, deploymentID, deployment.StatusPushingCode); err != nil {
		if errors.Is(err, deployment.ErrInvalidTransition) {
			return result, &Error{Step: "load", Code: http.StatusConflict, Err: err}
		}
		return result, &Error{Step: "load", Code: http.StatusInternalServerError, Err: err}
	}
	defer func() {
		if err != nil {
			s.recordFailure(context.WithoutCancel(ctx), deploymentID, err)
		}
	}()

	kind, err := s.validate(record)
	if err != nil {
		return result, err
	}
	provider, err := s.providers.SCMFor(record.Provider)
	if err != nil {
		return result, &Error{Step: "validate", Code: http.StatusUnprocessableEntity, Err: err}
	}
	cred, err := s.creds.Get(ctx, record.BuyerID, provider.Name())
	if errors.Is(err, storage.ErrNotFound) {
		return result, &Error{Step: "credentials", Code: http.StatusUnprocessableEntity,
			Err: fmt.Errorf("%w: %s account is not connected", ErrNotReady, provider.Name())}
	}
	if err != nil {
		return result, &Error{Step: "credentials", Code: http.StatusBadGateway, Err: err}
	}

	handle, err := s.workspaces.Acquire(deploymentID)
	if err != nil {
		return result, &Error{Step: "workspace", Code: http.StatusInternalServerError, Err: err}
	}
	defer func() {
		if releaseErr := handle.Release(); releaseErr != nil {
			s.logger.Errorf("release workspace deployment=%s: %v", deploymentID, releaseErr)
		}
	}()

	auth := provider.CloneAuth(cred.AccessToken)
	repo, err := observe("clone", http.StatusBadGateway, func() (*gitRepository, error) {
		return cloneRepository(ctx, handle.RepoDir(), record.CloneURL, branchFor(record, s.cfg.Branch), s.cfg.CloneDepth, auth)
	})
	if err != nil {
		return result, err
	}

	archivePath := filepath.Join(handle.ArchiveDir(), "source"+kind.Extension())
	if _, err := observe("download", http.StatusBadGateway, func() (struct{}, error) {
		return struct{}{}, s.download(ctx, record.StoragePath, archivePath)
	}); err != nil {
		return result, err
	}

	if _, err := observe("extract", http.StatusUnprocessableEntity, func() (struct{}, error) {
		return struct{}{}, s.extract(ctx, kind, archivePath, handle)
	}); err != nil {
		return result, err
	}

	if _, err := observe("build_config", http.StatusInternalServerError, func() (struct{}, error) {
		return struct{}{}, WriteBuildConfig(handle.RepoDir(), record.BuildCommand, record.PublishDir)
	}); err != nil {
		return result, err
	}

	result.Committed, err = observe("commit", http.StatusInternalServerError, func() (bool, error) {
		return repo.commitAll("Deploy purchased codebase", s.cfg.Author)
	})
	if err != nil {
		return result, err
	}

	if _, err := observe("push", http.StatusBadGateway, func() (struct{}, error) {
		return struct{}{}, repo.pushHead(ctx)
	}); err != nil {
		return result, err
	}

	if err := s.tracker.Advance(ctx, deploymentID, deployment.StatusConfiguringNetlify); err != nil {
		return result, &Error{Step: "finish", Code: http.StatusInternalServerError, Err: err}
	}
	s.logger.Infof("code transfer complete deployment=%s committed=%t", deploymentID, result.Committed)
	return result, nil
}

func branchFor(record *storage.DeploymentRecord, fallback string) string {
	if record.DefaultBranch != "" {
		return record.DefaultBranch
	}
	return fallback
}

func (s *Service) validate(record *storage.DeploymentRecord) (ArchiveKind, error) {
	if record.CloneURL == "" {
		return "", &Error{Step: "validate", Code: http.StatusUnprocessableEntity,
			Err: fmt.Errorf("%w: repository has not been created", ErrNotReady)}
	}
	if record.StoragePath == "" {
		return "", &Error{Step: "validate", Code: http.StatusUnprocessableEntity,
			Err: fmt.Errorf("%w: purchased item has no storage path", ErrNotReady)}
	}
	kind, err := DetectArchive(record.StoragePath)
	if err != nil {
		return "", &Error{Step: "validate", Code: http.StatusUnprocessableEntity, Err: err}
	}
	return kind, nil
}

func (s *Service) download(ctx context.Context, storagePath, dest string) error {
	signed, err := s.signer.SignedURL(ctx, storagePath)
	if err != nil {
		return fmt.Errorf("sign archive url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signed, nil)
	if err != nil {
		return err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download archive: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download archive: object store returned status %d", resp.StatusCode)
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	body := io.Reader(resp.Body)
	if s.cfg.MaxArchiveBytes > 0 {
		body = io.LimitReader(resp.Body, s.cfg.MaxArchiveBytes+1)
	}
	n, err := io.Copy(out, body)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("download archive: %w", err)
	}
	if s.cfg.MaxArchiveBytes > 0 && n > s.cfg.MaxArchiveBytes {
		return fmt.Errorf("download archive: larger than %d bytes", s.cfg.MaxArchiveBytes)
	}
	return nil
}

// extract unpacks into staging, removes the archive and copies the content
// root over the clone.
func (s *Service) extract(ctx context.Context, kind ArchiveKind, archivePath string, handle *workspace.Handle) error {
	extractor := Extractor{UnrarBinary: s.cfg.UnrarBinary, MaxBytes: s.cfg.MaxArchiveBytes * 4}
	err := extractor.Extract(ctx, kind, archivePath, handle.StagingDir())
	if removeErr := os.Remove(archivePath); removeErr != nil && !os.IsNotExist(removeErr) {
		err = errors.Join(err, removeErr)
	}
	if err != nil {
		return err
	}
	root, err := contentRoot(handle.StagingDir())
	if err != nil {
		return err
	}
	return copyTree(root, handle.RepoDir())
}

func (s *Service) recordFailure(ctx context.Context, deploymentID string, cause error) {
	message := fmt.Sprintf("code transfer failed: %v", cause)
	var stepErr *Error
	if errors.As(cause, &stepErr) {
		message = fmt.Sprintf("code transfer failed during %s: %v", stepErr.Step, stepErr.Err)
	}
	updated, err := s.tracker.FailIfActive(ctx, deploymentID, message)
	if err != nil {
		s.logger.Errorf("record failure deployment=%s: %v", deploymentID, err)
		return
	}
	if updated {
		s.logger.Warnf("deployment=%s %s", deploymentID, message)
	}
}

// observe runs one step, records its duration and wraps a failure with the
// step name and response code.
func observe[T any](step string, code int, fn func() (T, error)) (T, error) {
	started := time.Now()
	value, err := fn()
	internal.ObserveWorkerStep(step, started, err)
	if err != nil {
		if errors.Is(err, ErrUnsupportedArchive) {
			code = http.StatusUnprocessableEntity
		}
		return value, &Error{Step: step, Code: code, Err: err}
	}
	return value, nil
}
