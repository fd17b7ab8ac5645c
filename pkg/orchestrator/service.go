package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"mvpdeploy/internal"
	"mvpdeploy/pkg/deployment"
	"mvpdeploy/pkg/hosting"
	"mvpdeploy/pkg/oauth"
	"mvpdeploy/pkg/scm"
	"mvpdeploy/pkg/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultBuildCommand = "npm run build"
	defaultPublishDir   = "dist"
)

// SCMProviders resolves source-control providers by name. An empty name is
// the active provider for new deployments.
type SCMProviders interface {
	SCMFor(name string) (scm.Provider, error)
}

// Credentials loads and stores buyer OAuth credentials.
type Credentials interface {
	Get(ctx context.Context, buyerID, provider string) (*storage.Credential, error)
	Save(ctx context.Context, cred storage.Credential) error
}

// Config tunes the orchestrator.
type Config struct {
	// Branch is linked on the hosting side.
	Branch string
}

// Dependencies groups the collaborators of the orchestrator.
type Dependencies struct {
	Tracker     *deployment.Tracker
	Catalog     storage.Catalog
	Credentials Credentials
	States      *oauth.States
	SCM         SCMProviders
	Hosting     hosting.Provider
	Worker      WorkerInvoker
	Logger      *zap.SugaredLogger
}

// Service drives a deployment through the pipeline. Every step is started
// by a buyer request or an OAuth callback; nothing runs in the background.
type Service struct {
	tracker *deployment.Tracker
	catalog storage.Catalog
	creds   Credentials
	states  *oauth.States
	scm     SCMProviders
	hosting hosting.Provider
	worker  WorkerInvoker
	cfg     Config
	logger  *zap.SugaredLogger
	newID   func() string
}

// New builds the orchestrator.
func New(deps Dependencies, cfg Config) *Service {
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	logger := deps.Logger
	if logger == nil {
		logger = internal.NewLogger("orchestrator")
	}
	return &Service{
		tracker: deps.Tracker,
		catalog: deps.Catalog,
		creds:   deps.Credentials,
		states:  deps.States,
		scm:     deps.SCM,
		hosting: deps.Hosting,
		worker:  deps.Worker,
		cfg:     cfg,
		logger:  logger,
		newID:   uuid.NewString,
	}
}

// StartResult is returned when a deployment is created.
type StartResult struct {
	DeploymentID string `json:"deployment_id"`
	AuthURL      string `json:"auth_url"`
}

// SCMAuthRequest starts a source-control OAuth round trip.
type SCMAuthRequest struct {
	BuyerID      string
	ItemID       string
	DeploymentID string
	// CallbackURL builds the redirect URI for a provider name.
	CallbackURL func(provider string) string
}

// SCMAuthResult is what a completed source-control callback yields.
type SCMAuthResult struct {
	Provider     string `json:"provider"`
	Username     string `json:"username"`
	BuyerID      string `json:"-"`
	ItemID       string `json:"item_id,omitempty"`
	DeploymentID string `json:"deployment_id,omitempty"`
}

// RepoRequest creates the buyer's repository.
type RepoRequest struct {
	BuyerID       string
	ItemID        string
	DeploymentID  string
	RequestedName string
	// CreateOnly skips the entitlement check and stops at repo_created.
	CreateOnly bool
}

// RepoResult describes the created repository and where the record ended.
type RepoResult struct {
	DeploymentID string `json:"deployment_id"`
	RepoURL      string `json:"repo_url"`
	CloneURL     string `json:"clone_url"`
	RepoOwner    string `json:"repo_owner"`
	RepoName     string `json:"repo_name"`
	Status       string `json:"status"`
}

// SiteResult describes the hosting side of a deployment.
type SiteResult struct {
	DeploymentID string `json:"deployment_id"`
	SiteURL      string `json:"site_url,omitempty"`
	SiteID       string `json:"site_id,omitempty"`
	BuildID      string `json:"build_id,omitempty"`
	Status       string `json:"status"`
}

// StatusView is the buyer-facing status read.
type StatusView struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	SiteURL      string `json:"site_url"`
	SiteID       string `json:"site_id"`
	RepoURL      string `json:"repo_url"`
	RepoName     string `json:"repo_name"`
	RepoOwner    string `json:"repo_owner"`
	ErrorMessage string `json:"error_message"`
}

// ActiveSCM names the provider new deployments use.
func (s *Service) ActiveSCM() string {
	provider, err := s.scm.SCMFor("")
	if err != nil {
		return ""
	}
	return provider.Name()
}

// HostingProvider names the hosting provider.
func (s *Service) HostingProvider() string {
	return s.hosting.Name()
}

// StartDeployment creates the record and returns the source-control
// authorize URL for it.
func (s *Service) StartDeployment(ctx context.Context, buyerID, itemID, requestedName string, callbackURL func(string) string) (StartResult, error) {
	if strings.TrimSpace(buyerID) == "" || strings.TrimSpace(itemID) == "" {
		return StartResult{}, &ValidationError{Message: "buyer and item are required"}
	}
	provider, err := s.scm.SCMFor("")
	if err != nil {
		return StartResult{}, err
	}
	id := s.newID()
	record := storage.DeploymentRecord{
		ID:            id,
		BuyerID:       buyerID,
		ItemID:        itemID,
		Provider:      provider.Name(),
		RequestedName: requestedName,
		RepoName:      requestedRepoName(requestedName),
		Status:        string(deployment.StatusInitializing),
	}
	if err := s.tracker.Store().Create(ctx, record); err != nil {
		return StartResult{}, fmt.Errorf("create deployment: %w", err)
	}
	s.logger.Infof("deployment created id=%s buyer=%s item=%s provider=%s", id, buyerID, itemID, provider.Name())

	authURL, err := s.InitiateSCMAuth(ctx, SCMAuthRequest{
		BuyerID:      buyerID,
		ItemID:       itemID,
		DeploymentID: id,
		CallbackURL:  callbackURL,
	})
	if err != nil {
		s.fail(ctx, id, err)
		return StartResult{DeploymentID: id}, err
	}
	return StartResult{DeploymentID: id, AuthURL: authURL}, nil
}

// InitiateSCMAuth checks the entitlement, stores a state row and builds the
// provider authorize URL.
func (s *Service) InitiateSCMAuth(ctx context.Context, req SCMAuthRequest) (string, error) {
	if strings.TrimSpace(req.BuyerID) == "" {
		return "", &AuthorizationError{Message: "sign in to continue", Unauthenticated: true}
	}
	provider, err := s.scm.SCMFor("")
	if err != nil {
		return "", err
	}
	if req.ItemID != "" {
		if err := s.requirePurchase(ctx, req.BuyerID, req.ItemID); err != nil {
			return "", err
		}
	}
	state, err := s.states.Issue(ctx, oauth.StateRequest{
		Provider:     provider.Name(),
		BuyerID:      req.BuyerID,
		ItemID:       req.ItemID,
		DeploymentID: req.DeploymentID,
	})
	if err != nil {
		return "", err
	}
	authURL, err := provider.OAuth().AuthCodeURL(state, callback(req.CallbackURL, provider.Name()))
	if err != nil {
		return "", &ValidationError{Message: fmt.Sprintf("%s sign-in is not configured", provider.Name()), Code: http.StatusServiceUnavailable, Err: err}
	}
	return authURL, nil
}

// CompleteSCMAuth consumes the state, exchanges the code and stores the
// credential. An invalid state never touches a deployment record.
func (s *Service) CompleteSCMAuth(ctx context.Context, providerName, code, state, callbackURL string) (SCMAuthResult, error) {
	provider, err := s.scm.SCMFor(providerName)
	if err != nil {
		return SCMAuthResult{}, &ValidationError{Message: "unsupported provider", Err: err}
	}
	st, err := s.states.Consume(ctx, provider.Name(), state)
	if err != nil {
		if errors.Is(err, oauth.ErrInvalidState) {
			return SCMAuthResult{}, &ValidationError{Message: "invalid or expired authorization state", Err: err}
		}
		return SCMAuthResult{}, err
	}
	result := SCMAuthResult{
		Provider:     provider.Name(),
		BuyerID:      st.BuyerID,
		ItemID:       st.ItemID,
		DeploymentID: st.DeploymentID,
	}

	token, err := provider.OAuth().Exchange(ctx, code, callbackURL)
	if err != nil {
		internal.IncProviderError(provider.Name(), "exchange")
		err = &ProviderError{Provider: provider.Name(), Message: fmt.Sprintf("could not complete %s sign-in", provider.Name()), Err: err}
		s.fail(ctx, st.DeploymentID, err)
		return result, err
	}
	identity, err := provider.Identity(ctx, token.AccessToken)
	if err != nil {
		internal.IncProviderError(provider.Name(), "identity")
		err = &ProviderError{Provider: provider.Name(), Message: fmt.Sprintf("could not read your %s account", provider.Name()), Err: err}
		s.fail(ctx, st.DeploymentID, err)
		return result, err
	}
	result.Username = identity.Username

	err = s.creds.Save(ctx, storage.Credential{
		BuyerID:      st.BuyerID,
		Provider:     provider.Name(),
		AccountName:  identity.Username,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    oauth.ExpiresAt(token),
	})
	if err != nil {
		s.fail(ctx, st.DeploymentID, err)
		return result, fmt.Errorf("store credential: %w", err)
	}
	if err := s.catalog.SetSCMUsername(ctx, st.BuyerID, identity.Username); err != nil {
		s.fail(ctx, st.DeploymentID, err)
		return result, fmt.Errorf("cache username: %w", err)
	}
	return result, nil
}

// HandleSCMCallback completes the OAuth round trip and, when it belongs to a
// deployment, creates the repository.
func (s *Service) HandleSCMCallback(ctx context.Context, providerName, code, state, callbackURL string) (SCMAuthResult, *RepoResult, error) {
	auth, err := s.CompleteSCMAuth(ctx, providerName, code, state, callbackURL)
	if err != nil || auth.DeploymentID == "" {
		return auth, nil, err
	}
	record, err := s.tracker.Store().Get(ctx, auth.DeploymentID)
	if err != nil {
		return auth, nil, fmt.Errorf("load deployment: %w", err)
	}
	repo, err := s.CreateRepository(ctx, RepoRequest{
		BuyerID:       auth.BuyerID,
		ItemID:        auth.ItemID,
		DeploymentID:  auth.DeploymentID,
		RequestedName: record.RequestedName,
	})
	return auth, repo, err
}

// CreateRepository creates the private repository, records its facts and,
// unless CreateOnly is set, hands over to the worker. A record that already
// has a repository skips creation and re-triggers the worker.
func (s *Service) CreateRepository(ctx context.Context, req RepoRequest) (*RepoResult, error) {
	record, err := s.owned(ctx, req.BuyerID, req.DeploymentID)
	if err != nil {
		return nil, err
	}
	itemID := req.ItemID
	if itemID == "" {
		itemID = record.ItemID
	}
	if record.RepoURL != "" {
		if req.CreateOnly {
			return repoResult(record), nil
		}
		s.logger.Infof("repository already exists deployment=%s repo=%s; re-running transfer", record.ID, record.RepoURL)
		return s.handOff(ctx, record)
	}

	if err := s.tracker.Retry(ctx, record.ID, deployment.StatusCreatingRepo); err != nil {
		return nil, s.transitionError(err)
	}
	repo, err := s.createRepository(ctx, record, itemID, req)
	if err != nil {
		s.fail(ctx, record.ID, err)
		return nil, err
	}
	record, err = s.tracker.Store().Get(ctx, record.ID)
	if err != nil {
		return nil, err
	}
	if req.CreateOnly {
		if err := s.tracker.Advance(ctx, record.ID, deployment.StatusRepoCreated); err != nil {
			return nil, err
		}
		result := repoResult(record)
		result.Status = string(deployment.StatusRepoCreated)
		return result, nil
	}
	s.logger.Infof("repository created deployment=%s repo=%s", record.ID, repo.HTMLURL)
	return s.handOff(ctx, record)
}

func (s *Service) createRepository(ctx context.Context, record *storage.DeploymentRecord, itemID string, req RepoRequest) (*scm.Repository, error) {
	if !req.CreateOnly {
		if err := s.requirePurchase(ctx, record.BuyerID, itemID); err != nil {
			return nil, err
		}
	}
	provider, err := s.scm.SCMFor(record.Provider)
	if err != nil {
		return nil, err
	}
	cred, err := s.creds.Get(ctx, record.BuyerID, provider.Name())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &AuthorizationError{Message: fmt.Sprintf("connect your %s account and try again", provider.Name()), Unauthenticated: true}
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	username := cred.AccountName
	if profile, err := s.catalog.GetProfile(ctx, record.BuyerID); err == nil && profile.SCMUsername != "" {
		username = profile.SCMUsername
	}

	item := &storage.Item{}
	if itemID != "" {
		item, err = s.catalog.GetItem(ctx, itemID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &ValidationError{Message: "purchased item not found", Code: http.StatusNotFound}
		}
		if err != nil {
			return nil, fmt.Errorf("load item: %w", err)
		}
	}
	if item.StoragePath == "" && !req.CreateOnly {
		return nil, &ValidationError{Message: "this item has no downloadable code; contact the seller", Code: http.StatusUnprocessableEntity}
	}

	name := firstNonEmpty(requestedRepoName(req.RequestedName), record.RepoName)
	if name == "" {
		name = SanitizeRepoName(firstNonEmpty(record.RequestedName, item.Title))
	}
	repo, err := provider.CreateRepository(ctx, cred.AccessToken, scm.CreateRepoRequest{
		Name:        name,
		Description: item.Title,
		Private:     true,
		AutoInit:    true,
	})
	if errors.Is(err, scm.ErrNameTaken) {
		internal.IncProviderError(provider.Name(), "create_repository")
		return nil, &ProviderError{
			Provider: provider.Name(),
			Message:  fmt.Sprintf("repository %q already exists on your %s account; choose a different name and try again", name, provider.Name()),
			Err:      err,
		}
	}
	if err != nil {
		internal.IncProviderError(provider.Name(), "create_repository")
		return nil, &ProviderError{Provider: provider.Name(), Message: "could not create the repository", Err: err}
	}
	s.logger.Infof("repository created owner=%s name=%s for account=%s", repo.Owner, repo.Name, username)

	err = s.tracker.Store().SetRepoFacts(ctx, record.ID, storage.RepoFacts{
		Provider:      provider.Name(),
		RepoName:      repo.Name,
		RepoOwner:     repo.Owner,
		RepoURL:       repo.HTMLURL,
		CloneURL:      repo.CloneURL,
		DefaultBranch: repo.DefaultBranch,
		StoragePath:   item.StoragePath,
		BuildCommand:  firstNonEmpty(item.BuildCommand, defaultBuildCommand),
		PublishDir:    firstNonEmpty(item.PublishDir, defaultPublishDir),
	})
	if err != nil {
		return nil, fmt.Errorf("record repository: %w", err)
	}
	return repo, nil
}

// handOff invokes the worker and returns the record as the worker left it.
func (s *Service) handOff(ctx context.Context, record *storage.DeploymentRecord) (*RepoResult, error) {
	if err := s.invokeWorker(ctx, record.ID); err != nil {
		return nil, err
	}
	updated, err := s.tracker.Store().Get(ctx, record.ID)
	if err != nil {
		return nil, err
	}
	return repoResult(updated), nil
}

// InvokeWorker re-runs the code transfer for an owned deployment.
func (s *Service) InvokeWorker(ctx context.Context, buyerID, deploymentID string) (*RepoResult, error) {
	record, err := s.owned(ctx, buyerID, deploymentID)
	if err != nil {
		return nil, err
	}
	if record.RepoURL == "" {
		return nil, &ValidationError{Message: "the repository has not been created yet", Code: http.StatusConflict}
	}
	return s.handOff(ctx, record)
}

func (s *Service) invokeWorker(ctx context.Context, deploymentID string) error {
	if err := s.tracker.Retry(ctx, deploymentID, deployment.StatusInvokingWorker); err != nil {
		return s.transitionError(err)
	}
	if err := s.worker.Invoke(ctx, deploymentID); err != nil {
		internal.IncProviderError("worker", "deploy")
		message := "copying the code into your repository failed"
		var workerErr *WorkerError
		if errors.As(err, &workerErr) && workerErr.Details != "" {
			message = fmt.Sprintf("%s: %s", message, workerErr.Details)
		}
		err = &ProviderError{Provider: "worker", Message: message, Err: err}
		s.fail(ctx, deploymentID, err)
		return err
	}
	return nil
}

// InitiateHostingAuth stores a state row carrying the deployment and repo
// and parks the record at initializing until the callback arrives. The
// record must already hold its pushed repository.
func (s *Service) InitiateHostingAuth(ctx context.Context, buyerID, deploymentID, repoURL string, callbackURL func(string) string) (string, error) {
	record, err := s.owned(ctx, buyerID, deploymentID)
	if err != nil {
		return "", err
	}
	repoURL, err = hostingRepo(record, repoURL)
	if err != nil {
		return "", err
	}
	if from := deployment.Status(record.Status); from != deployment.StatusInitializing && !deployment.CanTransition(from, deployment.StatusInitializing, true) {
		return "", s.transitionError(fmt.Errorf("%w: %s -> %s", deployment.ErrInvalidTransition, from, deployment.StatusInitializing))
	}
	state, err := s.states.Issue(ctx, oauth.StateRequest{
		Provider:     s.hosting.Name(),
		BuyerID:      buyerID,
		DeploymentID: deploymentID,
		RepoURL:      repoURL,
	})
	if err != nil {
		return "", err
	}
	authURL, err := s.hosting.OAuth().AuthCodeURL(state, callback(callbackURL, s.hosting.Name()))
	if err != nil {
		return "", &ValidationError{Message: fmt.Sprintf("%s sign-in is not configured", s.hosting.Name()), Code: http.StatusServiceUnavailable, Err: err}
	}
	if err := s.tracker.Retry(ctx, deploymentID, deployment.StatusInitializing); err != nil {
		return "", s.transitionError(err)
	}
	return authURL, nil
}

// CompleteHostingAuth consumes the state, stores the hosting credential and
// creates the site for the deployment carried in the state.
func (s *Service) CompleteHostingAuth(ctx context.Context, code, state, callbackURL string) (*SiteResult, error) {
	st, err := s.states.Consume(ctx, s.hosting.Name(), state)
	if err != nil {
		if errors.Is(err, oauth.ErrInvalidState) {
			return nil, &ValidationError{Message: "invalid or expired authorization state", Err: err}
		}
		return nil, err
	}
	name := s.hosting.Name()
	token, err := s.hosting.OAuth().Exchange(ctx, code, callbackURL)
	if err != nil {
		internal.IncProviderError(name, "exchange")
		err = &ProviderError{Provider: name, Message: "could not complete Netlify sign-in", Err: err}
		s.fail(ctx, st.DeploymentID, err)
		return nil, err
	}
	account, err := s.hosting.Account(ctx, token.AccessToken)
	if err != nil {
		internal.IncProviderError(name, "account")
		err = &ProviderError{Provider: name, Message: "could not read your Netlify account", Err: err}
		s.fail(ctx, st.DeploymentID, err)
		return nil, err
	}
	base := hosting.SiteNameBase(account)
	if err := s.catalog.SetSiteNameBase(ctx, st.BuyerID, base); err != nil {
		s.fail(ctx, st.DeploymentID, err)
		return nil, fmt.Errorf("cache site name: %w", err)
	}
	err = s.creds.Save(ctx, storage.Credential{
		BuyerID:      st.BuyerID,
		Provider:     name,
		AccountName:  firstNonEmpty(account.Slug, account.Email),
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    oauth.ExpiresAt(token),
	})
	if err != nil {
		s.fail(ctx, st.DeploymentID, err)
		return nil, fmt.Errorf("store credential: %w", err)
	}
	if err := s.tracker.Retry(ctx, st.DeploymentID, deployment.StatusConfiguringNetlify); err != nil {
		return nil, s.transitionError(err)
	}
	return s.CreateSite(ctx, st.BuyerID, st.DeploymentID, st.RepoURL)
}

// CreateSite creates the hosting site, records it, links the repository and
// triggers the first build. A link failure leaves the site recorded and
// returns a PartialSuccessError; running it again reuses the recorded site.
func (s *Service) CreateSite(ctx context.Context, buyerID, deploymentID, repoURL string) (*SiteResult, error) {
	record, err := s.owned(ctx, buyerID, deploymentID)
	if err != nil {
		return nil, err
	}
	repoURL, err = hostingRepo(record, repoURL)
	if err != nil {
		return nil, err
	}
	result, err := s.createSite(ctx, record, repoURL)
	if err != nil {
		var partial *PartialSuccessError
		if errors.As(err, &partial) {
			if failErr := s.tracker.Fail(ctx, record.ID, partial.Message); failErr != nil {
				s.logger.Errorf("record partial failure deployment=%s: %v", record.ID, failErr)
			}
			partial.Result.Status = string(deployment.StatusFailed)
			return &partial.Result, err
		}
		s.fail(ctx, record.ID, err)
		return nil, err
	}
	return result, nil
}

func (s *Service) createSite(ctx context.Context, record *storage.DeploymentRecord, repoURL string) (*SiteResult, error) {
	name := s.hosting.Name()
	cred, err := s.creds.Get(ctx, record.BuyerID, name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &AuthorizationError{Message: "please connect your Netlify account", Unauthenticated: true}
	}
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}

	provider, err := s.scm.SCMFor(record.Provider)
	if err != nil {
		return nil, err
	}
	owner, repoName, err := provider.ParseRepoURL(repoURL)
	if err != nil {
		return nil, &ValidationError{Message: "the repository URL is not recognised", Code: http.StatusUnprocessableEntity, Err: err}
	}
	if err := s.tracker.Retry(ctx, record.ID, deployment.StatusConfiguringNetlify); err != nil {
		return nil, s.transitionError(err)
	}

	site := &hosting.Site{ID: record.SiteID, URL: record.SiteURL}
	if site.ID == "" {
		site, err = s.newSite(ctx, record, cred.AccessToken)
		if err != nil {
			return nil, err
		}
		if err := s.tracker.Store().SetSiteFacts(ctx, record.ID, storage.SiteFacts{SiteURL: site.URL, SiteID: site.ID}); err != nil {
			return nil, fmt.Errorf("record site: %w", err)
		}
	} else {
		s.logger.Infof("site already exists deployment=%s site=%s; linking again", record.ID, site.ID)
	}
	result := SiteResult{DeploymentID: record.ID, SiteURL: site.URL, SiteID: site.ID}
	if err := s.tracker.Advance(ctx, record.ID, deployment.StatusDeploying); err != nil {
		return nil, err
	}

	err = s.hosting.LinkRepository(ctx, cred.AccessToken, site.ID, hosting.RepoLink{
		Provider:   provider.Name(),
		Repo:       owner + "/" + repoName,
		Branch:     firstNonEmpty(record.DefaultBranch, s.cfg.Branch),
		Command:    firstNonEmpty(record.BuildCommand, defaultBuildCommand),
		PublishDir: firstNonEmpty(record.PublishDir, defaultPublishDir),
		Private:    true,
	})
	if err != nil {
		internal.IncProviderError(name, "link_repository")
		return nil, &PartialSuccessError{
			Message: fmt.Sprintf("your site was created at %s but the repository could not be linked; connect the repository manually in Netlify", site.URL),
			Result:  result,
			Err:     err,
		}
	}
	buildID, err := s.hosting.TriggerBuild(ctx, cred.AccessToken, site.ID)
	if err != nil {
		internal.IncProviderError(name, "trigger_build")
		return nil, &PartialSuccessError{
			Message: fmt.Sprintf("your site was created at %s and linked, but the first build could not be started; trigger a deploy manually in Netlify", site.URL),
			Result:  result,
			Err:     err,
		}
	}
	if buildID != "" {
		if err := s.tracker.Store().SetSiteFacts(ctx, record.ID, storage.SiteFacts{BuildID: buildID}); err != nil {
			return nil, fmt.Errorf("record build: %w", err)
		}
	}
	if err := s.tracker.Advance(ctx, record.ID, deployment.StatusCompleted); err != nil {
		return nil, err
	}
	result.BuildID = buildID
	result.Status = string(deployment.StatusCompleted)
	s.logger.Infof("deployment completed id=%s site=%s build=%s", record.ID, site.URL, buildID)
	return &result, nil
}

// newSite creates the hosting site under the buyer's cached name base.
func (s *Service) newSite(ctx context.Context, record *storage.DeploymentRecord, token string) (*hosting.Site, error) {
	name := s.hosting.Name()
	base := ""
	if profile, err := s.catalog.GetProfile(ctx, record.BuyerID); err == nil {
		base = profile.SiteNameBase
	}
	if base == "" {
		account, err := s.hosting.Account(ctx, token)
		if err != nil {
			internal.IncProviderError(name, "account")
			return nil, &ProviderError{Provider: name, Message: "could not read your Netlify account", Err: err}
		}
		base = hosting.SiteNameBase(account)
		if err := s.catalog.SetSiteNameBase(ctx, record.BuyerID, base); err != nil {
			s.logger.Warnf("cache site name base buyer=%s: %v", record.BuyerID, err)
		}
	}
	siteName := hosting.SiteName(base, record.ID)

	site, err := s.hosting.CreateSite(ctx, token, siteName)
	if errors.Is(err, hosting.ErrSiteNameTaken) {
		internal.IncProviderError(name, "create_site")
		return nil, &ProviderError{Provider: name, Message: fmt.Sprintf("the site name %q is already taken on Netlify", siteName), Err: err}
	}
	if err != nil {
		internal.IncProviderError(name, "create_site")
		return nil, &ProviderError{Provider: name, Message: "could not create the Netlify site", Err: err}
	}
	return site, nil
}

// CreateOnly creates a repository for a buyer without running the rest of
// the pipeline. It is an administrative path.
func (s *Service) CreateOnly(ctx context.Context, buyerID, itemID, requestedName string) (*RepoResult, error) {
	if strings.TrimSpace(buyerID) == "" {
		return nil, &ValidationError{Message: "buyer_id is required"}
	}
	provider, err := s.scm.SCMFor("")
	if err != nil {
		return nil, err
	}
	id := s.newID()
	err = s.tracker.Store().Create(ctx, storage.DeploymentRecord{
		ID:            id,
		BuyerID:       buyerID,
		ItemID:        itemID,
		Provider:      provider.Name(),
		RequestedName: requestedName,
		RepoName:      requestedRepoName(requestedName),
		Status:        string(deployment.StatusInitializing),
	})
	if err != nil {
		return nil, fmt.Errorf("create deployment: %w", err)
	}
	return s.CreateRepository(ctx, RepoRequest{
		BuyerID:       buyerID,
		ItemID:        itemID,
		DeploymentID:  id,
		RequestedName: requestedName,
		CreateOnly:    true,
	})
}

// Status returns the buyer's view of a deployment.
func (s *Service) Status(ctx context.Context, buyerID, deploymentID string) (*StatusView, error) {
	record, err := s.owned(ctx, buyerID, deploymentID)
	if err != nil {
		return nil, err
	}
	return &StatusView{
		ID:           record.ID,
		Status:       record.Status,
		SiteURL:      record.SiteURL,
		SiteID:       record.SiteID,
		RepoURL:      record.RepoURL,
		RepoName:     record.RepoName,
		RepoOwner:    record.RepoOwner,
		ErrorMessage: record.ErrorMessage,
	}, nil
}

// owned loads a record and checks it belongs to buyerID. Missing and foreign
// records produce the same error.
func (s *Service) owned(ctx context.Context, buyerID, deploymentID string) (*storage.DeploymentRecord, error) {
	if buyerID == "" || deploymentID == "" {
		return nil, &AuthorizationError{Message: "invalid or unauthorized deployment"}
	}
	record, err := s.tracker.Store().Get(ctx, deploymentID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &AuthorizationError{Message: "invalid or unauthorized deployment"}
	}
	if err != nil {
		return nil, fmt.Errorf("load deployment: %w", err)
	}
	if record.BuyerID != buyerID {
		return nil, &AuthorizationError{Message: "invalid or unauthorized deployment"}
	}
	return record, nil
}

func (s *Service) requirePurchase(ctx context.Context, buyerID, itemID string) error {
	ok, err := s.catalog.HasPurchased(ctx, buyerID, itemID)
	if err != nil {
		return fmt.Errorf("check purchase: %w", err)
	}
	if !ok {
		return &AuthorizationError{Message: "you have not purchased this item"}
	}
	return nil
}

func (s *Service) transitionError(err error) error {
	if errors.Is(err, deployment.ErrInvalidTransition) {
		return &ValidationError{Message: "the deployment is not at a step that can be run now", Code: http.StatusConflict, Err: err}
	}
	return err
}

// fail records err on the deployment unless a failure is already recorded.
func (s *Service) fail(ctx context.Context, deploymentID string, err error) {
	if deploymentID == "" || err == nil {
		return
	}
	message := PublicMessage(err)
	if _, failErr := s.tracker.FailIfActive(ctx, deploymentID, message); failErr != nil {
		s.logger.Errorf("record failure deployment=%s: %v", deploymentID, failErr)
	}
	s.logger.Warnf("deployment=%s failed: %v", deploymentID, err)
}

// hostingRepo returns the repository the hosting steps link. The record must
// hold a repository that already has the code, and a caller supplied URL
// must name that same repository.
func hostingRepo(record *storage.DeploymentRecord, requested string) (string, error) {
	if record.RepoURL == "" || record.CodePushedAt == nil {
		return "", &ValidationError{Message: "the code has not been pushed to your repository yet", Code: http.StatusConflict}
	}
	if requested = strings.TrimSpace(requested); requested != "" && normalizeRepoURL(requested) != normalizeRepoURL(record.RepoURL) {
		return "", &ValidationError{Message: "the repository does not belong to this deployment", Code: http.StatusConflict}
	}
	return record.RepoURL, nil
}

func normalizeRepoURL(value string) string {
	value = strings.TrimRight(strings.TrimSpace(value), "/")
	return strings.ToLower(strings.TrimSuffix(value, ".git"))
}

// requestedRepoName sanitizes a buyer supplied name, keeping blank input
// blank so later fallbacks still apply.
func requestedRepoName(requested string) string {
	if strings.TrimSpace(requested) == "" {
		return ""
	}
	return SanitizeRepoName(requested)
}

func repoResult(record *storage.DeploymentRecord) *RepoResult {
	return &RepoResult{
		DeploymentID: record.ID,
		RepoURL:      record.RepoURL,
		CloneURL:     record.CloneURL,
		RepoOwner:    record.RepoOwner,
		RepoName:     record.RepoName,
		Status:       record.Status,
	}
}

func callback(build func(string) string, provider string) string {
	if build == nil {
		return ""
	}
	return build(provider)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
