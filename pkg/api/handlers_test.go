package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"mvpdeploy/pkg/oauth"
	"mvpdeploy/pkg/orchestrator"

	"github.com/go-chi/chi/v5"
)

type fakeDeployments struct {
	buyer       string
	callback    string
	createOnly  []string
	siteErr     error
	callbackErr error
}

func (f *fakeDeployments) StartDeployment(_ context.Context, buyerID, itemID, _ string, callbackURL func(string) string) (orchestrator.StartResult, error) {
	f.buyer = buyerID
	f.callback = callbackURL("github")
	if itemID == "" {
		return orchestrator.StartResult{}, &orchestrator.ValidationError{Message: "buyer and item are required"}
	}
	return orchestrator.StartResult{DeploymentID: "d1", AuthURL: "https://github.com/login/oauth/authorize?state=s"}, nil
}

func (f *fakeDeployments) InitiateSCMAuth(_ context.Context, req orchestrator.SCMAuthRequest) (string, error) {
	f.buyer = req.BuyerID
	return "https://github.com/login/oauth/authorize", nil
}

func (f *fakeDeployments) HandleSCMCallback(_ context.Context, provider, code, state, callbackURL string) (orchestrator.SCMAuthResult, *orchestrator.RepoResult, error) {
	f.callback = callbackURL
	if f.callbackErr != nil {
		return orchestrator.SCMAuthResult{}, nil, f.callbackErr
	}
	return orchestrator.SCMAuthResult{Provider: provider, Username: "ada", DeploymentID: "d1"},
		&orchestrator.RepoResult{DeploymentID: "d1", RepoURL: "https://github.com/ada/shop", Status: "configuring_netlify"}, nil
}

func (f *fakeDeployments) CompleteHostingAuth(_ context.Context, _, _, callbackURL string) (*orchestrator.SiteResult, error) {
	f.callback = callbackURL
	return &orchestrator.SiteResult{DeploymentID: "d1", SiteURL: "https://ada-d1.netlify.app", Status: "completed"}, nil
}

func (f *fakeDeployments) CreateRepository(_ context.Context, req orchestrator.RepoRequest) (*orchestrator.RepoResult, error) {
	return &orchestrator.RepoResult{DeploymentID: req.DeploymentID, RepoName: req.RequestedName}, nil
}

func (f *fakeDeployments) InvokeWorker(_ context.Context, _, id string) (*orchestrator.RepoResult, error) {
	return &orchestrator.RepoResult{DeploymentID: id, Status: "configuring_netlify"}, nil
}

func (f *fakeDeployments) InitiateHostingAuth(_ context.Context, _, _, _ string, callbackURL func(string) string) (string, error) {
	f.callback = callbackURL("netlify")
	return "https://app.netlify.com/authorize", nil
}

func (f *fakeDeployments) CreateSite(_ context.Context, _, id, _ string) (*orchestrator.SiteResult, error) {
	if f.siteErr != nil {
		return &orchestrator.SiteResult{DeploymentID: id, SiteURL: "https://ada-d1.netlify.app", SiteID: "s1", Status: "failed"}, f.siteErr
	}
	return &orchestrator.SiteResult{DeploymentID: id, Status: "completed"}, nil
}

func (f *fakeDeployments) CreateOnly(_ context.Context, buyerID, _, name string) (*orchestrator.RepoResult, error) {
	f.createOnly = append(f.createOnly, buyerID)
	return &orchestrator.RepoResult{RepoName: name, Status: "repo_created"}, nil
}

func (f *fakeDeployments) Status(_ context.Context, buyerID, id string) (*orchestrator.StatusView, error) {
	if buyerID != "b1" || id != "d1" {
		return nil, &orchestrator.AuthorizationError{Message: "invalid or unauthorized deployment"}
	}
	return &orchestrator.StatusView{ID: id, Status: "completed"}, nil
}

func (f *fakeDeployments) HostingProvider() string { return "netlify" }

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newRouter(deps *fakeDeployments, h *Handler) http.Handler {
	h.Deployments = deps
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func do(t *testing.T, handler http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestStartDeploymentRequiresBuyer(t *testing.T) {
	router := newRouter(&fakeDeployments{}, &Handler{})

	rec := do(t, router, http.MethodPost, "/api/deployments", `{"item_id":"i1"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestStartDeployment(t *testing.T) {
	deps := &fakeDeployments{}
	router := newRouter(deps, &Handler{PublicBaseURL: "https://deploy.example"})

	rec := do(t, router, http.MethodPost, "/api/deployments", `{"item_id":"i1","repo_name":"Shop"}`, map[string]string{BuyerHeader: "b1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var result orchestrator.StartResult
	if err := json.Unmarshal(rec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.DeploymentID != "d1" || result.AuthURL == "" {
		t.Fatalf("unexpected result %+v", result)
	}
	if deps.buyer != "b1" || deps.callback != "https://deploy.example/oauth/github/callback" {
		t.Fatalf("unexpected buyer %q callback %q", deps.buyer, deps.callback)
	}
}

func TestStartDeploymentValidation(t *testing.T) {
	router := newRouter(&fakeDeployments{}, &Handler{})

	rec := do(t, router, http.MethodPost, "/api/deployments", `{}`, map[string]string{BuyerHeader: "b1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = do(t, router, http.MethodPost, "/api/deployments", `{not json`, map[string]string{BuyerHeader: "b1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", rec.Code)
	}
}

func TestStatusOwnership(t *testing.T) {
	router := newRouter(&fakeDeployments{}, &Handler{})

	rec := do(t, router, http.MethodGet, "/api/deployments/d1", "", map[string]string{BuyerHeader: "b1"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"completed"`) {
		t.Fatalf("unexpected status response %d: %s", rec.Code, rec.Body.String())
	}
	rec = do(t, router, http.MethodGet, "/api/deployments/d1", "", map[string]string{BuyerHeader: "b2"})
	if rec.Code != http.StatusForbidden || !strings.Contains(rec.Body.String(), "invalid or unauthorized deployment") {
		t.Fatalf("unexpected foreign status response %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreateSitePartialSuccess(t *testing.T) {
	deps := &fakeDeployments{siteErr: &orchestrator.PartialSuccessError{Message: "connect the repository manually"}}
	router := newRouter(deps, &Handler{})

	rec := do(t, router, http.MethodPost, "/api/deployments/d1/site", "", map[string]string{BuyerHeader: "b1"})
	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("expected 207, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["site_url"] == "" || body["site_id"] != "s1" || body["error"] != "connect the repository manually" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestSCMCallbackRedirects(t *testing.T) {
	deps := &fakeDeployments{}
	router := newRouter(deps, &Handler{RedirectBaseURL: "https://shop.example/deploy"})

	rec := do(t, router, http.MethodGet, "/oauth/github/callback?code=c&state=s", "", map[string]string{"X-Forwarded-Proto": "https", "X-Forwarded-Host": "deploy.example"})
	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	location, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	query := location.Query()
	if location.Host != "shop.example" || query.Get("status") != "connected" || query.Get("repo_url") == "" {
		t.Fatalf("unexpected redirect %s", location)
	}
	if deps.callback != "https://deploy.example/oauth/github/callback" {
		t.Fatalf("unexpected callback %q", deps.callback)
	}
}

func TestSCMCallbackInvalidState(t *testing.T) {
	deps := &fakeDeployments{callbackErr: &orchestrator.ValidationError{Message: "invalid or expired authorization state", Err: oauth.ErrInvalidState}}
	router := newRouter(deps, &Handler{})

	rec := do(t, router, http.MethodGet, "/oauth/github/callback?code=c&state=bogus", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "error" || body["error"] != "invalid or expired authorization state" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestHostingCallbackRoute(t *testing.T) {
	deps := &fakeDeployments{}
	router := newRouter(deps, &Handler{PublicBaseURL: "https://deploy.example/"})

	rec := do(t, router, http.MethodGet, "/oauth/netlify/callback?code=c&state=s", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"deployed"`) {
		t.Fatalf("unexpected response %d: %s", rec.Code, rec.Body.String())
	}
	if deps.callback != "https://deploy.example/oauth/netlify/callback" {
		t.Fatalf("unexpected callback %q", deps.callback)
	}
}

func TestCallbackDenied(t *testing.T) {
	router := newRouter(&fakeDeployments{}, &Handler{})

	rec := do(t, router, http.MethodGet, "/oauth/gitlab/callback?error=access_denied", "", nil)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "cancelled") {
		t.Fatalf("unexpected response %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAdminCreateRepository(t *testing.T) {
	deps := &fakeDeployments{}
	router := newRouter(deps, &Handler{AdminToken: "secret"})
	body := `{"buyer_id":"b1","repo_name":"admin"}`

	if rec := do(t, router, http.MethodPost, "/api/admin/repositories", body, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without token, got %d", rec.Code)
	}
	if rec := do(t, router, http.MethodPost, "/api/admin/repositories", body, map[string]string{AdminHeader: "wrong"}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with wrong token, got %d", rec.Code)
	}
	rec := do(t, router, http.MethodPost, "/api/admin/repositories", body, map[string]string{AdminHeader: "secret"})
	if rec.Code != http.StatusCreated || len(deps.createOnly) != 1 || deps.createOnly[0] != "b1" {
		t.Fatalf("unexpected response %d: %s", rec.Code, rec.Body.String())
	}
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	router := newRouter(&fakeDeployments{}, &Handler{})

	rec := do(t, router, http.MethodPost, "/api/admin/repositories", `{}`, map[string]string{AdminHeader: ""})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	router := newRouter(&fakeDeployments{}, &Handler{Health: fakePinger{}})
	if rec := do(t, router, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	router = newRouter(&fakeDeployments{}, &Handler{Health: fakePinger{err: errors.New("db down")}})
	if rec := do(t, router, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
