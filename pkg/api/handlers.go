package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"mvpdeploy/pkg/oauth"
	"mvpdeploy/pkg/orchestrator"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Deployments is the orchestrator surface the HTTP layer drives.
type Deployments interface {
	StartDeployment(ctx context.Context, buyerID, itemID, requestedName string, callbackURL func(string) string) (orchestrator.StartResult, error)
	InitiateSCMAuth(ctx context.Context, req orchestrator.SCMAuthRequest) (string, error)
	HandleSCMCallback(ctx context.Context, provider, code, state, callbackURL string) (orchestrator.SCMAuthResult, *orchestrator.RepoResult, error)
	CompleteHostingAuth(ctx context.Context, code, state, callbackURL string) (*orchestrator.SiteResult, error)
	CreateRepository(ctx context.Context, req orchestrator.RepoRequest) (*orchestrator.RepoResult, error)
	InvokeWorker(ctx context.Context, buyerID, deploymentID string) (*orchestrator.RepoResult, error)
	InitiateHostingAuth(ctx context.Context, buyerID, deploymentID, repoURL string, callbackURL func(string) string) (string, error)
	CreateSite(ctx context.Context, buyerID, deploymentID, repoURL string) (*orchestrator.SiteResult, error)
	CreateOnly(ctx context.Context, buyerID, itemID, requestedName string) (*orchestrator.RepoResult, error)
	Status(ctx context.Context, buyerID, deploymentID string) (*orchestrator.StatusView, error)
	HostingProvider() string
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BuyerHeader carries the authenticated buyer, set by the session layer in
// front of this service.
const BuyerHeader = "X-Buyer-ID"

// AdminHeader carries the shared admin token.
const AdminHeader = "X-Admin-Token"

// Handler serves the orchestrator HTTP API.
type Handler struct {
	Deployments Deployments
	Health      Pinger
	// PublicBaseURL overrides the request origin for OAuth callbacks.
	PublicBaseURL string
	// RedirectBaseURL receives the browser after an OAuth callback. When
	// empty, callbacks answer with JSON.
	RedirectBaseURL string
	AdminToken      string
	MaxBodyBytes    int64
	Logger          *zap.SugaredLogger
}

type buyerKey struct{}

// Routes mounts every orchestrator endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.healthz)

	r.Get("/oauth/netlify/callback", h.hostingCallback)
	r.Get("/oauth/{provider}/callback", h.scmCallback)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(h.requireBuyer)
			r.Post("/deployments", h.startDeployment)
			r.Get("/deployments/{id}", h.status)
			r.Post("/deployments/{id}/repository", h.createRepository)
			r.Post("/deployments/{id}/worker", h.invokeWorker)
			r.Post("/deployments/{id}/hosting/auth", h.hostingAuth)
			r.Post("/deployments/{id}/site", h.createSite)
			r.Post("/oauth/scm/start", h.scmStart)
		})
		r.With(h.requireAdmin).Post("/admin/repositories", h.adminCreateRepository)
	})
}

func (h *Handler) requireBuyer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buyerID := strings.TrimSpace(r.Header.Get(BuyerHeader))
		if buyerID == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "sign in to continue"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), buyerKey{}, buyerID)))
	})
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.AdminToken == "" {
			http.NotFound(w, r)
			return
		}
		token := r.Header.Get(AdminHeader)
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.AdminToken)) != 1 {
			writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func buyerFrom(r *http.Request) string {
	buyerID, _ := r.Context().Value(buyerKey{}).(string)
	return buyerID
}

type startRequest struct {
	ItemID   string `json:"item_id"`
	RepoName string `json:"repo_name"`
}

type repoRequest struct {
	RepoName string `json:"repo_name"`
}

type siteRequest struct {
	RepoURL string `json:"repo_url"`
}

type scmStartRequest struct {
	ItemID       string `json:"item_id"`
	DeploymentID string `json:"deployment_id"`
}

type adminRepoRequest struct {
	BuyerID  string `json:"buyer_id"`
	ItemID   string `json:"item_id"`
	RepoName string `json:"repo_name"`
}

type authURLResponse struct {
	AuthURL string `json:"auth_url"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type partialResponse struct {
	Error string `json:"error"`
	*orchestrator.SiteResult
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if h.Health != nil {
		if err := h.Health.Ping(r.Context()); err != nil {
			h.logf("health check failed: %v", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) startDeployment(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.Deployments.StartDeployment(r.Context(), buyerFrom(r), strings.TrimSpace(req.ItemID), req.RepoName, h.callbackBuilder(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	view, err := h.Deployments.Status(r.Context(), buyerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) createRepository(w http.ResponseWriter, r *http.Request) {
	var req repoRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.Deployments.CreateRepository(r.Context(), orchestrator.RepoRequest{
		BuyerID:       buyerFrom(r),
		DeploymentID:  chi.URLParam(r, "id"),
		RequestedName: req.RepoName,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) invokeWorker(w http.ResponseWriter, r *http.Request) {
	result, err := h.Deployments.InvokeWorker(r.Context(), buyerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) hostingAuth(w http.ResponseWriter, r *http.Request) {
	var req siteRequest
	if !h.decode(w, r, &req) {
		return
	}
	authURL, err := h.Deployments.InitiateHostingAuth(r.Context(), buyerFrom(r), chi.URLParam(r, "id"), req.RepoURL, h.callbackBuilder(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authURLResponse{AuthURL: authURL})
}

func (h *Handler) createSite(w http.ResponseWriter, r *http.Request) {
	var req siteRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.Deployments.CreateSite(r.Context(), buyerFrom(r), chi.URLParam(r, "id"), req.RepoURL)
	if err != nil {
		var partial *orchestrator.PartialSuccessError
		if errors.As(err, &partial) && result != nil {
			h.logf("site partially configured deployment=%s: %v", result.DeploymentID, err)
			writeJSON(w, partial.StatusCode(), partialResponse{Error: partial.Message, SiteResult: result})
			return
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) scmStart(w http.ResponseWriter, r *http.Request) {
	var req scmStartRequest
	if !h.decode(w, r, &req) {
		return
	}
	authURL, err := h.Deployments.InitiateSCMAuth(r.Context(), orchestrator.SCMAuthRequest{
		BuyerID:      buyerFrom(r),
		ItemID:       strings.TrimSpace(req.ItemID),
		DeploymentID: strings.TrimSpace(req.DeploymentID),
		CallbackURL:  h.callbackBuilder(r),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, authURLResponse{AuthURL: authURL})
}

func (h *Handler) adminCreateRepository(w http.ResponseWriter, r *http.Request) {
	var req adminRepoRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.Deployments.CreateOnly(r.Context(), strings.TrimSpace(req.BuyerID), strings.TrimSpace(req.ItemID), req.RepoName)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) scmCallback(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	query := r.URL.Query()
	if denied := query.Get("error"); denied != "" {
		h.logf("%s authorization denied: %s", provider, denied)
		oauth.RedirectOrJSON(w, r, h.RedirectBaseURL, http.StatusBadRequest, map[string]string{
			"status":   "error",
			"provider": provider,
			"error":    "authorization was cancelled",
		})
		return
	}
	callbackURL := oauth.CallbackURL(r, provider, h.PublicBaseURL)
	auth, repo, err := h.Deployments.HandleSCMCallback(r.Context(), provider, query.Get("code"), query.Get("state"), callbackURL)
	if err != nil {
		h.logf("%s callback failed deployment=%s: %v", provider, auth.DeploymentID, err)
		oauth.RedirectOrJSON(w, r, h.RedirectBaseURL, statusCode(err), map[string]string{
			"status":        "error",
			"provider":      provider,
			"deployment_id": auth.DeploymentID,
			"error":         orchestrator.PublicMessage(err),
		})
		return
	}
	params := map[string]string{
		"status":        "connected",
		"provider":      auth.Provider,
		"username":      auth.Username,
		"deployment_id": auth.DeploymentID,
	}
	if repo != nil {
		params["repo_url"] = repo.RepoURL
		params["deployment_status"] = repo.Status
	}
	oauth.RedirectOrJSON(w, r, h.RedirectBaseURL, http.StatusOK, params)
}

func (h *Handler) hostingCallback(w http.ResponseWriter, r *http.Request) {
	provider := h.Deployments.HostingProvider()
	query := r.URL.Query()
	if denied := query.Get("error"); denied != "" {
		h.logf("%s authorization denied: %s", provider, denied)
		oauth.RedirectOrJSON(w, r, h.RedirectBaseURL, http.StatusBadRequest, map[string]string{
			"status":   "error",
			"provider": provider,
			"error":    "authorization was cancelled",
		})
		return
	}
	callbackURL := oauth.CallbackURL(r, provider, h.PublicBaseURL)
	site, err := h.Deployments.CompleteHostingAuth(r.Context(), query.Get("code"), query.Get("state"), callbackURL)
	params := map[string]string{"provider": provider}
	if site != nil {
		params["deployment_id"] = site.DeploymentID
		params["site_url"] = site.SiteURL
		params["deployment_status"] = site.Status
	}
	if err != nil {
		h.logf("%s callback failed: %v", provider, err)
		params["status"] = "error"
		params["error"] = orchestrator.PublicMessage(err)
		oauth.RedirectOrJSON(w, r, h.RedirectBaseURL, statusCode(err), params)
		return
	}
	params["status"] = "deployed"
	oauth.RedirectOrJSON(w, r, h.RedirectBaseURL, http.StatusOK, params)
}

func (h *Handler) callbackBuilder(r *http.Request) func(string) string {
	return func(provider string) string {
		return oauth.CallbackURL(r, provider, h.PublicBaseURL)
	}
}

// decode reads an optional JSON body. An empty body leaves dst untouched.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
	return false
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		h.logf("request failed: %v", err)
	}
	writeJSON(w, code, errorResponse{Error: orchestrator.PublicMessage(err)})
}

func (h *Handler) logf(format string, args ...interface{}) {
	if h.Logger != nil {
		h.Logger.Warnf(format, args...)
	}
}

func statusCode(err error) int {
	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) {
		return coded.StatusCode()
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
