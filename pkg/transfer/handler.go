package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// Deployer runs one code transfer.
type Deployer interface {
	Deploy(ctx context.Context, deploymentID string) (Result, error)
}

// DeployHandler serves POST /deploy.
type DeployHandler struct {
	Deployer     Deployer
	MaxBodyBytes int64
	Logger       *zap.SugaredLogger
}

type deployRequest struct {
	DeploymentID string `json:"deployment_id"`
}

type deployResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Committed bool   `json:"committed"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Routes mounts the worker endpoint.
func (h *DeployHandler) Routes(r chi.Router) {
	r.Post("/deploy", h.ServeHTTP)
}

func (h *DeployHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 16
	}
	var req deployRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	req.DeploymentID = strings.TrimSpace(req.DeploymentID)
	if req.DeploymentID == "" {
		writeError(w, http.StatusBadRequest, "deployment_id is required", "")
		return
	}

	result, err := h.Deployer.Deploy(r.Context(), req.DeploymentID)
	if err != nil {
		code := http.StatusInternalServerError
		var stepErr *Error
		if errors.As(err, &stepErr) && stepErr.Code != 0 {
			code = stepErr.Code
		}
		if h.Logger != nil {
			h.Logger.Warnf("deploy failed deployment=%s status=%d: %v", req.DeploymentID, code, err)
		}
		message := "code transfer failed"
		if code == http.StatusNotFound {
			message = "deployment not found"
		}
		details := ""
		if code != http.StatusInternalServerError {
			details = err.Error()
		}
		writeError(w, code, message, details)
		return
	}

	message := "code pushed"
	if !result.Committed {
		message = "repository already up to date"
	}
	writeJSON(w, http.StatusOK, deployResponse{Success: true, Message: message, Committed: result.Committed})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, errorResponse{Error: message, Details: details})
}
