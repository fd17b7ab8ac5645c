package deployment

import (
	"fmt"
)

// Status is the lifecycle state of a deployment.
type Status string

const (
	StatusInitializing       Status = "initializing"
	StatusCreatingRepo       Status = "creating_repo"
	StatusRepoCreated        Status = "repo_created"
	StatusInvokingWorker     Status = "invoking_worker"
	StatusPushingCode        Status = "pushing_code"
	StatusConfiguringNetlify Status = "configuring_netlify"
	StatusDeploying          Status = "deploying"
	StatusCompleted          Status = "completed"
	StatusFailed             Status = "failed"
)

// ValidStatusTransitions is the forward path of a single attempt. Failure is
// handled separately and allowed from every non-terminal state.
var ValidStatusTransitions = map[Status][]Status{
	StatusInitializing:       {StatusCreatingRepo},
	StatusCreatingRepo:       {StatusInvokingWorker, StatusRepoCreated},
	StatusInvokingWorker:     {StatusPushingCode},
	StatusPushingCode:        {StatusConfiguringNetlify},
	StatusConfiguringNetlify: {StatusDeploying},
	StatusDeploying:          {StatusCompleted},
	StatusRepoCreated:        {},
	StatusCompleted:          {},
	StatusFailed:             {},
}

// retryTransitions re-enter the pipeline at a step boundary. The hosting
// handshake parks the record at initializing until its callback arrives, so
// the edges into initializing and configuring_netlify are only taken once the
// record has its code pushed (see Tracker).
var retryTransitions = map[Status][]Status{
	StatusFailed:             {StatusCreatingRepo, StatusInvokingWorker, StatusPushingCode, StatusInitializing, StatusConfiguringNetlify},
	StatusInitializing:       {StatusConfiguringNetlify},
	StatusConfiguringNetlify: {StatusInvokingWorker, StatusPushingCode, StatusInitializing},
	StatusDeploying:          {StatusInitializing, StatusConfiguringNetlify},
}

// Parse validates a stored status value.
func Parse(value string) (Status, error) {
	status := Status(value)
	if _, ok := ValidStatusTransitions[status]; !ok {
		return "", fmt.Errorf("unknown deployment status %q", value)
	}
	return status, nil
}

func (s Status) String() string { return string(s) }

// Terminal reports whether no further forward transition exists.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusRepoCreated
}

// CanTransition reports whether from → to is allowed. Retries may re-enter a
// step from failed or repeat an idempotent step.
func CanTransition(from, to Status, isRetry bool) bool {
	if to == StatusFailed {
		return !from.Terminal()
	}
	for _, s := range ValidStatusTransitions[from] {
		if s == to {
			return true
		}
	}
	if !isRetry {
		return false
	}
	for _, s := range retryTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
