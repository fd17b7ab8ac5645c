package internal

import "time"

// Event is a deployment status change announced to downstream consumers.
type Event struct {
	DeploymentID   string    `json:"deployment_id"`
	BuyerID        string    `json:"buyer_id"`
	ItemID         string    `json:"item_id,omitempty"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	SiteURL        string    `json:"site_url,omitempty"`
	RepoURL        string    `json:"repo_url,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}
