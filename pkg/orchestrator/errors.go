package orchestrator

import (
	"fmt"
	"net/http"
)

// ValidationError is bad input or a record that is not ready for the step.
type ValidationError struct {
	Message string
	Code    int
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) StatusCode() int {
	if e.Code != 0 {
		return e.Code
	}
	return http.StatusBadRequest
}

// AuthorizationError is a missing entitlement, a foreign deployment or a
// provider account that has not been connected.
type AuthorizationError struct {
	Message string
	// Unauthenticated selects 401 over 403.
	Unauthenticated bool
	Err             error
}

func (e *AuthorizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

func (e *AuthorizationError) StatusCode() int {
	if e.Unauthenticated {
		return http.StatusUnauthorized
	}
	return http.StatusForbidden
}

// ProviderError is a failed call to a source-control, hosting or worker
// endpoint. Message is safe to show the buyer.
type ProviderError struct {
	Provider string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) StatusCode() int { return http.StatusBadGateway }

// PartialSuccessError means the site exists but could not be fully wired.
type PartialSuccessError struct {
	Message string
	Result  SiteResult
	Err     error
}

func (e *PartialSuccessError) Error() string {
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *PartialSuccessError) Unwrap() error { return e.Err }

func (e *PartialSuccessError) StatusCode() int { return http.StatusMultiStatus }

// PublicMessage returns the text written to the record and shown to the
// buyer. Infrastructure errors get a generic message.
func PublicMessage(err error) string {
	switch e := err.(type) {
	case *ValidationError:
		return e.Message
	case *AuthorizationError:
		return e.Message
	case *ProviderError:
		return e.Message
	case *PartialSuccessError:
		return e.Message
	default:
		return "internal error"
	}
}
