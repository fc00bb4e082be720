package oauth

import (
	"context"
	"errors"
	"time"

	"github.com/bluesky-social/atlogin/atproto/syntax"
)

// Returned by [FlowStore.ConsumeFlowState] when there is no pending flow for the session.
var ErrFlowStateNotFound = errors.New("flow state not found")

// Everything persisted between the login request and the callback for a single login attempt.
type FlowState struct {
	// Random value sent as the OAuth "state" parameter
	State string `json:"state"`

	// Discovered authorization server. The callback uses these endpoints instead of re-discovering
	AuthServer AuthServerMetadata `json:"auth_server"`

	// The secret which the PKCE code challenge was derived from
	PKCEVerifier string `json:"pkce_verifier"`

	Handle      syntax.Handle `json:"handle"`
	DID         syntax.DID    `json:"did"`
	PDSEndpoint string        `json:"pds_endpoint,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Persistence for pending flows, keyed by browser session ID. Saving replaces any pending flow for the same session.
type FlowStore interface {
	SaveFlowState(ctx context.Context, sessionID string, state FlowState) error

	// Atomically reads and deletes the pending flow for the session. At most one caller ever receives a given state. Returns [ErrFlowStateNotFound] if there is none (including if it expired).
	ConsumeFlowState(ctx context.Context, sessionID string) (*FlowState, error)
}
