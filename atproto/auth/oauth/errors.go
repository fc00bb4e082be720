package oauth

import (
	"errors"
	"fmt"
)

var (
	// No handle was provided; the caller should prompt for one.
	ErrHandleRequired = errors.New("handle required")

	// Handle was syntactically invalid, or did not resolve to a DID.
	ErrUnknownHandle = errors.New("unknown handle")

	// Any failure between a resolved DID and usable authorization server metadata.
	ErrDiscovery = errors.New("authorization server discovery failed")

	// No pending flow state for this browser session: it expired, was never started, or was already consumed.
	ErrSessionExpired = errors.New("login session expired")

	// Callback "state" parameter did not match the pending flow.
	ErrStateMismatch = errors.New("state parameter mismatch")

	// The authorization server redirected back with an error instead of a code.
	ErrAuthorizationDenied = errors.New("authorization denied")

	// Token request failed, or returned an unusable or inconsistent response.
	ErrTokenExchange = errors.New("token exchange failed")

	// Account DID document does not declare a PDS endpoint.
	ErrNoPDSEndpoint = errors.New("no PDS endpoint for account")

	ErrInvalidClientMetadata     = errors.New("invalid client metadata doc")
	ErrInvalidAuthServerMetadata = errors.New("invalid auth server metadata")
)

// Machine-readable failure reason codes, as shown to end users and recorded in metrics.
const (
	ReasonUnknownHandle      = "unknown_handle"
	ReasonDiscoveryError     = "discovery_error"
	ReasonSessionExpired     = "session_expired"
	ReasonInvalidCredentials = "invalid_credentials"
	ReasonCSRFDetected       = "csrf_detected"
	ReasonAccessDenied       = "access_denied"
	ReasonHandleRequired     = "handle_required"
)

// Error returned by [ClientApp] flow operations. Err wraps one of the package sentinel errors, so callers can use errors.Is.
type FlowError struct {
	Phase  FlowPhase
	Reason string
	Err    error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("oauth %s (%s): %s", e.Phase, e.Reason, e.Err)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

func newFlowError(phase FlowPhase, err error) *FlowError {
	return &FlowError{
		Phase:  phase,
		Reason: ReasonFor(err),
		Err:    err,
	}
}

// Returns the reason code for an error. A [*FlowError] provides its own reason; otherwise the code is derived from the wrapped sentinel error. Unknown errors map to "invalid_credentials".
func ReasonFor(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) && fe.Reason != "" {
		return fe.Reason
	}
	switch {
	case errors.Is(err, ErrHandleRequired):
		return ReasonHandleRequired
	case errors.Is(err, ErrUnknownHandle):
		return ReasonUnknownHandle
	case errors.Is(err, ErrDiscovery):
		return ReasonDiscoveryError
	case errors.Is(err, ErrSessionExpired):
		return ReasonSessionExpired
	case errors.Is(err, ErrStateMismatch):
		return ReasonCSRFDetected
	case errors.Is(err, ErrAuthorizationDenied):
		return ReasonAccessDenied
	default:
		return ReasonInvalidCredentials
	}
}
