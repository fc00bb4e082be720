package oauth

// Position of a single login in the request/callback state machine. Used in errors, logs, and metric labels.
type FlowPhase string

const (
	PhaseStart                  FlowPhase = "start"
	PhaseAwaitingHandle         FlowPhase = "awaiting_handle"
	PhaseDiscovering            FlowPhase = "discovering"
	PhaseRedirectedToAuthServer FlowPhase = "redirected"
	PhaseAwaitingCallback       FlowPhase = "awaiting_callback"
	PhaseExchanging             FlowPhase = "exchanging"
	PhaseComplete               FlowPhase = "complete"
	PhaseFailed                 FlowPhase = "failed"
)

func (p FlowPhase) String() string {
	return string(p)
}
