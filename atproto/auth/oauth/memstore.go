package oauth

import (
	"context"
	"sync"
	"time"
)

// Simple in-memory implementation of [FlowStore]. Pending flows are lost on restart, and are not shared between processes.
type MemFlowStore struct {
	TTL time.Duration

	lk    sync.Mutex
	flows map[string]FlowState
}

var _ FlowStore = (*MemFlowStore)(nil)

func NewMemFlowStore(ttl time.Duration) *MemFlowStore {
	return &MemFlowStore{
		TTL:   ttl,
		flows: make(map[string]FlowState),
	}
}

func (m *MemFlowStore) expired(st *FlowState, now time.Time) bool {
	return m.TTL > 0 && now.Sub(st.CreatedAt) > m.TTL
}

func (m *MemFlowStore) SaveFlowState(ctx context.Context, sessionID string, state FlowState) error {
	m.lk.Lock()
	defer m.lk.Unlock()

	now := time.Now()
	// opportunistically drop abandoned flows
	for k, st := range m.flows {
		if m.expired(&st, now) {
			delete(m.flows, k)
		}
	}
	m.flows[sessionID] = state
	return nil
}

func (m *MemFlowStore) ConsumeFlowState(ctx context.Context, sessionID string) (*FlowState, error) {
	m.lk.Lock()
	defer m.lk.Unlock()

	st, ok := m.flows[sessionID]
	if !ok {
		return nil, ErrFlowStateNotFound
	}
	delete(m.flows, sessionID)
	if m.expired(&st, time.Now()) {
		return nil, ErrFlowStateNotFound
	}
	return &st, nil
}

// Number of pending flows, including any which have expired but not yet been cleaned up.
func (m *MemFlowStore) Len() int {
	m.lk.Lock()
	defer m.lk.Unlock()
	return len(m.flows)
}
