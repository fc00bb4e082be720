package identity

import (
	"context"
	"sync"

	"github.com/bluesky-social/atlogin/atproto/syntax"
)

// A fake identity resolver, for use in tests
type MockResolver struct {
	mu        sync.RWMutex
	Handles   map[syntax.Handle]syntax.DID
	Documents map[syntax.DID]DIDDocument
}

var _ Resolver = (*MockResolver)(nil)

func NewMockResolver() *MockResolver {
	return &MockResolver{
		Handles:   make(map[syntax.Handle]syntax.DID),
		Documents: make(map[syntax.DID]DIDDocument),
	}
}

// Registers an account with the given handle, DID, and PDS endpoint. An empty PDS endpoint results in a DID document with no services.
func (r *MockResolver) Insert(handle syntax.Handle, did syntax.DID, pdsEndpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := DIDDocument{
		DID:         did,
		AlsoKnownAs: []string{"at://" + handle.Normalize().String()},
	}
	if pdsEndpoint != "" {
		doc.Service = []DocService{{
			ID:              "#atproto_pds",
			Type:            "AtprotoPersonalDataServer",
			ServiceEndpoint: pdsEndpoint,
		}}
	}
	if !handle.IsInvalidHandle() {
		r.Handles[handle.Normalize()] = did
	}
	r.Documents[did] = doc
}

func (r *MockResolver) ResolveHandle(ctx context.Context, h syntax.Handle) (syntax.DID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	did, ok := r.Handles[h.Normalize()]
	if !ok {
		return "", ErrHandleNotFound
	}
	return did, nil
}

func (r *MockResolver) ResolveDID(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	doc, ok := r.Documents[did]
	if !ok {
		return nil, ErrDIDNotFound
	}
	return &doc, nil
}
