package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/bluesky-social/atlogin/atproto/syntax"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// In-process caching wrapper around another [Resolver].
//
// Successful results are cached for the hit TTL; errors are cached, but considered stale after ErrTTL. Concurrent lookups of the same identifier are coalesced into a single inner call.
type CacheResolver struct {
	Inner  Resolver
	ErrTTL time.Duration

	handleCache *expirable.LRU[syntax.Handle, handleEntry]
	didCache    *expirable.LRU[syntax.DID, didEntry]
	group       singleflight.Group
}

type handleEntry struct {
	Updated time.Time
	DID     syntax.DID
	Err     error
}

type didEntry struct {
	Updated time.Time
	Doc     *DIDDocument
	Err     error
}

var _ Resolver = (*CacheResolver)(nil)

// Capacity of zero means unlimited size. Similarly, ttl of zero means unlimited duration.
func NewCacheResolver(inner Resolver, capacity int, hitTTL, errTTL time.Duration) *CacheResolver {
	return &CacheResolver{
		Inner:       inner,
		ErrTTL:      errTTL,
		handleCache: expirable.NewLRU[syntax.Handle, handleEntry](capacity, nil, hitTTL),
		didCache:    expirable.NewLRU[syntax.DID, didEntry](capacity, nil, hitTTL),
	}
}

func (r *CacheResolver) isStale(updated time.Time, err error) bool {
	return err != nil && time.Since(updated) > r.ErrTTL
}

func (r *CacheResolver) ResolveHandle(ctx context.Context, h syntax.Handle) (syntax.DID, error) {
	h = h.Normalize()
	if h.IsInvalidHandle() {
		return "", fmt.Errorf("can not resolve handle: %w", ErrInvalidHandle)
	}
	entry, ok := r.handleCache.Get(h)
	if ok && !r.isStale(entry.Updated, entry.Err) {
		cacheHits.WithLabelValues("memory", "handle").Inc()
		return entry.DID, entry.Err
	}
	cacheMisses.WithLabelValues("memory", "handle").Inc()

	ch := r.group.DoChan("handle:"+h.String(), func() (any, error) {
		// detached from the first caller's cancellation, since other callers may be waiting on the result
		did, err := r.Inner.ResolveHandle(context.WithoutCancel(ctx), h)
		r.handleCache.Add(h, handleEntry{Updated: time.Now(), DID: did, Err: err})
		return did, err
	})
	select {
	case res := <-ch:
		if res.Shared {
			requestsCoalesced.WithLabelValues("memory", "handle").Inc()
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(syntax.DID), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *CacheResolver) ResolveDID(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	entry, ok := r.didCache.Get(did)
	if ok && !r.isStale(entry.Updated, entry.Err) {
		cacheHits.WithLabelValues("memory", "did").Inc()
		return entry.Doc, entry.Err
	}
	cacheMisses.WithLabelValues("memory", "did").Inc()

	ch := r.group.DoChan("did:"+did.String(), func() (any, error) {
		doc, err := r.Inner.ResolveDID(context.WithoutCancel(ctx), did)
		r.didCache.Add(did, didEntry{Updated: time.Now(), Doc: doc, Err: err})
		return doc, err
	})
	select {
	case res := <-ch:
		if res.Shared {
			requestsCoalesced.WithLabelValues("memory", "did").Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*DIDDocument), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Flushes any cached entry for the handle.
func (r *CacheResolver) PurgeHandle(h syntax.Handle) {
	r.handleCache.Remove(h.Normalize())
}

// Flushes any cached entry for the DID.
func (r *CacheResolver) PurgeDID(did syntax.DID) {
	r.didCache.Remove(did)
}
