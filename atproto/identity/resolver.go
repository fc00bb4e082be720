package identity

import (
	"context"

	"github.com/bluesky-social/atlogin/atproto/syntax"
)

// Low-level interface for resolving atproto handles and DIDs.
//
// Neither method does bi-directional verification: a handle resolves to whatever DID its DNS or well-known record declares.
type Resolver interface {
	ResolveHandle(ctx context.Context, handle syntax.Handle) (syntax.DID, error)
	ResolveDID(ctx context.Context, did syntax.DID) (*DIDDocument, error)
}
