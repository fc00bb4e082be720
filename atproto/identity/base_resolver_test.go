package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/bluesky-social/atlogin/atproto/syntax"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sends every request to the test server, keeping the original Host header for routing
type rewriteTransport struct {
	target *url.URL
}

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.Host = req.URL.Host
	out.URL.Scheme = rt.target.Scheme
	out.URL.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(out)
}

func testResolver(t *testing.T, handler http.Handler) *BaseResolver {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	target, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return &BaseResolver{
		PLCURL:                "https://plc.test",
		HTTPClient:            &http.Client{Transport: rewriteTransport{target: target}},
		SkipDNSDomainSuffixes: []string{".test"},
	}
}

func TestBaseResolverHandleWellKnown(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	r := testResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/.well-known/atproto-did" {
			http.NotFound(w, req)
			return
		}
		switch req.Host {
		case "alice.test":
			fmt.Fprintln(w, "did:plc:alice123")
		case "broken.test":
			fmt.Fprint(w, "not-a-did")
		case "flaky.test":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			http.NotFound(w, req)
		}
	}))

	did, err := r.ResolveHandle(ctx, syntax.Handle("Alice.Test"))
	assert.NoError(err)
	assert.Equal(syntax.DID("did:plc:alice123"), did)

	_, err = r.ResolveHandle(ctx, syntax.Handle("nobody.test"))
	assert.ErrorIs(err, ErrHandleNotFound)

	_, err = r.ResolveHandle(ctx, syntax.Handle("broken.test"))
	assert.ErrorIs(err, ErrHandleResolutionFailed)

	_, err = r.ResolveHandle(ctx, syntax.Handle("flaky.test"))
	assert.ErrorIs(err, ErrHandleResolutionFailed)

	_, err = r.ResolveHandle(ctx, syntax.Handle("alice.local"))
	assert.ErrorIs(err, ErrHandleReservedTLD)

	_, err = r.ResolveHandle(ctx, syntax.HandleInvalid)
	assert.ErrorIs(err, ErrInvalidHandle)
}

func TestBaseResolverDID(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	plcDoc := DIDDocument{
		DID: "did:plc:alice123",
		Service: []DocService{{
			ID:              "#atproto_pds",
			Type:            "AtprotoPersonalDataServer",
			ServiceEndpoint: "https://pds.example.com",
		}},
	}
	webDoc := DIDDocument{DID: "did:web:bob.test"}

	r := testResolver(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch {
		case req.Host == "plc.test" && req.URL.Path == "/did:plc:alice123":
			json.NewEncoder(w).Encode(plcDoc)
		case req.Host == "plc.test" && req.URL.Path == "/did:plc:wrongid":
			json.NewEncoder(w).Encode(plcDoc)
		case req.Host == "plc.test" && req.URL.Path == "/did:plc:tombstoned":
			w.WriteHeader(http.StatusGone)
		case req.Host == "bob.test" && req.URL.Path == "/.well-known/did.json":
			json.NewEncoder(w).Encode(webDoc)
		default:
			http.NotFound(w, req)
		}
	}))

	doc, err := r.ResolveDID(ctx, syntax.DID("did:plc:alice123"))
	assert.NoError(err)
	assert.Equal("https://pds.example.com", doc.PDSEndpoint())

	doc, err = r.ResolveDID(ctx, syntax.DID("did:web:bob.test"))
	assert.NoError(err)
	assert.Equal("", doc.PDSEndpoint())

	_, err = r.ResolveDID(ctx, syntax.DID("did:plc:missing"))
	assert.ErrorIs(err, ErrDIDNotFound)

	_, err = r.ResolveDID(ctx, syntax.DID("did:plc:tombstoned"))
	assert.ErrorIs(err, ErrDIDNotFound)

	_, err = r.ResolveDID(ctx, syntax.DID("did:plc:wrongid"))
	assert.ErrorIs(err, ErrDIDResolutionFailed)

	_, err = r.ResolveDID(ctx, syntax.DID("did:key:zQ3shZc2QzApp2oymGvQbzP8eKheVshBHbU4ZYjeXqwSKEn6N"))
	assert.ErrorIs(err, ErrDIDMethodNotSupported)

	_, err = r.ResolveDID(ctx, syntax.DID("did:web:localhost"))
	assert.ErrorIs(err, ErrDIDResolutionFailed)
}
