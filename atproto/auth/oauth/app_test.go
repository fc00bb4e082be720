package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/bluesky-social/atlogin/atproto/identity"
	"github.com/bluesky-social/atlogin/atproto/syntax"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testApp struct {
	*ClientApp
	fn       *fakeNetwork
	store    *MemFlowStore
	resolver *identity.MockResolver
}

func newTestApp(t *testing.T) *testApp {
	fn := newFakeNetwork(t)
	config, err := NewClientConfig("https://app.example.com", "Test", "", testKey(t))
	require.NoError(t, err)

	resolver := identity.NewMockResolver()
	resolver.Insert("alice.example.com", "did:plc:alice123", fn.URL())
	resolver.Insert("nopds.example.com", "did:plc:nopds", "")

	store := NewMemFlowStore(10 * time.Minute)
	app := NewClientApp(config, resolver, store, fn.srv.Client())
	app.Enricher.AppviewHost = fn.URL()
	return &testApp{ClientApp: app, fn: fn, store: store, resolver: resolver}
}

// Starts a flow for alice, and returns the parsed authorization redirect.
func (ta *testApp) start(t *testing.T, sessionID string) url.Values {
	redirect, err := ta.StartAuthFlow(context.Background(), sessionID, "@Alice.Example.com ")
	require.NoError(t, err)
	u, err := url.Parse(redirect)
	require.NoError(t, err)
	require.Equal(t, ta.fn.URL()+"/oauth/authorize", u.Scheme+"://"+u.Host+u.Path)
	return u.Query()
}

func assertFlowError(t *testing.T, err error, sentinel error, reason string) {
	var fe *FlowError
	require.True(t, errors.As(err, &fe), "expected *FlowError, got %T: %v", err, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, reason, fe.Reason)
	assert.Equal(t, reason, ReasonFor(err))
}

func TestStartAuthFlow(t *testing.T) {
	assert := assert.New(t)
	ta := newTestApp(t)

	q := ta.start(t, "session-1")
	assert.Equal("code", q.Get("response_type"))
	assert.Equal("https://app.example.com/oauth/client-metadata.json", q.Get("client_id"))
	assert.Equal("https://app.example.com/auth/atproto/callback", q.Get("redirect_uri"))
	assert.Equal("atproto transition:email", q.Get("scope"))
	assert.Equal("S256", q.Get("code_challenge_method"))
	assert.NotEmpty(q.Get("code_challenge"))
	assert.Equal("alice.example.com", q.Get("login_hint"))
	assert.NotEmpty(q.Get("state"))

	assert.Equal(1, ta.store.Len())
	st, err := ta.store.ConsumeFlowState(context.Background(), "session-1")
	require.NoError(t, err)
	assert.Equal(q.Get("state"), st.State)
	assert.Equal(syntax.DID("did:plc:alice123"), st.DID)
	assert.Equal(syntax.Handle("alice.example.com"), st.Handle)
	assert.Equal(ta.fn.URL(), st.PDSEndpoint)
	assert.Equal(ta.fn.URL(), st.AuthServer.Issuer)
	assert.NotEqual(st.PKCEVerifier, q.Get("code_challenge"))
}

func TestStartAuthFlowFailures(t *testing.T) {
	ctx := context.Background()
	ta := newTestApp(t)

	_, err := ta.StartAuthFlow(ctx, "session-1", "   ")
	assertFlowError(t, err, ErrHandleRequired, ReasonHandleRequired)

	_, err = ta.StartAuthFlow(ctx, "session-1", "not a handle")
	assertFlowError(t, err, ErrUnknownHandle, ReasonUnknownHandle)

	_, err = ta.StartAuthFlow(ctx, "session-1", "unknown.example.com")
	assertFlowError(t, err, ErrUnknownHandle, ReasonUnknownHandle)

	// resolves, but the DID document declares a different handle
	ta.resolver.Handles["mallory.example.com"] = "did:plc:alice123"
	_, err = ta.StartAuthFlow(ctx, "session-1", "mallory.example.com")
	assertFlowError(t, err, ErrUnknownHandle, ReasonUnknownHandle)

	_, err = ta.StartAuthFlow(ctx, "session-1", "nopds.example.com")
	assertFlowError(t, err, ErrDiscovery, ReasonDiscoveryError)

	ta.fn.MetadataStatus = http.StatusInternalServerError
	_, err = ta.StartAuthFlow(ctx, "session-1", "alice.example.com")
	assertFlowError(t, err, ErrDiscovery, ReasonDiscoveryError)

	ta.fn.MetadataStatus = 0
	ta.fn.IssuerOverride = "https://evil.example.com"
	_, err = ta.StartAuthFlow(ctx, "session-1", "alice.example.com")
	assertFlowError(t, err, ErrDiscovery, ReasonDiscoveryError)

	// nothing was persisted by any failed attempt
	assert.Equal(t, 0, ta.store.Len())
}

func TestProcessCallback(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	ta := newTestApp(t)

	q := ta.start(t, "session-1")
	params := url.Values{
		"state": []string{q.Get("state")},
		"code":  []string{"xyz"},
		"iss":   []string{ta.fn.URL()},
	}
	ident, err := ta.ProcessCallback(ctx, "session-1", params)
	require.NoError(t, err)

	assert.Equal(syntax.DID("did:plc:alice123"), ident.DID)
	assert.Equal(syntax.Handle("alice.example.com"), ident.Handle)
	assert.Equal("alice@example.com", ident.Email)
	assert.True(ident.PrimaryEmailVerified())
	assert.Equal("Alice", ident.Name())
	assert.Equal("alice", ident.Username())
	assert.Equal("https://cdn.example.com/alice.jpg", ident.AvatarURL)
	assert.Equal(ta.fn.URL(), ident.PDSEndpoint)
	assert.Equal(ta.fn.URL(), ident.AuthServer)
	assert.NoError(ident.ProfileErr)
	assert.NoError(ident.SessionErr)

	// token request carried the PKCE verifier and a client assertion for this issuer
	form := ta.fn.LastTokenForm
	assert.NotEmpty(form["code_verifier"])
	assert.Equal(ClientAssertionJWTBearer, form["client_assertion_type"])
	assert.NotEmpty(form["client_assertion"])
	assert.Equal(2, ta.fn.TokenRequests)

	// replay is rejected without contacting the token endpoint
	_, err = ta.ProcessCallback(ctx, "session-1", params)
	assertFlowError(t, err, ErrSessionExpired, ReasonSessionExpired)
	assert.Equal(2, ta.fn.TokenRequests)
}

func TestProcessCallbackUnverifiedEmail(t *testing.T) {
	assert := assert.New(t)
	ta := newTestApp(t)
	ta.fn.EmailConfirmed = false

	q := ta.start(t, "session-1")
	ident, err := ta.ProcessCallback(context.Background(), "session-1", url.Values{
		"state": []string{q.Get("state")},
		"code":  []string{"xyz"},
	})
	require.NoError(t, err)
	assert.Equal("alice@example.com", ident.Email)
	assert.False(ident.PrimaryEmailVerified())
}

func TestProcessCallbackEnrichmentFailure(t *testing.T) {
	assert := assert.New(t)
	ta := newTestApp(t)
	ta.fn.ProfileStatus = http.StatusBadGateway
	ta.fn.SessionStatus = http.StatusInternalServerError

	q := ta.start(t, "session-1")
	ident, err := ta.ProcessCallback(context.Background(), "session-1", url.Values{
		"state": []string{q.Get("state")},
		"code":  []string{"xyz"},
	})
	require.NoError(t, err)
	assert.Equal(syntax.DID("did:plc:alice123"), ident.DID)
	assert.Error(ident.ProfileErr)
	assert.Error(ident.SessionErr)
	assert.False(ident.PrimaryEmailVerified())
	// falls back to the handle
	assert.Equal("alice.example.com", ident.Name())
}

func TestProcessCallbackFailures(t *testing.T) {
	ctx := context.Background()
	ta := newTestApp(t)

	// no pending flow
	_, err := ta.ProcessCallback(ctx, "session-none", url.Values{"state": []string{"abc"}, "code": []string{"xyz"}})
	assertFlowError(t, err, ErrSessionExpired, ReasonSessionExpired)

	// authorization server returned an error
	ta.start(t, "session-1")
	_, err = ta.ProcessCallback(ctx, "session-1", url.Values{"error": []string{"access_denied"}, "error_description": []string{"user declined"}})
	assertFlowError(t, err, ErrAuthorizationDenied, ReasonAccessDenied)

	// state mismatch
	ta.start(t, "session-1")
	_, err = ta.ProcessCallback(ctx, "session-1", url.Values{"state": []string{"forged"}, "code": []string{"xyz"}})
	assertFlowError(t, err, ErrStateMismatch, ReasonCSRFDetected)

	// the failed callback still consumed the flow
	_, err = ta.ProcessCallback(ctx, "session-1", url.Values{"state": []string{"forged"}, "code": []string{"xyz"}})
	assertFlowError(t, err, ErrSessionExpired, ReasonSessionExpired)

	// issuer mismatch
	q := ta.start(t, "session-1")
	_, err = ta.ProcessCallback(ctx, "session-1", url.Values{"state": []string{q.Get("state")}, "code": []string{"xyz"}, "iss": []string{"https://evil.example.com"}})
	assertFlowError(t, err, ErrTokenExchange, ReasonInvalidCredentials)

	// missing code
	q = ta.start(t, "session-1")
	_, err = ta.ProcessCallback(ctx, "session-1", url.Values{"state": []string{q.Get("state")}})
	assertFlowError(t, err, ErrTokenExchange, ReasonInvalidCredentials)

	// code rejected by the token endpoint
	q = ta.start(t, "session-1")
	_, err = ta.ProcessCallback(ctx, "session-1", url.Values{"state": []string{q.Get("state")}, "code": []string{"wrong"}})
	assertFlowError(t, err, ErrTokenExchange, ReasonInvalidCredentials)

	// token issued for a different account
	ta.fn.Subject = "did:plc:mallory"
	q = ta.start(t, "session-1")
	_, err = ta.ProcessCallback(ctx, "session-1", url.Values{"state": []string{q.Get("state")}, "code": []string{"xyz"}})
	assertFlowError(t, err, ErrTokenExchange, ReasonInvalidCredentials)
	assert.Contains(t, err.Error(), "subject mismatch")
}

func TestProcessCallbackNoSubject(t *testing.T) {
	assert := assert.New(t)
	ta := newTestApp(t)
	ta.fn.Subject = ""

	q := ta.start(t, "session-1")
	ident, err := ta.ProcessCallback(context.Background(), "session-1", url.Values{
		"state": []string{q.Get("state")},
		"code":  []string{"xyz"},
	})
	require.NoError(t, err)
	assert.Equal(syntax.DID(""), ident.DID)
	assert.ErrorIs(ident.ProfileErr, ErrEnrichmentSkipped)
	assert.ErrorIs(ident.SessionErr, ErrEnrichmentSkipped)
	assert.Equal(0, ta.fn.ProfileRequests)
	assert.Equal(0, ta.fn.SessionRequests)
}

func TestReasonFor(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(ReasonUnknownHandle, ReasonFor(ErrUnknownHandle))
	assert.Equal(ReasonDiscoveryError, ReasonFor(errors.Join(errors.New("x"), ErrDiscovery)))
	assert.Equal(ReasonInvalidCredentials, ReasonFor(errors.New("something else")))
	assert.Equal(ReasonInternalError, ReasonFor(&FlowError{Phase: PhaseDiscovering, Reason: ReasonInternalError, Err: errors.New("db down")}))
}
