package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/bluesky-social/atlogin/atproto/identity"
	"github.com/bluesky-social/atlogin/atproto/syntax"

	"golang.org/x/oauth2"
)

// Reason code for failures of this service itself (eg, flow state storage), rather than of the login
const ReasonInternalError = "internal_error"

// Enrichment is not attempted when the token response does not identify the account.
var ErrEnrichmentSkipped = errors.New("enrichment skipped: token response has no subject")

// Resolution steps needed to find an account's PDS. Implemented by all [identity.Resolver] types.
type IdentityResolver interface {
	ResolveHandle(ctx context.Context, handle syntax.Handle) (syntax.DID, error)
	ResolveDID(ctx context.Context, did syntax.DID) (*identity.DIDDocument, error)
}

// High-level login flow controller. A single instance is shared by all requests; it holds no per-login state itself.
type ClientApp struct {
	Config    *ClientConfig
	Resolver  IdentityResolver
	Discovery Discovery
	Store     FlowStore
	Tokens    TokenExchanger

	// If nil, identities are returned without profile or email information
	Enricher *ProfileEnricher
	Logger   *slog.Logger
}

// Creates a ClientApp with PDS-based discovery, the DPoP token client, and enrichment against the default appview. The HTTP client is used for all discovery, token, and enrichment requests, and should not retry.
func NewClientApp(config *ClientConfig, resolver IdentityResolver, store FlowStore, client *http.Client) *ClientApp {
	fetcher := NewMetadataFetcher(client)
	return &ClientApp{
		Config:    config,
		Resolver:  resolver,
		Discovery: &PDSDiscovery{Fetcher: fetcher},
		Store:     store,
		Tokens:    NewDPoPTokenClient(client),
		Enricher:  NewProfileEnricher(client, DefaultAppviewHost),
		Logger:    slog.Default().With("system", "oauth"),
	}
}

func (app *ClientApp) discoveryName() string {
	switch app.Discovery.(type) {
	case *PDSDiscovery:
		return "pds"
	case *FixedIssuerDiscovery:
		return "fixed"
	default:
		return "custom"
	}
}

func (app *ClientApp) fail(phase FlowPhase, start time.Time, err error) *FlowError {
	fe, ok := err.(*FlowError)
	if !ok {
		fe = newFlowError(phase, err)
	}
	flowFailures.WithLabelValues(string(fe.Phase), fe.Reason).Inc()
	flowDuration.WithLabelValues(string(fe.Phase), "error").Observe(time.Since(start).Seconds())
	return fe
}

// Resolves the handle, discovers the account's authorization server, saves a new pending flow for the browser session, and returns the authorization URL to redirect to.
//
// Nothing is saved if any step fails.
func (app *ClientApp) StartAuthFlow(ctx context.Context, sessionID, rawHandle string) (string, error) {
	start := time.Now()
	logger := app.Logger.With("handle", rawHandle)

	if strings.TrimSpace(rawHandle) == "" {
		// not counted as a failure: the caller should render the handle form
		return "", newFlowError(PhaseAwaitingHandle, ErrHandleRequired)
	}

	handle, err := syntax.ParseHandleInput(rawHandle)
	if err != nil {
		logger.Info("invalid handle syntax", "err", err)
		return "", app.fail(PhaseDiscovering, start, fmt.Errorf("%w: %w", ErrUnknownHandle, err))
	}

	did, err := app.Resolver.ResolveHandle(ctx, handle)
	if err != nil {
		logger.Info("handle resolution failed", "err", err)
		return "", app.fail(PhaseDiscovering, start, fmt.Errorf("%w: %w", ErrUnknownHandle, err))
	}
	if did == "" {
		return "", app.fail(PhaseDiscovering, start, fmt.Errorf("%w: handle did not resolve to a DID", ErrUnknownHandle))
	}
	logger = logger.With("did", did)

	doc, err := app.Resolver.ResolveDID(ctx, did)
	if err != nil {
		logger.Warn("DID resolution failed", "err", err)
		return "", app.fail(PhaseDiscovering, start, fmt.Errorf("%w: resolving DID: %w", ErrDiscovery, err))
	}
	// the handle only counts if the DID document claims it back
	declared, err := doc.DeclaredHandle()
	if err != nil || declared != handle.Normalize() {
		logger.Info("handle not confirmed by DID document", "declared", declared, "err", err)
		return "", app.fail(PhaseDiscovering, start, fmt.Errorf("%w: DID document does not declare handle %s", ErrUnknownHandle, handle))
	}
	pdsEndpoint := doc.PDSEndpoint()

	authServer, err := app.Discovery.DiscoverAuthServer(ctx, pdsEndpoint)
	if err != nil {
		logger.Warn("authorization server discovery failed", "pds", pdsEndpoint, "err", err)
		if !errors.Is(err, ErrDiscovery) {
			err = fmt.Errorf("%w: %w", ErrDiscovery, err)
		}
		return "", app.fail(PhaseDiscovering, start, err)
	}

	state := FlowState{
		State:        randomNonce(),
		AuthServer:   *authServer,
		PKCEVerifier: oauth2.GenerateVerifier(),
		Handle:       handle,
		DID:          did,
		PDSEndpoint:  pdsEndpoint,
		CreatedAt:    time.Now(),
	}
	if err := app.Store.SaveFlowState(ctx, sessionID, state); err != nil {
		logger.Error("failed to save flow state", "err", err)
		return "", app.fail(PhaseDiscovering, start, &FlowError{Phase: PhaseDiscovering, Reason: ReasonInternalError, Err: err})
	}

	redirectURL := app.authCodeURL(&state)
	flowsStarted.WithLabelValues(app.discoveryName()).Inc()
	flowDuration.WithLabelValues(string(PhaseRedirectedToAuthServer), "success").Observe(time.Since(start).Seconds())
	logger.Info("redirecting to authorization server", "issuer", authServer.Issuer, "pds", pdsEndpoint)
	return redirectURL, nil
}

func (app *ClientApp) oauth2Config(as *AuthServerMetadata) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    app.Config.ClientID(),
		RedirectURL: app.Config.RedirectURI(),
		Scopes:      DefaultScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  as.AuthorizationEndpoint,
			TokenURL: as.TokenEndpoint,
		},
	}
}

func (app *ClientApp) authCodeURL(st *FlowState) string {
	return app.oauth2Config(&st.AuthServer).AuthCodeURL(
		st.State,
		oauth2.S256ChallengeOption(st.PKCEVerifier),
		oauth2.SetAuthURLParam("login_hint", st.Handle.String()),
	)
}

// Completes a login: consumes the pending flow for the browser session, validates the callback parameters, exchanges the code, and enriches the result.
//
// A flow can only be consumed once, so replayed callbacks fail with [ErrSessionExpired] without contacting the authorization server.
func (app *ClientApp) ProcessCallback(ctx context.Context, sessionID string, params url.Values) (*AccountIdentity, error) {
	start := time.Now()

	st, err := app.Store.ConsumeFlowState(ctx, sessionID)
	if errors.Is(err, ErrFlowStateNotFound) {
		app.Logger.Info("callback without pending flow")
		return nil, app.fail(PhaseAwaitingCallback, start, fmt.Errorf("%w: please try again", ErrSessionExpired))
	}
	if err != nil {
		app.Logger.Error("failed to load flow state", "err", err)
		return nil, app.fail(PhaseAwaitingCallback, start, &FlowError{Phase: PhaseAwaitingCallback, Reason: ReasonInternalError, Err: err})
	}
	logger := app.Logger.With("handle", st.Handle, "did", st.DID, "issuer", st.AuthServer.Issuer)

	if errCode := params.Get("error"); errCode != "" {
		logger.Info("authorization denied", "error", errCode, "description", params.Get("error_description"))
		return nil, app.fail(PhaseAwaitingCallback, start, fmt.Errorf("%w: %s", ErrAuthorizationDenied, errCode))
	}

	if subtle.ConstantTimeCompare([]byte(params.Get("state")), []byte(st.State)) != 1 {
		logger.Warn("callback state mismatch")
		return nil, app.fail(PhaseAwaitingCallback, start, ErrStateMismatch)
	}

	// RFC 9207: if the server identifies itself, it must be the server this flow was started with
	if iss := params.Get("iss"); iss != "" && iss != st.AuthServer.Issuer {
		logger.Warn("callback issuer mismatch", "iss", iss)
		return nil, app.fail(PhaseAwaitingCallback, start, fmt.Errorf("%w: issuer mismatch", ErrTokenExchange))
	}

	code := params.Get("code")
	if code == "" {
		return nil, app.fail(PhaseAwaitingCallback, start, fmt.Errorf("%w: missing code", ErrTokenExchange))
	}

	tok, err := app.exchange(ctx, st, code)
	if err != nil {
		logger.Warn("token exchange failed", "err", err)
		return nil, app.fail(PhaseExchanging, start, err)
	}

	ident := AccountIdentity{
		Handle:      st.Handle,
		PDSEndpoint: st.PDSEndpoint,
		AuthServer:  st.AuthServer.Issuer,
	}

	if tok.Subject == "" {
		logger.Warn("token response has no subject; skipping enrichment")
		ident.ProfileErr = ErrEnrichmentSkipped
		ident.SessionErr = ErrEnrichmentSkipped
	} else {
		sub, err := syntax.ParseDID(tok.Subject)
		if err != nil || sub != st.DID {
			logger.Warn("token subject mismatch", "sub", tok.Subject)
			return nil, app.fail(PhaseExchanging, start, fmt.Errorf("%w: subject mismatch", ErrTokenExchange))
		}
		ident.DID = sub
		app.enrich(ctx, &ident, tok)
	}

	flowsCompleted.Inc()
	flowDuration.WithLabelValues(string(PhaseComplete), "success").Observe(time.Since(start).Seconds())
	logger.Info("login complete", "emailVerified", ident.PrimaryEmailVerified())
	return &ident, nil
}

func (app *ClientApp) exchange(ctx context.Context, st *FlowState, code string) (*AccessToken, error) {
	assertion, err := app.Config.NewClientAssertionJWT(st.AuthServer.Issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: client assertion: %w", ErrTokenExchange, err)
	}
	dpopKey, err := NewDPoPKey()
	if err != nil {
		return nil, fmt.Errorf("%w: DPoP key: %w", ErrTokenExchange, err)
	}

	tok, err := app.Tokens.ExchangeCode(ctx, TokenRequest{
		Code:            code,
		CodeVerifier:    st.PKCEVerifier,
		RedirectURI:     app.Config.RedirectURI(),
		ClientID:        app.Config.ClientID(),
		ClientAssertion: assertion,
		KeyID:           app.Config.KeyID,
		Issuer:          st.AuthServer.Issuer,
		TokenEndpoint:   st.AuthServer.TokenEndpoint,
		DPoPKey:         dpopKey,
	})
	if err != nil {
		if !errors.Is(err, ErrTokenExchange) {
			err = fmt.Errorf("%w: %w", ErrTokenExchange, err)
		}
		return nil, err
	}
	if tok.Scope != "" && !slices.Contains(strings.Fields(tok.Scope), "atproto") {
		return nil, fmt.Errorf("%w: granted scope does not include atproto", ErrTokenExchange)
	}
	return tok, nil
}

func (app *ClientApp) enrich(ctx context.Context, ident *AccountIdentity, tok *AccessToken) {
	if app.Enricher == nil {
		ident.ProfileErr = ErrEnrichmentSkipped
		ident.SessionErr = ErrEnrichmentSkipped
		return
	}
	res := app.Enricher.Enrich(ctx, tok, ident.PDSEndpoint)

	ident.ProfileErr = res.Profile.Err
	if p := res.Profile.Profile; p != nil {
		ident.DisplayName = p.DisplayName
		ident.AvatarURL = p.Avatar
		ident.RawProfile = res.Profile.Raw
		// the profile handle is the current, verified one
		if h, err := syntax.ParseHandle(p.Handle); err == nil && !h.IsInvalidHandle() {
			ident.Handle = h.Normalize()
		}
	}

	ident.SessionErr = res.Session.Err
	if s := res.Session.Session; s != nil {
		ident.Email = s.Email
		ident.EmailConfirmed = s.EmailConfirmed
	}
}
