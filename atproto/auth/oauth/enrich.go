package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/bluesky-social/atlogin/atproto/syntax"

	"github.com/rivo/uniseg"
	"golang.org/x/sync/errgroup"
)

var DefaultAppviewHost = "https://public.api.bsky.app"

// Lexicon limit on app.bsky.actor.profile displayName
const maxDisplayNameGraphemes = 64

// Public profile, as returned by app.bsky.actor.getProfile. Only the fields used for account linking are parsed; the full response is kept in ProfileResult.Raw.
type Profile struct {
	DID         string `json:"did"`
	Handle      string `json:"handle"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// Account session, as returned by com.atproto.server.getSession on the PDS.
type PDSSession struct {
	DID            string `json:"did"`
	Handle         string `json:"handle"`
	Email          string `json:"email,omitempty"`
	EmailConfirmed bool   `json:"emailConfirmed,omitempty"`
}

// Outcome of the profile fetch. Exactly one of Profile or Err is set.
type ProfileResult struct {
	Profile *Profile
	Raw     map[string]any
	Err     error
}

// Outcome of the session fetch. Exactly one of Session or Err is set.
type SessionResult struct {
	Session *PDSSession
	Err     error
}

type EnrichmentResult struct {
	Profile ProfileResult
	Session SessionResult
}

// Adds public profile and private session (email) information to a fresh login. Failures are recorded in the results, never returned.
type ProfileEnricher struct {
	Client      *http.Client
	AppviewHost string
	Logger      *slog.Logger
}

func NewProfileEnricher(client *http.Client, appviewHost string) *ProfileEnricher {
	if appviewHost == "" {
		appviewHost = DefaultAppviewHost
	}
	return &ProfileEnricher{
		Client:      client,
		AppviewHost: strings.TrimSuffix(appviewHost, "/"),
		Logger:      slog.Default().With("system", "oauth-enrich"),
	}
}

// Runs the profile and session fetches concurrently. The token subject is used as the account DID.
func (e *ProfileEnricher) Enrich(ctx context.Context, tok *AccessToken, pdsEndpoint string) EnrichmentResult {
	var res EnrichmentResult
	var g errgroup.Group
	g.Go(func() error {
		res.Profile = e.FetchProfile(ctx, syntax.DID(tok.Subject))
		return nil
	})
	g.Go(func() error {
		res.Session = e.FetchSession(ctx, tok, pdsEndpoint)
		return nil
	})
	_ = g.Wait()

	enrichmentResults.WithLabelValues("profile", resultStatus(res.Profile.Err)).Inc()
	enrichmentResults.WithLabelValues("session", resultStatus(res.Session.Err)).Inc()
	return res
}

func resultStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Fetches the public profile for the DID from the appview. No authentication is used.
func (e *ProfileEnricher) FetchProfile(ctx context.Context, did syntax.DID) ProfileResult {
	u := e.AppviewHost + "/xrpc/app.bsky.actor.getProfile?" + url.Values{"actor": []string{did.String()}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ProfileResult{Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.Client.Do(req)
	if err != nil {
		e.Logger.Warn("profile fetch failed", "did", did, "err", err)
		return ProfileResult{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("profile fetch: HTTP %d", resp.StatusCode)
		e.Logger.Warn("profile fetch failed", "did", did, "statusCode", resp.StatusCode)
		return ProfileResult{Err: err}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		e.Logger.Warn("profile fetch failed", "did", did, "err", err)
		return ProfileResult{Err: err}
	}
	var profile Profile
	var raw map[string]any
	if err := json.Unmarshal(b, &profile); err != nil {
		e.Logger.Warn("profile parse failed", "did", did, "err", err)
		return ProfileResult{Err: fmt.Errorf("profile parse: %w", err)}
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return ProfileResult{Err: fmt.Errorf("profile parse: %w", err)}
	}
	profile.DisplayName = truncateGraphemes(strings.TrimSpace(profile.DisplayName), maxDisplayNameGraphemes)
	return ProfileResult{Profile: &profile, Raw: raw}
}

// Cuts s to at most n grapheme clusters, so multi-codepoint emoji are never split.
func truncateGraphemes(s string, n int) string {
	gr := uniseg.NewGraphemes(s)
	count := 0
	end := 0
	for gr.Next() {
		if count == n {
			return s[:end]
		}
		_, end = gr.Positions()
		count++
	}
	return s
}

// Fetches the account session from the PDS, authenticated with the DPoP-bound access token. Skipped with [ErrNoPDSEndpoint] if there is no PDS.
func (e *ProfileEnricher) FetchSession(ctx context.Context, tok *AccessToken, pdsEndpoint string) SessionResult {
	if pdsEndpoint == "" {
		return SessionResult{Err: ErrNoPDSEndpoint}
	}
	u := strings.TrimSuffix(pdsEndpoint, "/") + "/xrpc/com.atproto.server.getSession"

	resp, err := e.dpopGet(ctx, tok, u)
	if err != nil {
		e.Logger.Warn("session fetch failed", "pds", pdsEndpoint, "err", err)
		return SessionResult{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("session fetch: HTTP %d", resp.StatusCode)
		e.Logger.Warn("session fetch failed", "pds", pdsEndpoint, "statusCode", resp.StatusCode)
		return SessionResult{Err: err}
	}
	var sess PDSSession
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&sess); err != nil {
		e.Logger.Warn("session parse failed", "pds", pdsEndpoint, "err", err)
		return SessionResult{Err: fmt.Errorf("session parse: %w", err)}
	}
	if tok.Subject != "" && sess.DID != "" && sess.DID != tok.Subject {
		err := fmt.Errorf("session DID does not match token subject")
		e.Logger.Warn("session fetch failed", "pds", pdsEndpoint, "err", err)
		return SessionResult{Err: err}
	}
	return SessionResult{Session: &sess}
}

// GET with "Authorization: DPoP" and a token-bound proof. A resource server nonce challenge (401 with DPoP-Nonce) is answered once.
func (e *ProfileEnricher) dpopGet(ctx context.Context, tok *AccessToken, u string) (*http.Response, error) {
	if tok.DPoPKey == nil {
		return nil, fmt.Errorf("access token has no DPoP key")
	}
	// auth server and resource server nonces are independent
	nonce := ""
	for attempt := range 2 {
		proof, err := NewDPoPJWT(tok.DPoPKey, http.MethodGet, u, nonce, tok.AccessToken)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "DPoP "+tok.AccessToken)
		req.Header.Set("DPoP", proof)

		resp, err := e.Client.Do(req)
		if err != nil {
			return nil, err
		}
		newNonce := resp.Header.Get("DPoP-Nonce")
		if attempt == 0 && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest) && newNonce != "" && newNonce != nonce {
			resp.Body.Close()
			nonce = newNonce
			continue
		}
		return resp, nil
	}
	// unreachable: the second attempt always returns
	return nil, fmt.Errorf("DPoP request failed")
}
