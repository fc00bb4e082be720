package oauth

import (
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Fake PDS, authorization server, and appview, all on one test HTTP server.
type fakeNetwork struct {
	srv *httptest.Server

	mu sync.Mutex
	// token response "sub"; empty means omitted
	Subject string
	// when set, the auth server metadata declares this issuer instead of its own URL
	IssuerOverride string
	// HTTP status to return for the auth server metadata, if not 200
	MetadataStatus int
	// when set, the token endpoint demands a DPoP nonce on first use
	RequireNonce bool
	// when set, the PDS demands its own DPoP nonce on getSession
	RequireSessionNonce bool
	ProfileStatus       int
	SessionStatus       int
	Email               string
	EmailConfirmed      bool

	TokenRequests   int
	SessionRequests int
	ProfileRequests int
	LastTokenForm   map[string]string
	LastTokenProof  jwt.MapClaims
}

const (
	fakeAccessToken = "access-token-abc"
	fakeNonce       = "server-nonce-1"
)

func newFakeNetwork(t *testing.T) *fakeNetwork {
	fn := &fakeNetwork{
		Subject:        "did:plc:alice123",
		RequireNonce:   true,
		Email:          "alice@example.com",
		EmailConfirmed: true,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", fn.protectedResource)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", fn.authServerMetadata)
	mux.HandleFunc("POST /oauth/token", fn.token)
	mux.HandleFunc("GET /xrpc/com.atproto.server.getSession", fn.getSession)
	mux.HandleFunc("GET /xrpc/app.bsky.actor.getProfile", fn.getProfile)
	fn.srv = httptest.NewServer(mux)
	t.Cleanup(fn.srv.Close)
	return fn
}

func (fn *fakeNetwork) URL() string {
	return fn.srv.URL
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (fn *fakeNetwork) protectedResource(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"resource":              fn.URL(),
		"authorization_servers": []string{fn.URL(), "https://ignored.example.com"},
	})
}

func (fn *fakeNetwork) authServerMetadata(w http.ResponseWriter, r *http.Request) {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	if fn.MetadataStatus != 0 && fn.MetadataStatus != http.StatusOK {
		w.WriteHeader(fn.MetadataStatus)
		return
	}
	issuer := fn.URL()
	if fn.IssuerOverride != "" {
		issuer = fn.IssuerOverride
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                            issuer,
		"authorization_endpoint":            fn.URL() + "/oauth/authorize",
		"token_endpoint":                    fn.URL() + "/oauth/token",
		"scopes_supported":                  []string{"atproto", "transition:email"},
		"dpop_signing_alg_values_supported": []string{"ES256"},
	})
}

// Verifies a DPoP proof signature with its embedded JWK, and returns the claims.
func parseDPoPProof(proof string) (jwt.MapClaims, *jwt.Token, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(proof, claims, func(tok *jwt.Token) (any, error) {
		b, err := json.Marshal(tok.Header["jwk"])
		if err != nil {
			return nil, err
		}
		key, err := jwk.ParseKey(b)
		if err != nil {
			return nil, err
		}
		var pub ecdsa.PublicKey
		if err := key.Raw(&pub); err != nil {
			return nil, err
		}
		return &pub, nil
	}, jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		return nil, nil, err
	}
	return claims, tok, nil
}

func (fn *fakeNetwork) token(w http.ResponseWriter, r *http.Request) {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	fn.TokenRequests++

	claims, _, err := parseDPoPProof(r.Header.Get("DPoP"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_dpop_proof"})
		return
	}
	if fn.RequireNonce && claims["nonce"] != fakeNonce {
		w.Header().Set("DPoP-Nonce", fakeNonce)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "use_dpop_nonce"})
		return
	}

	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	fn.LastTokenForm = map[string]string{}
	for k := range r.PostForm {
		fn.LastTokenForm[k] = r.PostForm.Get(k)
	}
	fn.LastTokenProof = claims

	if r.PostForm.Get("code") != "xyz" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}

	resp := map[string]any{
		"access_token":  fakeAccessToken,
		"token_type":    "DPoP",
		"scope":         "atproto transition:email",
		"refresh_token": "refresh-token-abc",
		"expires_in":    3600,
	}
	if fn.Subject != "" {
		resp["sub"] = fn.Subject
	}
	w.Header().Set("DPoP-Nonce", fakeNonce)
	writeJSON(w, http.StatusOK, resp)
}

func (fn *fakeNetwork) getSession(w http.ResponseWriter, r *http.Request) {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	fn.SessionRequests++

	if r.Header.Get("Authorization") != "DPoP "+fakeAccessToken {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "AuthRequired"})
		return
	}
	claims, _, err := parseDPoPProof(r.Header.Get("DPoP"))
	if err != nil || claims["ath"] != accessTokenHash(fakeAccessToken) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "InvalidToken"})
		return
	}
	if fn.RequireSessionNonce && claims["nonce"] != "pds-nonce" {
		w.Header().Set("DPoP-Nonce", "pds-nonce")
		w.Header().Set("WWW-Authenticate", `DPoP error="use_dpop_nonce"`)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "use_dpop_nonce"})
		return
	}
	if fn.SessionStatus != 0 && fn.SessionStatus != http.StatusOK {
		w.WriteHeader(fn.SessionStatus)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"did":            "did:plc:alice123",
		"handle":         "alice.example.com",
		"email":          fn.Email,
		"emailConfirmed": fn.EmailConfirmed,
	})
}

func (fn *fakeNetwork) getProfile(w http.ResponseWriter, r *http.Request) {
	fn.mu.Lock()
	defer fn.mu.Unlock()
	fn.ProfileRequests++

	if fn.ProfileStatus != 0 && fn.ProfileStatus != http.StatusOK {
		w.WriteHeader(fn.ProfileStatus)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"did":            r.URL.Query().Get("actor"),
		"handle":         "alice.example.com",
		"displayName":    "Alice",
		"avatar":         "https://cdn.example.com/alice.jpg",
		"followersCount": 12,
	})
}
