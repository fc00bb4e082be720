package oauth

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

var ClientAssertionJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Set of public keys, as published in client metadata. Keys is never nil, so it always serializes as an array.
type JWKS struct {
	Keys []jwk.Key `json:"keys"`
}

// Expected response type from looking up OAuth Protected Resource information on a server (eg, a PDS instance)
type ProtectedResourceMetadata struct {
	Resource             string   `json:"resource,omitempty"`
	AuthorizationServers []string `json:"authorization_servers"`
}

type ClientMetadata struct {
	// Must exactly match the full URL used to fetch the client metadata file itself
	ClientID string `json:"client_id"`

	// human-readable name of the client
	ClientName string `json:"client_name,omitempty"`

	// not to be confused with client_id, this is a homepage URL for the client
	ClientURI string `json:"client_uri,omitempty"`

	// URL to client logo. Omitted when not configured
	LogoURI *string `json:"logo_uri,omitempty"`

	// At least one redirect URI is required.
	RedirectURIs []string `json:"redirect_uris"`

	// All scope values which might be requested by the client. The `atproto` scope is required.
	Scope string `json:"scope"`

	// `authorization_code` must always be included
	GrantTypes []string `json:"grant_types"`

	// `code` must be included
	ResponseTypes []string `json:"response_types"`

	// Must be one of `web` or `native`
	ApplicationType string `json:"application_type"`

	// Confidential clients use `private_key_jwt`
	TokenEndpointAuthMethod string `json:"token_endpoint_auth_method"`

	// `none` is never allowed here
	TokenEndpointAuthSigningAlg string `json:"token_endpoint_auth_signing_alg"`

	// DPoP is mandatory for all clients, so this must be present and true
	DPoPBoundAccessTokens bool `json:"dpop_bound_access_tokens"`

	// Public keys for client assertion verification. May be empty if no signing key is configured
	JWKS JWKS `json:"jwks"`
}

// Internal consistency check of a generated client metadata document.
func (m *ClientMetadata) Validate(clientID string) error {
	if m.ClientID == "" || m.ClientID != clientID {
		return fmt.Errorf("%w: client_id", ErrInvalidClientMetadata)
	}
	if !slices.Contains([]string{"web", "native"}, m.ApplicationType) {
		return fmt.Errorf("%w: application_type must be 'web' or 'native'", ErrInvalidClientMetadata)
	}
	if !slices.Contains(m.GrantTypes, "authorization_code") {
		return fmt.Errorf("%w: grant_type must include 'authorization_code'", ErrInvalidClientMetadata)
	}
	if !slices.Contains(strings.Split(m.Scope, " "), "atproto") {
		return fmt.Errorf("%w: scope must include 'atproto'", ErrInvalidClientMetadata)
	}
	if !slices.Contains(m.ResponseTypes, "code") {
		return fmt.Errorf("%w: response_types must include 'code'", ErrInvalidClientMetadata)
	}
	if len(m.RedirectURIs) == 0 {
		return fmt.Errorf("%w: redirect_uris must have at least one element", ErrInvalidClientMetadata)
	}
	if m.ApplicationType == "web" {
		for _, ru := range m.RedirectURIs {
			u, err := url.Parse(ru)
			if err != nil {
				return fmt.Errorf("%w: invalid web redirect_uris: %w", ErrInvalidClientMetadata, err)
			}
			if u.Scheme != "https" && u.Hostname() != "127.0.0.1" && u.Hostname() != "localhost" {
				return fmt.Errorf("%w: web redirect_uris must have 'https' scheme", ErrInvalidClientMetadata)
			}
		}
	}
	if m.TokenEndpointAuthMethod != "private_key_jwt" {
		return fmt.Errorf("%w: unsupported token_endpoint_auth_method", ErrInvalidClientMetadata)
	}
	if m.TokenEndpointAuthSigningAlg == "" || m.TokenEndpointAuthSigningAlg == "none" {
		return fmt.Errorf("%w: token_endpoint_auth_signing_alg must be set, and not 'none'", ErrInvalidClientMetadata)
	}
	if !m.DPoPBoundAccessTokens {
		return fmt.Errorf("%w: dpop_bound_access_tokens must be true (DPoP is required)", ErrInvalidClientMetadata)
	}
	if m.JWKS.Keys == nil {
		return fmt.Errorf("%w: jwks.keys must be an array", ErrInvalidClientMetadata)
	}
	return nil
}

// The subset of authorization server metadata this package relies on. Other fields of the fetched document are discarded.
type AuthServerMetadata struct {
	// the "origin" URL of the Authorization Server. Must exactly match the URL the metadata was fetched for
	Issuer string `json:"issuer"`

	// endpoint URL for authorization redirects
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// endpoint URL for token requests
	TokenEndpoint string `json:"token_endpoint"`
}

// Checks the metadata against the issuer URL it was fetched for: exact string equality of issuer, and absolute http(s) endpoint URLs.
func (m *AuthServerMetadata) Validate(issuer string) error {
	if m.Issuer == "" {
		return fmt.Errorf("%w: empty issuer", ErrInvalidAuthServerMetadata)
	}
	if m.Issuer != issuer {
		return fmt.Errorf("%w: issuer mismatch (%q != %q)", ErrInvalidAuthServerMetadata, m.Issuer, issuer)
	}
	for name, val := range map[string]string{
		"authorization_endpoint": m.AuthorizationEndpoint,
		"token_endpoint":         m.TokenEndpoint,
	} {
		if val == "" {
			return fmt.Errorf("%w: missing %s", ErrInvalidAuthServerMetadata, name)
		}
		u, err := url.Parse(val)
		if err != nil {
			return fmt.Errorf("%w: invalid %s: %w", ErrInvalidAuthServerMetadata, name, err)
		}
		if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" || u.Fragment != "" {
			return fmt.Errorf("%w: invalid %s: %s", ErrInvalidAuthServerMetadata, name, val)
		}
	}
	return nil
}

// The fields which are included in an initial token request. These HTTP POST bodies are form-encoded, so use URL encoding syntax, not JSON.
type InitialTokenRequest struct {
	// Client ID, aka client metadata URL
	ClientID string `url:"client_id"`

	// Auth server will validate that this matches the redirect URI used during the auth flow
	RedirectURI string `url:"redirect_uri"`

	// Always `authorization_code`
	GrantType string `url:"grant_type"`

	// Authorization Code provided by the Auth Server via callback at the end of the auth request flow
	Code string `url:"code"`

	// PKCE verifier string
	CodeVerifier string `url:"code_verifier"`

	// Always "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	ClientAssertionType string `url:"client_assertion_type"`

	// Signed client assertion JWT
	ClientAssertion string `url:"client_assertion"`
}

// Expected response from Auth Server token endpoint.
type TokenResponse struct {
	// Account DID. Optional in the generic OAuth sense, but expected from atproto servers
	Subject string `json:"sub"`

	Scope string `json:"scope"`

	// Opaque access token, for requests to the resource server.
	AccessToken string `json:"access_token"`

	// Expected to be "DPoP"
	TokenType string `json:"token_type"`

	RefreshToken string `json:"refresh_token"`

	ExpiresIn int64 `json:"expires_in"`
}

// Error body returned by OAuth endpoints
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}
