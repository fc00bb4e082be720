package oauth

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/purell"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Requested scopes: the base atproto scope, plus transitional access to the account email
var DefaultScopes = []string{"atproto", "transition:email"}

const (
	ClientMetadataPath = "/oauth/client-metadata.json"
	JWKSPath           = "/oauth/jwks.json"
	CallbackPath       = "/auth/atproto/callback"
)

func init() {
	// tells JWT library to serialize 'aud' as regular string, not array of strings (when signing)
	jwt.MarshalSingleStringAsArray = false
}

// Static configuration of this OAuth client. Read-only after construction, and safe to share across requests.
type ClientConfig struct {
	// Public base URL of this service, with no trailing slash (eg, "https://app.example.com")
	BaseURL string
	Title   string
	LogoURL string

	// Client assertion signing key. If nil, the client can publish metadata but can not complete logins.
	PrivateKey *ecdsa.PrivateKey

	// RFC 7638 thumbprint of the public key, used as the JWK "kid". Empty if there is no key.
	KeyID string

	// lifetime of client assertion JWTs
	AssertionTTL time.Duration
}

// Creates a new client configuration. The key may be nil. Only P-256 keys are supported.
func NewClientConfig(baseURL, title, logoURL string, key *ecdsa.PrivateKey) (*ClientConfig, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL: must be absolute http(s): %s", baseURL)
	}
	// lowercase scheme and host, drop default port and trailing slash
	clean, err := purell.NormalizeURLString(baseURL, purell.FlagsSafe|purell.FlagRemoveTrailingSlash|purell.FlagRemoveFragment)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	config := ClientConfig{
		BaseURL:      strings.TrimSuffix(clean, "/"),
		Title:        title,
		LogoURL:      logoURL,
		AssertionTTL: 60 * time.Second,
	}
	if key != nil {
		if err := config.SetPrivateKey(key); err != nil {
			return nil, err
		}
	}
	return &config, nil
}

// Configures the signing key, and computes the key ID from it.
func (config *ClientConfig) SetPrivateKey(key *ecdsa.PrivateKey) error {
	if key.Curve != elliptic.P256() {
		return fmt.Errorf("client signing key must be P-256")
	}
	pub, err := publicJWK(key, "")
	if err != nil {
		return err
	}
	tp, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return fmt.Errorf("computing key thumbprint: %w", err)
	}
	config.PrivateKey = key
	config.KeyID = base64.RawURLEncoding.EncodeToString(tp)
	return nil
}

// Whether a signing key is configured. Without one, the client can publish metadata but not authenticate to the token endpoint.
func (config *ClientConfig) HasKey() bool {
	return config.PrivateKey != nil
}

func (config *ClientConfig) ClientID() string {
	return config.BaseURL + ClientMetadataPath
}

func (config *ClientConfig) RedirectURI() string {
	return config.BaseURL + CallbackPath
}

func (config *ClientConfig) Scope() string {
	return strings.Join(DefaultScopes, " ")
}

// Returns the client metadata document. This is a pure function of the configuration.
func (config *ClientConfig) ClientMetadata() ClientMetadata {
	m := ClientMetadata{
		ClientID:                    config.ClientID(),
		ClientName:                  config.Title,
		ClientURI:                   config.BaseURL,
		RedirectURIs:                []string{config.RedirectURI()},
		Scope:                       config.Scope(),
		GrantTypes:                  []string{"authorization_code", "refresh_token"},
		ResponseTypes:               []string{"code"},
		ApplicationType:             "web",
		TokenEndpointAuthMethod:     "private_key_jwt",
		TokenEndpointAuthSigningAlg: "ES256",
		DPoPBoundAccessTokens:       true,
		JWKS:                        config.PublicJWKS(),
	}
	if config.LogoURL != "" {
		logo := config.LogoURL
		m.LogoURI = &logo
	}
	return m
}

// Returns the public part of the signing key as a JWK set, with zero or one keys.
func (config *ClientConfig) PublicJWKS() JWKS {
	jwks := JWKS{Keys: []jwk.Key{}}
	if !config.HasKey() {
		return jwks
	}
	pub, err := publicJWK(config.PrivateKey, config.KeyID)
	if err != nil {
		// key was validated in SetPrivateKey
		return jwks
	}
	jwks.Keys = append(jwks.Keys, pub)
	return jwks
}

func publicJWK(key *ecdsa.PrivateKey, kid string) (jwk.Key, error) {
	pub, err := jwk.FromRaw(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("converting public key to JWK: %w", err)
	}
	if kid != "" {
		if err := pub.Set(jwk.KeyIDKey, kid); err != nil {
			return nil, err
		}
	}
	if err := pub.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
		return nil, err
	}
	if err := pub.Set(jwk.AlgorithmKey, jwa.ES256); err != nil {
		return nil, err
	}
	return pub, nil
}

type clientAssertionClaims struct {
	jwt.RegisteredClaims
}

// Creates a signed client assertion JWT (private_key_jwt) for the given authorization server issuer.
func (config *ClientConfig) NewClientAssertionJWT(issuer string) (string, error) {
	if !config.HasKey() {
		return "", fmt.Errorf("client has no signing key")
	}
	now := time.Now()
	claims := clientAssertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    config.ClientID(),
			Subject:   config.ClientID(),
			Audience:  []string{issuer},
			ID:        randomNonce(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(config.AssertionTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = config.KeyID
	return token.SignedString(config.PrivateKey)
}

// Parses a P-256 private key, either PEM-encoded (SEC 1 "EC PRIVATE KEY" or PKCS #8) or as a JWK JSON object.
func ParsePrivateKey(b []byte) (*ecdsa.PrivateKey, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, errors.New("empty private key")
	}
	var opts []jwk.ParseOption
	if b[0] != '{' {
		opts = append(opts, jwk.WithPEM(true))
	}
	sk, err := jwk.ParseKey(b, opts...)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	var priv ecdsa.PrivateKey
	if err := sk.Raw(&priv); err != nil {
		return nil, fmt.Errorf("private key is not an ECDSA private key: %w", err)
	}
	if priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("unsupported private key curve: %s", priv.Curve.Params().Name)
	}
	return &priv, nil
}

// Generates a new P-256 private key, and returns it PEM-encoded (PKCS #8).
func GeneratePrivateKeyPEM() ([]byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
