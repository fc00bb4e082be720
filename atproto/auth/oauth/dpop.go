package oauth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// lifetime of DPoP proof JWTs
var DPoPProofTTL = 30 * time.Second

type dpopClaims struct {
	jwt.RegisteredClaims

	HTTPMethod      string  `json:"htm"`
	TargetURI       string  `json:"htu"`
	AccessTokenHash *string `json:"ath,omitempty"`
	Nonce           *string `json:"nonce,omitempty"`
}

// Generates a fresh, single-session DPoP key.
func NewDPoPKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// Creates a signed DPoP proof JWT for a single HTTP request.
//
// The target URL is stripped of any query or fragment. If accessToken is non-empty, the proof is bound to it with an "ath" claim. If nonce is non-empty it is included as the server-provided nonce.
func NewDPoPJWT(key *ecdsa.PrivateKey, httpMethod, targetURL, nonce, accessToken string) (string, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return "", fmt.Errorf("invalid DPoP target URL: %w", err)
	}
	u.RawQuery = ""
	u.Fragment = ""

	now := time.Now()
	claims := dpopClaims{
		HTTPMethod: httpMethod,
		TargetURI:  u.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        randomNonce(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(DPoPProofTTL)),
		},
	}
	if nonce != "" {
		claims.Nonce = &nonce
	}
	if accessToken != "" {
		ath := accessTokenHash(accessToken)
		claims.AccessTokenHash = &ath
	}

	pub, err := jwk.FromRaw(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("converting DPoP public key to JWK: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = "dpop+jwt"
	token.Header["jwk"] = pub
	return token.SignedString(key)
}

func accessTokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
