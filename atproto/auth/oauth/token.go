package oauth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/go-querystring/query"
)

// upper bound on response bodies read from OAuth and XRPC endpoints
const maxResponseBytes = 64 * 1024

// Everything needed for an initial authorization code token request.
type TokenRequest struct {
	Code            string
	CodeVerifier    string
	RedirectURI     string
	ClientID        string
	ClientAssertion string
	KeyID           string
	Issuer          string
	TokenEndpoint   string

	// Key the resulting access token will be bound to
	DPoPKey *ecdsa.PrivateKey
}

// The result of a token exchange: the parsed and raw token response, plus the DPoP key and latest server nonce needed to use the access token.
type AccessToken struct {
	AccessToken  string
	TokenType    string
	Scope        string
	Subject      string
	RefreshToken string
	ExpiresIn    int64
	Raw          map[string]any

	DPoPKey   *ecdsa.PrivateKey
	DPoPNonce string
}

// Performs the authorization code token request.
type TokenExchanger interface {
	ExchangeCode(ctx context.Context, req TokenRequest) (*AccessToken, error)
}

// [TokenExchanger] which sends a form-encoded, DPoP-authenticated token request. It does not retry, except to replay once with a server-provided DPoP nonce.
type DPoPTokenClient struct {
	Client *http.Client
	Logger *slog.Logger
}

var _ TokenExchanger = (*DPoPTokenClient)(nil)

func NewDPoPTokenClient(client *http.Client) *DPoPTokenClient {
	return &DPoPTokenClient{
		Client: client,
		Logger: slog.Default().With("system", "oauth-token"),
	}
}

func (c *DPoPTokenClient) ExchangeCode(ctx context.Context, treq TokenRequest) (*AccessToken, error) {
	if treq.DPoPKey == nil {
		return nil, fmt.Errorf("%w: missing DPoP key", ErrTokenExchange)
	}
	body := InitialTokenRequest{
		ClientID:            treq.ClientID,
		RedirectURI:         treq.RedirectURI,
		GrantType:           "authorization_code",
		Code:                treq.Code,
		CodeVerifier:        treq.CodeVerifier,
		ClientAssertionType: ClientAssertionJWTBearer,
		ClientAssertion:     treq.ClientAssertion,
	}
	vals, err := query.Values(body)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding request: %w", ErrTokenExchange, err)
	}
	bodyBytes := []byte(vals.Encode())
	tokenURL := treq.TokenEndpoint

	dpopServerNonce := ""
	var resp *http.Response
	for attempt := range 2 {
		dpopJWT, err := NewDPoPJWT(treq.DPoPKey, http.MethodPost, tokenURL, dpopServerNonce, "")
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTokenExchange, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewBuffer(bodyBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrTokenExchange, err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("DPoP", dpopJWT)

		resp, err = c.Client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: request: %w", ErrTokenExchange, err)
		}

		// only replay once, and only for a nonce challenge with a new nonce
		newNonce := resp.Header.Get("DPoP-Nonce")
		if attempt == 0 && resp.StatusCode == http.StatusBadRequest && newNonce != "" && newNonce != dpopServerNonce {
			errResp := readErrorResponse(resp)
			resp.Body.Close()
			if errResp.Error == "use_dpop_nonce" || errResp.Error == "" {
				c.Logger.Debug("token request needs DPoP nonce, retrying", "authServer", treq.Issuer)
				dpopServerNonce = newNonce
				continue
			}
			c.Logger.Warn("initial token request failed", "authServer", treq.Issuer, "resp", errResp, "statusCode", http.StatusBadRequest)
			return nil, fmt.Errorf("%w: HTTP 400: %s", ErrTokenExchange, errResp.Error)
		}
		if newNonce != "" {
			dpopServerNonce = newNonce
		}
		break
	}

	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errResp := readErrorResponse(resp)
		c.Logger.Warn("initial token request failed", "authServer", treq.Issuer, "resp", errResp, "statusCode", resp.StatusCode)
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrTokenExchange, resp.StatusCode, errResp.Error)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrTokenExchange, err)
	}
	var tokenResp TokenResponse
	if err := json.Unmarshal(raw, &tokenResp); err != nil {
		return nil, fmt.Errorf("%w: token response failed to decode: %w", ErrTokenExchange, err)
	}
	var rawMap map[string]any
	if err := json.Unmarshal(raw, &rawMap); err != nil {
		return nil, fmt.Errorf("%w: token response failed to decode: %w", ErrTokenExchange, err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response missing access_token", ErrTokenExchange)
	}
	if tokenResp.TokenType != "" && !strings.EqualFold(tokenResp.TokenType, "DPoP") {
		return nil, fmt.Errorf("%w: unexpected token_type: %s", ErrTokenExchange, tokenResp.TokenType)
	}

	return &AccessToken{
		AccessToken:  tokenResp.AccessToken,
		TokenType:    tokenResp.TokenType,
		Scope:        tokenResp.Scope,
		Subject:      tokenResp.Subject,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresIn:    tokenResp.ExpiresIn,
		Raw:          rawMap,
		DPoPKey:      treq.DPoPKey,
		DPoPNonce:    dpopServerNonce,
	}, nil
}

// Best-effort parse of an OAuth error body. Never fails; unparseable bodies yield an empty error code.
func readErrorResponse(resp *http.Response) ErrorResponse {
	var errResp ErrorResponse
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errResp
	}
	_ = json.Unmarshal(b, &errResp)
	return errResp
}
