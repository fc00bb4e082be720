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
	"time"

	"golang.org/x/sync/singleflight"
)

// Fetches OAuth discovery documents. Requests for the same URL which are in flight at the same time are coalesced. Results are not cached.
type MetadataFetcher struct {
	Client *http.Client
	Logger *slog.Logger

	// per-request timeout, in addition to any client timeout
	Timeout time.Duration

	group singleflight.Group
}

func NewMetadataFetcher(client *http.Client) *MetadataFetcher {
	return &MetadataFetcher{
		Client:  client,
		Logger:  slog.Default().With("system", "oauth-discovery"),
		Timeout: 5 * time.Second,
	}
}

func (f *MetadataFetcher) getJSON(ctx context.Context, u string, out any) error {
	v, err, _ := f.group.Do(u, func() (any, error) {
		ctx := context.WithoutCancel(ctx)
		if f.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, f.Timeout)
			defer cancel()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := f.Client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	})
	if err != nil {
		return err
	}
	if err := json.Unmarshal(v.([]byte), out); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// Fetches the protected resource metadata of a PDS, and returns the first declared authorization server URL.
func (f *MetadataFetcher) FetchAuthServerURL(ctx context.Context, pdsEndpoint string) (string, error) {
	base, err := originURL(pdsEndpoint)
	if err != nil {
		return "", fmt.Errorf("%w: PDS endpoint: %w", ErrDiscovery, err)
	}
	u := base + "/.well-known/oauth-protected-resource"

	var meta ProtectedResourceMetadata
	if err := f.getJSON(ctx, u, &meta); err != nil {
		f.Logger.Warn("protected resource metadata fetch failed", "url", u, "err", err)
		return "", fmt.Errorf("%w: protected resource metadata: %w", ErrDiscovery, err)
	}
	if len(meta.AuthorizationServers) == 0 || meta.AuthorizationServers[0] == "" {
		return "", fmt.Errorf("%w: no authorization server in protected resource metadata", ErrDiscovery)
	}
	return meta.AuthorizationServers[0], nil
}

// Fetches and validates the authorization server metadata for an issuer. The document's issuer must exactly equal the requested issuer.
func (f *MetadataFetcher) FetchAuthServerMetadata(ctx context.Context, issuer string) (*AuthServerMetadata, error) {
	if _, err := originURL(issuer); err != nil {
		return nil, fmt.Errorf("%w: issuer: %w", ErrDiscovery, err)
	}
	u := strings.TrimSuffix(issuer, "/") + "/.well-known/oauth-authorization-server"

	var meta AuthServerMetadata
	if err := f.getJSON(ctx, u, &meta); err != nil {
		f.Logger.Warn("auth server metadata fetch failed", "url", u, "err", err)
		return nil, fmt.Errorf("%w: auth server metadata: %w", ErrDiscovery, err)
	}
	if err := meta.Validate(issuer); err != nil {
		f.Logger.Warn("auth server metadata invalid", "issuer", issuer, "err", err)
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}
	return &AuthServerMetadata{
		Issuer:                meta.Issuer,
		AuthorizationEndpoint: meta.AuthorizationEndpoint,
		TokenEndpoint:         meta.TokenEndpoint,
	}, nil
}

// Checks that the string is an absolute http(s) URL, and returns it without any trailing slash.
func originURL(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("empty URL")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return "", fmt.Errorf("not an absolute http(s) URL: %s", raw)
	}
	return strings.TrimSuffix(raw, "/"), nil
}

// Strategy for finding the authorization server which governs an account.
type Discovery interface {
	DiscoverAuthServer(ctx context.Context, pdsEndpoint string) (*AuthServerMetadata, error)
}

// Two-hop discovery: PDS protected resource metadata, then authorization server metadata.
type PDSDiscovery struct {
	Fetcher *MetadataFetcher
}

var _ Discovery = (*PDSDiscovery)(nil)

func (d *PDSDiscovery) DiscoverAuthServer(ctx context.Context, pdsEndpoint string) (*AuthServerMetadata, error) {
	if pdsEndpoint == "" {
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, ErrNoPDSEndpoint)
	}
	issuer, err := d.Fetcher.FetchAuthServerURL(ctx, pdsEndpoint)
	if err != nil {
		return nil, err
	}
	return d.Fetcher.FetchAuthServerMetadata(ctx, issuer)
}

// Always uses a configured issuer, ignoring the account's PDS.
type FixedIssuerDiscovery struct {
	Fetcher *MetadataFetcher
	Issuer  string
}

var _ Discovery = (*FixedIssuerDiscovery)(nil)

func (d *FixedIssuerDiscovery) DiscoverAuthServer(ctx context.Context, pdsEndpoint string) (*AuthServerMetadata, error) {
	return d.Fetcher.FetchAuthServerMetadata(ctx, d.Issuer)
}
