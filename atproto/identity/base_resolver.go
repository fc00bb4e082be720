package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bluesky-social/atlogin/atproto/syntax"
	"github.com/bluesky-social/atlogin/pkg/robusthttp"

	"golang.org/x/time/rate"
)

var DefaultPLCURL = "https://plc.directory"

// Resolves handles (DNS TXT, then HTTPS well-known) and DIDs (did:plc via a PLC directory, did:web via HTTPS) directly against the network.
//
// The zero value is usable, but [DefaultBaseResolver] has better timeouts and retry behavior.
type BaseResolver struct {
	// if non-empty, this string should have URL method, hostname, and optional port; it should not have a path or trailing slash
	PLCURL string
	// If not nil, this limiter will be used to rate-limit requests to the PLCURL
	PLCLimiter *rate.Limiter
	// HTTP client used for did:web, did:plc, and HTTP (well-known) handle resolution. Defaults to [http.DefaultClient]
	HTTPClient *http.Client
	// DNS resolver used for DNS handle resolution
	Resolver net.Resolver
	// set of handle domain suffixes for which DNS handle resolution will be skipped
	SkipDNSDomainSuffixes []string
	// URL scheme used for handle well-known and did:web fetches. Defaults to "https"; only tests should change this
	WebScheme string
	Logger    *slog.Logger
}

var _ Resolver = (*BaseResolver)(nil)

// Returns a BaseResolver configured for production use: the robust HTTP client with the given number of retries, and a short DNS dial timeout.
func DefaultBaseResolver(plcURL string, timeout time.Duration, retries int) *BaseResolver {
	if plcURL == "" {
		plcURL = DefaultPLCURL
	}
	logger := slog.Default().With("system", "identity")
	return &BaseResolver{
		PLCURL: plcURL,
		// 10 requests per second, with a small burst
		PLCLimiter: rate.NewLimiter(rate.Limit(10), 20),
		HTTPClient: robusthttp.NewClient(
			robusthttp.WithMaxRetries(retries),
			robusthttp.WithTimeout(timeout),
			robusthttp.WithLogger(logger),
		),
		Resolver: net.Resolver{
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				d := net.Dialer{Timeout: time.Second * 3}
				return d.DialContext(ctx, network, address)
			},
		},
		// primary Bluesky PDS instance only supports HTTP resolution method
		SkipDNSDomainSuffixes: []string{".bsky.social"},
		Logger:                logger,
	}
}

func (r *BaseResolver) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return http.DefaultClient
}

func (r *BaseResolver) scheme() string {
	if r.WebScheme != "" {
		return r.WebScheme
	}
	return "https"
}

func (r *BaseResolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Resolves a handle to a DID. DNS is tried first (unless the handle matches SkipDNSDomainSuffixes), then the HTTPS well-known route.
//
// Does not cross-verify the DID document "alsoKnownAs" declaration.
func (r *BaseResolver) ResolveHandle(ctx context.Context, handle syntax.Handle) (syntax.DID, error) {
	start := time.Now()
	did, err := r.resolveHandle(ctx, handle)
	status := "success"
	if errors.Is(err, ErrHandleNotFound) {
		status = "notfound"
	} else if err != nil {
		status = "error"
	}
	handleResolution.WithLabelValues("base", status).Inc()
	handleResolutionDuration.WithLabelValues("base", status).Observe(time.Since(start).Seconds())
	return did, err
}

func (r *BaseResolver) resolveHandle(ctx context.Context, handle syntax.Handle) (syntax.DID, error) {
	handle = handle.Normalize()
	if handle.IsInvalidHandle() {
		return "", fmt.Errorf("can not resolve handle: %w", ErrInvalidHandle)
	}
	if !handle.AllowedTLD() {
		return "", ErrHandleReservedTLD
	}

	tryDNS := true
	for _, suffix := range r.SkipDNSDomainSuffixes {
		if strings.HasSuffix(handle.String(), suffix) {
			tryDNS = false
			break
		}
	}

	var dnsErr error
	if tryDNS {
		did, err := r.ResolveHandleDNS(ctx, handle)
		if err == nil {
			return did, nil
		}
		dnsErr = err
	}

	did, httpErr := r.ResolveHandleWellKnown(ctx, handle)
	if httpErr == nil {
		return did, nil
	}

	// NXDOMAIN-style answers from both methods mean the handle definitively does not exist
	if errors.Is(httpErr, ErrHandleNotFound) && (dnsErr == nil || errors.Is(dnsErr, ErrHandleNotFound)) {
		return "", ErrHandleNotFound
	}
	if dnsErr != nil {
		r.logger().Debug("handle resolution failed", "handle", handle, "dnsErr", dnsErr, "httpErr", httpErr)
	}
	return "", fmt.Errorf("%w: %w", ErrHandleResolutionFailed, httpErr)
}

// Resolves a handle through the `_atproto.` DNS TXT record. Does not cross-verify.
func (r *BaseResolver) ResolveHandleDNS(ctx context.Context, handle syntax.Handle) (syntax.DID, error) {
	res, err := r.Resolver.LookupTXT(ctx, "_atproto."+handle.String())
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return "", ErrHandleNotFound
		}
		return "", fmt.Errorf("%w: DNS TXT lookup: %w", ErrHandleResolutionFailed, err)
	}

	for _, s := range res {
		if val, ok := strings.CutPrefix(s, "did="); ok {
			did, err := syntax.ParseDID(strings.TrimSpace(val))
			if err != nil {
				return "", fmt.Errorf("%w: invalid DID in handle DNS record: %w", ErrHandleResolutionFailed, err)
			}
			return did, nil
		}
	}
	return "", ErrHandleNotFound
}

// Resolves a handle through the `/.well-known/atproto-did` HTTP route. Does not cross-verify.
func (r *BaseResolver) ResolveHandleWellKnown(ctx context.Context, handle syntax.Handle) (syntax.DID, error) {
	u := fmt.Sprintf("%s://%s/.well-known/atproto-did", r.scheme(), handle)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("%w: constructing request: %w", ErrHandleResolutionFailed, err)
	}

	resp, err := r.client().Do(req)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return "", ErrHandleNotFound
		}
		return "", fmt.Errorf("%w: HTTP well-known request: %w", ErrHandleResolutionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrHandleNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: HTTP well-known status: %d", ErrHandleResolutionFailed, resp.StatusCode)
	}
	if resp.ContentLength > 2048 {
		return "", fmt.Errorf("%w: HTTP well-known route returned too much data", ErrHandleResolutionFailed)
	}

	b, err := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if err != nil {
		return "", fmt.Errorf("%w: HTTP well-known response read: %w", ErrHandleResolutionFailed, err)
	}
	did, err := syntax.ParseDID(strings.TrimSpace(string(b)))
	if err != nil {
		return "", fmt.Errorf("%w: invalid DID in HTTP well-known response: %w", ErrHandleResolutionFailed, err)
	}
	return did, nil
}

// Resolves a DID to its DID document. Only did:plc and did:web are supported.
func (r *BaseResolver) ResolveDID(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	if !did.IsResolvable() {
		didResolution.WithLabelValues("base", "unsupported").Inc()
		return nil, fmt.Errorf("%w: %s", ErrDIDMethodNotSupported, did.Method())
	}

	start := time.Now()
	var doc *DIDDocument
	var err error
	if did.Method() == "web" {
		doc, err = r.ResolveDIDWeb(ctx, did)
	} else {
		doc, err = r.ResolveDIDPLC(ctx, did)
	}
	status := "success"
	if errors.Is(err, ErrDIDNotFound) {
		status = "notfound"
	} else if err != nil {
		status = "error"
	}
	didResolution.WithLabelValues("base", status).Inc()
	didResolutionDuration.WithLabelValues("base", status).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	if doc.DID != did {
		return nil, fmt.Errorf("%w: document id does not match DID (%s != %s)", ErrDIDResolutionFailed, doc.DID, did)
	}
	return doc, nil
}

func (r *BaseResolver) ResolveDIDWeb(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	if did.Method() != "web" {
		return nil, fmt.Errorf("expected a did:web, got: %s", did)
	}
	hostname := did.Identifier()
	handle, err := syntax.ParseHandle(hostname)
	if err != nil {
		return nil, fmt.Errorf("%w: did:web identifier not a simple hostname: %s", ErrDIDResolutionFailed, hostname)
	}
	if !handle.AllowedTLD() {
		return nil, fmt.Errorf("%w: did:web hostname has disallowed TLD: %s", ErrDIDResolutionFailed, hostname)
	}
	return r.fetchDoc(ctx, fmt.Sprintf("%s://%s/.well-known/did.json", r.scheme(), hostname))
}

func (r *BaseResolver) ResolveDIDPLC(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	if did.Method() != "plc" {
		return nil, fmt.Errorf("expected a did:plc, got: %s", did)
	}
	plcURL := r.PLCURL
	if plcURL == "" {
		plcURL = DefaultPLCURL
	}
	if r.PLCLimiter != nil {
		if err := r.PLCLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: waiting for PLC rate limit: %w", ErrDIDResolutionFailed, err)
		}
	}
	return r.fetchDoc(ctx, plcURL+"/"+did.String())
}

func (r *BaseResolver) fetchDoc(ctx context.Context, u string) (*DIDDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: constructing request: %w", ErrDIDResolutionFailed, err)
	}
	req.Header.Set("Accept", "application/did+ld+json, application/json")

	resp, err := r.client().Do(req)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, ErrDIDNotFound
		}
		return nil, fmt.Errorf("%w: HTTP fetch: %w", ErrDIDResolutionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return nil, ErrDIDNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP status: %d", ErrDIDResolutionFailed, resp.StatusCode)
	}

	var doc DIDDocument
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: parsing DID document JSON: %w", ErrDIDResolutionFailed, err)
	}
	return &doc, nil
}
