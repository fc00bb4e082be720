package oauth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPDSDiscovery(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	fn := newFakeNetwork(t)
	d := &PDSDiscovery{Fetcher: NewMetadataFetcher(fn.srv.Client())}

	meta, err := d.DiscoverAuthServer(ctx, fn.URL()+"/")
	require.NoError(t, err)
	// first listed authorization server wins
	assert.Equal(fn.URL(), meta.Issuer)
	assert.Equal(fn.URL()+"/oauth/authorize", meta.AuthorizationEndpoint)
	assert.Equal(fn.URL()+"/oauth/token", meta.TokenEndpoint)
}

func TestPDSDiscoveryFailures(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	fn := newFakeNetwork(t)
	d := &PDSDiscovery{Fetcher: NewMetadataFetcher(fn.srv.Client())}

	_, err := d.DiscoverAuthServer(ctx, "")
	assert.ErrorIs(err, ErrDiscovery)
	assert.ErrorIs(err, ErrNoPDSEndpoint)

	_, err = d.DiscoverAuthServer(ctx, "not-a-url")
	assert.ErrorIs(err, ErrDiscovery)

	fn.MetadataStatus = http.StatusInternalServerError
	_, err = d.DiscoverAuthServer(ctx, fn.URL())
	assert.ErrorIs(err, ErrDiscovery)

	fn.MetadataStatus = 0
	fn.IssuerOverride = fn.URL() + "/"
	_, err = d.DiscoverAuthServer(ctx, fn.URL())
	assert.ErrorIs(err, ErrDiscovery)
	assert.ErrorIs(err, ErrInvalidAuthServerMetadata)
}

func TestFetchAuthServerURL(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	var body string
	var status int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	defer srv.Close()
	f := NewMetadataFetcher(srv.Client())

	status, body = http.StatusOK, `{"authorization_servers": ["https://auth.example.com"]}`
	issuer, err := f.FetchAuthServerURL(ctx, srv.URL)
	assert.NoError(err)
	assert.Equal("https://auth.example.com", issuer)

	status, body = http.StatusOK, `{"authorization_servers": []}`
	_, err = f.FetchAuthServerURL(ctx, srv.URL)
	assert.ErrorIs(err, ErrDiscovery)

	status, body = http.StatusOK, `{"resource": "https://pds.example.com"}`
	_, err = f.FetchAuthServerURL(ctx, srv.URL)
	assert.ErrorIs(err, ErrDiscovery)

	status, body = http.StatusOK, `<html>not json</html>`
	_, err = f.FetchAuthServerURL(ctx, srv.URL)
	assert.ErrorIs(err, ErrDiscovery)

	status, body = http.StatusNotFound, `{"authorization_servers": ["https://auth.example.com"]}`
	_, err = f.FetchAuthServerURL(ctx, srv.URL)
	assert.ErrorIs(err, ErrDiscovery)
}

func TestFetchAuthServerMetadata(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	var body func(issuer string) string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body("http://" + r.Host)))
	}))
	defer srv.Close()
	f := NewMetadataFetcher(srv.Client())

	body = func(issuer string) string {
		return `{"issuer": "` + issuer + `", "authorization_endpoint": "https://auth.example.com/authorize", "token_endpoint": "https://auth.example.com/token", "pushed_authorization_request_endpoint": "https://auth.example.com/par"}`
	}
	meta, err := f.FetchAuthServerMetadata(ctx, srv.URL)
	require.NoError(t, err)
	assert.Equal(srv.URL, meta.Issuer)
	assert.Equal("https://auth.example.com/authorize", meta.AuthorizationEndpoint)
	assert.Equal("https://auth.example.com/token", meta.TokenEndpoint)

	body = func(issuer string) string {
		return `{"issuer": "https://evil.example.com", "authorization_endpoint": "https://auth.example.com/authorize", "token_endpoint": "https://auth.example.com/token"}`
	}
	_, err = f.FetchAuthServerMetadata(ctx, srv.URL)
	assert.ErrorIs(err, ErrDiscovery)

	body = func(issuer string) string {
		return `{"issuer": "` + issuer + `", "authorization_endpoint": "https://auth.example.com/authorize"}`
	}
	_, err = f.FetchAuthServerMetadata(ctx, srv.URL)
	assert.ErrorIs(err, ErrDiscovery)

	body = func(issuer string) string {
		return `{"issuer": "` + issuer + `", "authorization_endpoint": "/authorize", "token_endpoint": "https://auth.example.com/token"}`
	}
	_, err = f.FetchAuthServerMetadata(ctx, srv.URL)
	assert.ErrorIs(err, ErrDiscovery)
}

func TestFixedIssuerDiscovery(t *testing.T) {
	assert := assert.New(t)

	fn := newFakeNetwork(t)
	d := &FixedIssuerDiscovery{Fetcher: NewMetadataFetcher(fn.srv.Client()), Issuer: fn.URL()}

	// PDS endpoint is ignored entirely
	meta, err := d.DiscoverAuthServer(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(fn.URL(), meta.Issuer)
}

func TestAuthServerMetadataValidate(t *testing.T) {
	assert := assert.New(t)

	good := AuthServerMetadata{
		Issuer:                "https://auth.example.com",
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		TokenEndpoint:         "https://auth.example.com/token",
	}
	assert.NoError(good.Validate("https://auth.example.com"))
	assert.Error(good.Validate("https://auth.example.com/"))
	assert.Error(good.Validate("https://AUTH.example.com"))

	m := good
	m.Issuer = ""
	assert.ErrorIs(m.Validate(""), ErrInvalidAuthServerMetadata)

	m = good
	m.TokenEndpoint = "ftp://auth.example.com/token"
	assert.ErrorIs(m.Validate(good.Issuer), ErrInvalidAuthServerMetadata)

	m = good
	m.AuthorizationEndpoint = ""
	assert.ErrorIs(m.Validate(good.Issuer), ErrInvalidAuthServerMetadata)
}
