package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bluesky-social/atlogin/accounts"
	"github.com/bluesky-social/atlogin/atproto/auth/oauth"
	"github.com/bluesky-social/atlogin/atproto/identity"
	"github.com/bluesky-social/atlogin/pkg/robusthttp"

	"github.com/flosch/pongo2/v6"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	slogecho "github.com/samber/slog-echo"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"
)

const sessionCookieName = "atlogin"

// request metrics register with the default prometheus registry, which allows only one instance per process
var requestMetrics = sync.OnceValue(func() echo.MiddlewareFunc {
	return echoprometheus.NewMiddleware("atlogin")
})

type Server struct {
	echo    *echo.Echo
	httpd   *http.Server
	logger  *slog.Logger
	enabled bool

	oauth   *oauth.ClientApp
	linker  oauth.AccountLinker
	cookies *sessions.CookieStore
	db      *gorm.DB
}

type Config struct {
	Logger  *slog.Logger
	Enabled bool

	BaseURL    string
	Title      string
	LogoURL    string
	PrivateKey *ecdsa.PrivateKey

	// if set, skips per-account discovery and always uses this issuer
	AuthorizationServer string

	SessionSecret    string
	Bind             string
	DatabaseURL      string
	MaxDBConnections int
	RedisURL         string
	PLCHost          string
	AppviewHost      string
	HTTPTimeout      time.Duration
	ResolverRetries  int
	FlowTTL          time.Duration

	// disables the public-address restriction on outbound OAuth requests
	AllowPrivateNetworks bool

	// overrides the default handle and DID resolution stack; used in tests
	Resolver oauth.IdentityResolver
}

func NewServer(ctx context.Context, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.SessionSecret == "" {
		return nil, fmt.Errorf("session secret is required")
	}
	if config.HTTPTimeout == 0 {
		config.HTTPTimeout = 5 * time.Second
	}
	if config.FlowTTL == 0 {
		config.FlowTTL = 10 * time.Minute
	}

	clientConfig, err := oauth.NewClientConfig(config.BaseURL, config.Title, config.LogoURL, config.PrivateKey)
	if err != nil {
		return nil, err
	}
	if config.Enabled && !clientConfig.HasKey() {
		return nil, fmt.Errorf("atproto login is enabled, but no private key is configured (set --private-key or --private-key-file)")
	}

	// metadata fetches, token requests, and enrichment reach hosts named by
	// untrusted DID documents, so by default only public addresses are dialed
	clientOpts := []robusthttp.Option{
		robusthttp.WithTimeout(config.HTTPTimeout),
		robusthttp.WithLogger(logger),
	}
	if !config.AllowPrivateNetworks {
		clientOpts = append(clientOpts, robusthttp.WithPublicOnly())
	}
	httpClient := robusthttp.NewDirectClient(clientOpts...)

	var store oauth.FlowStore
	resolver := config.Resolver
	if config.RedisURL != "" {
		rdb, err := identity.ConnectRedis(ctx, config.RedisURL)
		if err != nil {
			return nil, err
		}
		store = oauth.NewRedisFlowStore(rdb, config.FlowTTL)
		if resolver == nil {
			base := identity.DefaultBaseResolver(config.PLCHost, config.HTTPTimeout, config.ResolverRetries)
			resolver = identity.NewRedisResolver(base, rdb, 24*time.Hour, 2*time.Minute, 10_000)
		}
		logger.Info("using redis for flow state and identity cache")
	} else {
		store = oauth.NewMemFlowStore(config.FlowTTL)
		if resolver == nil {
			base := identity.DefaultBaseResolver(config.PLCHost, config.HTTPTimeout, config.ResolverRetries)
			resolver = identity.NewCacheResolver(base, 100_000, time.Hour, 2*time.Minute)
		}
	}

	app := oauth.NewClientApp(clientConfig, resolver, store, httpClient)
	app.Enricher = oauth.NewProfileEnricher(httpClient, config.AppviewHost)
	if config.AuthorizationServer != "" {
		app.Discovery = &oauth.FixedIssuerDiscovery{
			Fetcher: oauth.NewMetadataFetcher(httpClient),
			Issuer:  config.AuthorizationServer,
		}
	}

	var db *gorm.DB
	var linker oauth.AccountLinker
	if config.DatabaseURL != "" {
		maxConns := config.MaxDBConnections
		if maxConns == 0 {
			maxConns = 20
		}
		db, err = accounts.SetupDatabase(config.DatabaseURL, maxConns)
		if err != nil {
			return nil, fmt.Errorf("setting up accounts database: %w", err)
		}
		linker = accounts.NewLinker(db)
	}

	cookies := sessions.NewCookieStore([]byte(config.SessionSecret))
	cookies.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   86400 * 30,
		HttpOnly: true,
		// Lax, so the cookie comes along on the top-level redirect back from the authorization server
		SameSite: http.SameSiteLaxMode,
	}
	if u, err := url.Parse(clientConfig.BaseURL); err == nil && u.Scheme == "https" {
		cookies.Options.Secure = true
	}

	e := echo.New()

	// httpd
	var (
		httpTimeout        = 1 * time.Minute
		httpMaxHeaderBytes = 1 * (1024 * 1024)
	)

	srv := &Server{
		echo:    e,
		logger:  logger,
		enabled: config.Enabled,
		oauth:   app,
		linker:  linker,
		cookies: cookies,
		db:      db,
	}
	srv.httpd = &http.Server{
		Handler:        otelhttp.NewHandler(srv, "atlogin"),
		Addr:           config.Bind,
		WriteTimeout:   httpTimeout,
		ReadTimeout:    httpTimeout,
		MaxHeaderBytes: httpMaxHeaderBytes,
	}

	e.HideBanner = true
	e.Renderer = NewRenderer()
	e.Use(slogecho.New(logger))
	e.Use(middleware.Recover())
	e.Use(requestMetrics())
	e.Use(middleware.BodyLimit("64K"))
	e.HTTPErrorHandler = srv.errorHandler
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000, // 365 days
		ContentSecurityPolicy: "default-src 'self'; img-src 'self' https:; form-action 'self'",
	}))

	e.GET("/_health", srv.HandleHealthCheck)
	e.GET("/", srv.WebHome)
	e.GET(oauth.ClientMetadataPath, srv.HandleClientMetadata)
	e.GET(oauth.JWKSPath, srv.HandleJWKS)
	e.GET("/auth/atproto", srv.HandleLogin)
	e.POST("/auth/atproto", srv.HandleLogin)
	e.GET(oauth.CallbackPath, srv.HandleCallback)
	e.GET("/auth/failure", srv.HandleFailure)
	e.POST("/auth/logout", srv.HandleLogout)
	e.POST("/auth/atproto/unlink", srv.HandleUnlink)

	logger.Info("configured atproto login", "enabled", config.Enabled, "clientID", clientConfig.ClientID(), "fixedIssuer", config.AuthorizationServer)
	return srv, nil
}

func (srv *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	srv.echo.ServeHTTP(rw, req)
}

func (srv *Server) RunAPI() error {
	slog.Info("starting server", "bind", srv.httpd.Addr)
	go func() {
		if err := srv.httpd.ListenAndServe(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				slog.Error("HTTP server shutting down unexpectedly", "err", err)
			}
		}
	}()

	// Wait for a signal to exit.
	slog.Info("registering OS exit signal handler")
	quit := make(chan struct{})
	exitSignals := make(chan os.Signal, 1)
	signal.Notify(exitSignals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-exitSignals
		slog.Info("received OS exit signal", "signal", sig)

		// Shut down the HTTP server
		if err := srv.Shutdown(); err != nil {
			slog.Error("HTTP server shutdown error", "err", err)
		}

		// Trigger the return that causes an exit.
		close(quit)
	}()
	<-quit
	slog.Info("graceful shutdown complete")
	return nil
}

func (srv *Server) RunMetrics(listen string) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(listen, nil)
}

func (srv *Server) Shutdown() error {
	slog.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := srv.httpd.Shutdown(ctx)
	if srv.db != nil {
		if sqldb, dbErr := srv.db.DB(); dbErr == nil {
			sqldb.Close()
		}
	}
	shutdownOTEL(ctx)
	return err
}

type GenericStatus struct {
	Daemon  string `json:"daemon"`
	Status  string `json:"status"`
	Message string `json:"msg,omitempty"`
}

func (srv *Server) errorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
	}
	if code >= 500 {
		srv.logger.Warn("atlogin-http-internal-error", "err", err)
	}
	if c.Response().Committed {
		return
	}
	if err := c.Render(code, "error.html", pongo2.Context{"statusCode": code}); err != nil {
		srv.logger.Error("failed to render error page", "err", err)
	}
}

func (srv *Server) HandleHealthCheck(c echo.Context) error {
	if srv.db != nil {
		sqldb, err := srv.db.DB()
		if err == nil {
			err = sqldb.PingContext(c.Request().Context())
		}
		if err != nil {
			srv.logger.Error("database health check failed", "err", err)
			return c.JSON(http.StatusServiceUnavailable, GenericStatus{Status: "error", Daemon: "atlogin", Message: "database unavailable"})
		}
	}
	return c.JSON(http.StatusOK, GenericStatus{Status: "ok", Daemon: "atlogin"})
}
