package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/bluesky-social/atlogin/atproto/auth/oauth"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "atlogin",
		Usage:   "atproto OAuth login service",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"ATLOGIN_LOG_LEVEL", "GO_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format: json or text",
			Value:   "json",
			EnvVars: []string{"ATLOGIN_LOG_FORMAT"},
		},
	}

	app.Commands = []*cli.Command{
		serveCmd,
		keygenCmd,
	}

	return app.Run(args)
}

func configLogger(cctx *cli.Context, writer io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cctx.String("log-level")) {
	case "error":
		level = slog.LevelError
	case "warn":
		level = slog.LevelWarn
	case "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewJSONHandler(writer, opts)
	if strings.ToLower(cctx.String("log-format")) == "text" {
		handler = slog.NewTextHandler(writer, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "run the atlogin HTTP server",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    "enabled",
			Usage:   "enable atproto logins (requires a private key)",
			EnvVars: []string{"ATLOGIN_ENABLED"},
		},
		&cli.StringFlag{
			Name:    "private-key",
			Usage:   "client assertion signing key: P-256, PEM or JWK JSON",
			EnvVars: []string{"ATLOGIN_PRIVATE_KEY"},
		},
		&cli.StringFlag{
			Name:    "private-key-file",
			Usage:   "path to a file containing the client assertion signing key",
			EnvVars: []string{"ATLOGIN_PRIVATE_KEY_FILE"},
		},
		&cli.StringFlag{
			Name:    "authorization-server",
			Usage:   "always use this authorization server issuer, instead of discovering it from the account PDS",
			EnvVars: []string{"ATLOGIN_AUTHORIZATION_SERVER"},
		},
		&cli.StringFlag{
			Name:     "base-url",
			Usage:    "public base URL of this service (eg, https://app.example.com)",
			Required: true,
			EnvVars:  []string{"ATLOGIN_BASE_URL"},
		},
		&cli.StringFlag{
			Name:    "title",
			Usage:   "human-readable client name, shown by authorization servers",
			Value:   "atlogin",
			EnvVars: []string{"ATLOGIN_TITLE"},
		},
		&cli.StringFlag{
			Name:    "logo-url",
			Usage:   "URL of a client logo image",
			EnvVars: []string{"ATLOGIN_LOGO_URL"},
		},
		&cli.StringFlag{
			Name:     "session-secret",
			Usage:    "random string/token used for session cookie security",
			Required: true,
			EnvVars:  []string{"ATLOGIN_SESSION_SECRET", "SESSION_SECRET"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "Specify the local IP/port to bind to",
			Value:   ":8080",
			EnvVars: []string{"ATLOGIN_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3989",
			EnvVars: []string{"ATLOGIN_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "database connection string for linked accounts (sqlite:// or postgresql://)",
			Value:   "sqlite://data/atlogin/accounts.sqlite",
			EnvVars: []string{"ATLOGIN_DATABASE_URL", "DATABASE_URL"},
		},
		&cli.IntFlag{
			Name:    "max-db-connections",
			Usage:   "maximum number of open database connections",
			Value:   20,
			EnvVars: []string{"ATLOGIN_MAX_DB_CONNECTIONS"},
		},
		&cli.StringFlag{
			Name:    "redis-url",
			Usage:   "redis connection URL for shared flow state and identity cache: redis://<user>:<pass>@<hostname>:6379/<db>",
			EnvVars: []string{"ATLOGIN_REDIS_URL"},
		},
		&cli.StringFlag{
			Name:    "plc-host",
			Usage:   "method, hostname, and port of PLC registry",
			Value:   "https://plc.directory",
			EnvVars: []string{"ATLOGIN_PLC_HOST", "ATP_PLC_HOST"},
		},
		&cli.StringFlag{
			Name:    "appview-host",
			Usage:   "method, hostname, and port of the appview used for public profiles",
			Value:   oauth.DefaultAppviewHost,
			EnvVars: []string{"ATLOGIN_APPVIEW_HOST"},
		},
		&cli.DurationFlag{
			Name:    "http-timeout",
			Usage:   "timeout for each outbound HTTP request",
			Value:   5 * time.Second,
			EnvVars: []string{"ATLOGIN_HTTP_TIMEOUT"},
		},
		&cli.IntFlag{
			Name:    "resolver-retries",
			Usage:   "number of retries for identity resolution requests",
			Value:   1,
			EnvVars: []string{"ATLOGIN_RESOLVER_RETRIES"},
		},
		&cli.DurationFlag{
			Name:    "flow-ttl",
			Usage:   "how long a started login can wait for its callback",
			Value:   10 * time.Minute,
			EnvVars: []string{"ATLOGIN_FLOW_TTL"},
		},
		&cli.BoolFlag{
			Name:    "allow-private-networks",
			Usage:   "allow outbound OAuth requests to private and loopback addresses (development only)",
			EnvVars: []string{"ATLOGIN_ALLOW_PRIVATE_NETWORKS"},
		},
	},
	Action: runServe,
}

func loadPrivateKey(cctx *cli.Context) ([]byte, error) {
	if raw := cctx.String("private-key"); raw != "" {
		return []byte(raw), nil
	}
	if path := cctx.String("private-key-file"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading private key file: %w", err)
		}
		return b, nil
	}
	return nil, nil
}

func runServe(cctx *cli.Context) error {
	logger := configLogger(cctx, os.Stdout)
	configOTEL("atlogin")

	config := Config{
		Logger:               logger,
		Enabled:              cctx.Bool("enabled"),
		BaseURL:              cctx.String("base-url"),
		Title:                cctx.String("title"),
		LogoURL:              cctx.String("logo-url"),
		AuthorizationServer:  cctx.String("authorization-server"),
		SessionSecret:        cctx.String("session-secret"),
		Bind:                 cctx.String("bind"),
		DatabaseURL:          cctx.String("database-url"),
		MaxDBConnections:     cctx.Int("max-db-connections"),
		RedisURL:             cctx.String("redis-url"),
		PLCHost:              cctx.String("plc-host"),
		AppviewHost:          cctx.String("appview-host"),
		HTTPTimeout:          cctx.Duration("http-timeout"),
		ResolverRetries:      cctx.Int("resolver-retries"),
		FlowTTL:              cctx.Duration("flow-ttl"),
		AllowPrivateNetworks: cctx.Bool("allow-private-networks"),
	}

	keyBytes, err := loadPrivateKey(cctx)
	if err != nil {
		return err
	}
	if keyBytes != nil {
		priv, err := oauth.ParsePrivateKey(keyBytes)
		if err != nil {
			return err
		}
		config.PrivateKey = priv
	}

	srv, err := NewServer(cctx.Context, config)
	if err != nil {
		return fmt.Errorf("failed to construct server: %w", err)
	}

	// prometheus HTTP endpoint: /metrics
	go func() {
		runtime.SetBlockProfileRate(10)
		runtime.SetMutexProfileFraction(10)
		if err := srv.RunMetrics(cctx.String("metrics-listen")); err != nil {
			slog.Error("failed to start metrics endpoint", "error", err)
			panic(fmt.Errorf("failed to start metrics endpoint: %w", err))
		}
	}()

	return srv.RunAPI()
}

var keygenCmd = &cli.Command{
	Name:  "keygen",
	Usage: "generate a new P-256 client signing key, PEM-encoded, and print it to stdout",
	Action: func(cctx *cli.Context) error {
		b, err := oauth.GeneratePrivateKeyPEM()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(b)
		return err
	},
}
