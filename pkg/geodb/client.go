// Package geodb is the public client for the geoDB gateway. A Client manages
// databases and collections, moves spatial rows in and out of them and publishes
// collections on the map server.
package geodb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/mohammed-shakir/geodb-client/internal/auth"
	"github.com/mohammed-shakir/geodb-client/internal/cache/redisstore"
	"github.com/mohammed-shakir/geodb-client/internal/core/capabilities"
	"github.com/mohammed-shakir/geodb-client/internal/core/config"
	"github.com/mohammed-shakir/geodb-client/internal/core/executor"
	"github.com/mohammed-shakir/geodb-client/internal/core/httpclient"
	"github.com/mohammed-shakir/geodb-client/internal/eventlog"
	"github.com/mohammed-shakir/geodb-client/internal/logger"
	"github.com/mohammed-shakir/geodb-client/internal/mapserver"
	"github.com/mohammed-shakir/geodb-client/internal/pipeline"
	"github.com/mohammed-shakir/geodb-client/pkg/geodberr"
)

type (
	// Overrides are explicit settings; zero values keep the environment's.
	Overrides = config.Overrides
	// TokenProvider supplies tokens in interactive mode.
	TokenProvider = auth.ExternalTokenProvider
	// TokenStore persists exchanged tokens between processes.
	TokenStore = auth.Store
	// EventSink receives the audit events of successful operations.
	EventSink = eventlog.Sink
	// CapabilityDocument is a snapshot of the gateway's published schema.
	CapabilityDocument = capabilities.Document
)

type Options struct {
	Overrides

	Logger        *slog.Logger
	HTTPClient    *http.Client
	TokenProvider TokenProvider
	TokenStore    TokenStore
	EventSink     EventSink
}

type Client struct {
	cfg    config.Config
	logger *slog.Logger

	tokens *auth.Manager
	redis  *redisstore.Client
	exec   *executor.Executor
	caps   *capabilities.Cache
	pipe   *pipeline.Pipeline
	events *eventlog.Recorder
	maps   *mapserver.Client

	mu     sync.Mutex
	whoami string
}

// New resolves configuration from the environment and opts, then wires the client.
// Auth prerequisites are checked here, before any network call.
func New(ctx context.Context, opts Options) (*Client, error) {
	cfg := config.FromEnv().Merge(opts.Overrides)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		zl := logger.Build(logger.Config{
			Level:     cfg.LogLevel,
			Database:  cfg.Database,
			Component: "geodb",
		}, os.Stderr)
		log = logger.NewSlog(&zl)
	}
	c := &Client{cfg: cfg, logger: log}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = httpclient.NewOutbound(cfg.HTTPTimeout)
	}

	store := opts.TokenStore
	if store == nil {
		s, err := c.tokenStore(ctx)
		if err != nil {
			return nil, err
		}
		store = s
	}
	provider := opts.TokenProvider
	if provider == nil && cfg.Auth.Mode == config.ModeInteractive {
		provider = auth.NewTerminalProvider()
	}
	c.tokens = auth.NewManager(cfg.Auth,
		auth.WithStore(store),
		auth.WithProvider(provider),
		auth.WithLogger(log.With("component", "auth")),
		auth.WithHTTPClient(httpClient),
	)

	c.exec = executor.New(log.With("component", "executor"), httpClient, cfg.ServerBase(), cfg.MapServerBase(), c.tokens)

	c.caps = capabilities.New(c.exec, cfg.ServerBase())
	c.exec.SetInvalidator(c.caps)

	c.pipe = pipeline.New(c.exec, c.caps,
		pipeline.WithLogger(log.With("component", "pipeline")),
		pipeline.WithChunkSize(cfg.ChunkSize),
		pipeline.WithConcurrency(cfg.UploadConcurrency),
		pipeline.WithReadHook(func(ctx context.Context, qualified, query string) {
			c.events.Read(ctx, qualified, query)
		}),
	)

	sink, name := opts.EventSink, "custom"
	if sink == nil {
		var err error
		if sink, name, err = c.eventSink(); err != nil {
			_ = c.closeRedis()
			return nil, err
		}
	}
	c.events = eventlog.NewRecorder(sink, name,
		eventlog.WithLogger(log.With("component", "eventlog")),
		eventlog.WithReads(cfg.LogReads),
		eventlog.WithUser(func(ctx context.Context) string {
			u, _ := c.Whoami(ctx)
			return u
		}),
	)

	c.maps = mapserver.New(c.exec, cfg.MapServerBase())
	return c, nil
}

func (c *Client) tokenStore(ctx context.Context) (TokenStore, error) {
	switch c.cfg.TokenCache.Driver {
	case "", "file":
		return auth.NewFileStore(c.cfg.TokenCache.Path), nil
	case "none":
		return auth.NopStore{}, nil
	case "redis":
		tc := c.cfg.TokenCache
		rc, err := redisstore.New(ctx, tc.RedisAddr, redisstore.WithPassword(tc.RedisPass), redisstore.WithDB(tc.RedisDB))
		if err != nil {
			return nil, fmt.Errorf("token store: %w", err)
		}
		c.redis = rc
		return auth.NewRedisStore(rc, c.cfg.Auth.Domain, c.cfg.Auth.ClientID), nil
	default:
		return nil, geodberr.Validationf("unknown token store %q", c.cfg.TokenCache.Driver)
	}
}

func (c *Client) eventSink() (EventSink, string, error) {
	switch c.cfg.Events.Sink {
	case "", "rpc":
		return eventlog.NewRPCSink(c.exec), "rpc", nil
	case "none":
		return eventlog.Nop{}, "none", nil
	case "kafka":
		s, err := eventlog.NewKafkaSink(c.cfg.Events.BrokerList(), c.cfg.Events.Topic,
			eventlog.DefaultQueueSize, c.logger.With("component", "eventlog"))
		if err != nil {
			return nil, "", fmt.Errorf("event sink: %w", err)
		}
		return s, "kafka", nil
	default:
		return nil, "", geodberr.Validationf("unknown event sink %q", c.cfg.Events.Sink)
	}
}

// Close flushes the event sink and releases the shared token store.
func (c *Client) Close() error {
	return errors.Join(c.events.Close(), c.closeRedis())
}

func (c *Client) closeRedis() error {
	if c.redis == nil {
		return nil
	}
	return c.redis.Close()
}

// ServerURL is the gateway base URL including the port.
func (c *Client) ServerURL() string { return c.cfg.ServerBase() }

// Whoami returns the gateway user name. The first successful answer is kept until Logout.
func (c *Client) Whoami(ctx context.Context) (string, error) {
	c.mu.Lock()
	name := c.whoami
	c.mu.Unlock()
	if name != "" {
		return name, nil
	}
	resp, err := c.exec.Get(ctx, "/rpc/geodb_whoami", nil, nil)
	if err != nil {
		return "", err
	}
	if err := resp.JSON(&name); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.whoami = name
	c.mu.Unlock()
	return name, nil
}

// Database returns the configured database, or the user's own database when none is set.
func (c *Client) Database(ctx context.Context) (string, error) {
	if c.cfg.Database != "" {
		return c.cfg.Database, nil
	}
	return c.Whoami(ctx)
}

func (c *Client) Capabilities(ctx context.Context) (*CapabilityDocument, error) {
	return c.caps.Capabilities(ctx)
}

func (c *Client) RefreshCapabilities(ctx context.Context) (*CapabilityDocument, error) {
	return c.caps.Refresh(ctx)
}

// Logout forgets the token everywhere it is cached. The next call exchanges a new one.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	c.whoami = ""
	c.mu.Unlock()
	return c.tokens.Logout(ctx)
}

// CallOption adjusts a single call.
type CallOption func(*callOptions)

type callOptions struct {
	database string
}

// InDatabase runs the call against database instead of the default one.
func InDatabase(name string) CallOption {
	return func(o *callOptions) { o.database = name }
}

func (c *Client) database(ctx context.Context, opts []CallOption) (string, error) {
	var o callOptions
	for _, f := range opts {
		f(&o)
	}
	if o.database != "" {
		return o.database, nil
	}
	return c.Database(ctx)
}

// qualified resolves the database and returns it with the collection's table name.
func (c *Client) qualified(ctx context.Context, collection string, opts []CallOption) (string, string, error) {
	if collection == "" {
		return "", "", geodberr.Validationf("collection name is required")
	}
	db, err := c.database(ctx, opts)
	if err != nil {
		return "", "", err
	}
	return db, pipeline.Qualified(db, collection), nil
}
