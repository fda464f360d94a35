// Package auth owns the bearer token lifecycle: strategy selection, the remote
// exchange, an expiry aware persistent cache and logout.
package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mohammed-shakir/geodb-client/internal/core/config"
	"github.com/mohammed-shakir/geodb-client/internal/core/observability"
	"github.com/mohammed-shakir/geodb-client/pkg/geodberr"
)

type State int

const (
	StateUnset State = iota
	StateCached
	StateExpired
	StateRefreshing
)

func (s State) String() string {
	switch s {
	case StateCached:
		return "cached"
	case StateExpired:
		return "expired"
	case StateRefreshing:
		return "refreshing"
	default:
		return "unset"
	}
}

const (
	DefaultLeeway = 10 * time.Second
	// DefaultLifetime applies to tokens whose answer carries neither expires_in
	// nor a JWT exp claim.
	DefaultLifetime = time.Hour
)

// AccessToken is a token together with the identity it was issued to.
type AccessToken struct {
	value     string
	clientID  string
	issuedAt  time.Time
	expiresAt time.Time
}

func (t *AccessToken) usable(now time.Time, clientID string, leeway time.Duration) bool {
	if t == nil || t.value == "" || t.clientID != clientID {
		return false
	}
	return now.Add(leeway).Before(t.expiresAt)
}

type Manager struct {
	mu       sync.Mutex
	cfg      config.AuthCfg
	client   *http.Client
	store    Store
	provider ExternalTokenProvider
	logger   *slog.Logger
	now      func() time.Time
	leeway   time.Duration

	state State
	token *AccessToken
}

type Option func(*Manager)

func WithStore(s Store) Option { return func(m *Manager) { m.store = s } }

func WithProvider(p ExternalTokenProvider) Option { return func(m *Manager) { m.provider = p } }

func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.logger = l } }

func WithHTTPClient(c *http.Client) Option { return func(m *Manager) { m.client = c } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func NewManager(cfg config.AuthCfg, opts ...Option) *Manager {
	m := &Manager{
		cfg:    cfg,
		client: http.DefaultClient,
		store:  NopStore{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
		leeway: DefaultLeeway,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

func (m *Manager) Mode() string { return m.cfg.Mode }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateCached && !m.token.usable(m.now(), m.cfg.ClientID, 0) {
		return StateExpired
	}
	return m.state
}

// GetToken returns a valid bearer token, exchanging a new one only when neither memory
// nor the store holds a usable token for the configured client. It returns "" in mode none.
func (m *Manager) GetToken(ctx context.Context) (string, error) {
	switch m.cfg.Mode {
	case config.ModeNone:
		return "", nil
	case config.ModeInteractive:
		return m.fromProvider(ctx)
	}
	if m.cfg.AccessToken != "" {
		return m.cfg.AccessToken, nil
	}
	if err := config.ValidateAuth(m.cfg); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.token.usable(now, m.cfg.ClientID, m.leeway) {
		return m.token.value, nil
	}
	if m.token != nil {
		m.logger.DebugContext(ctx, "token expired", "expires_at", m.token.expiresAt)
		m.state = StateExpired
		m.token = nil
	}

	if tok := m.loadStored(ctx, now); tok != nil {
		observability.IncTokenCacheHit()
		m.token = tok
		m.state = StateCached
		return tok.value, nil
	}
	observability.IncTokenCacheMiss()

	prev := m.state
	m.state = StateRefreshing
	td, err := exchange(ctx, m.client, m.cfg)
	observability.IncTokenExchange(m.cfg.Mode, err)
	if err != nil {
		m.state = prev
		return "", err
	}

	tok := m.newToken(td, now)
	m.token = tok
	m.state = StateCached
	m.logger.DebugContext(ctx, "token exchanged", "mode", m.cfg.Mode, "expires_at", tok.expiresAt)

	entry := Entry{
		Date:   now.UTC().Format(time.RFC3339Nano),
		Client: m.cfg.ClientID,
		Data:   TokenData{AccessToken: td.AccessToken, ExpiresIn: int64(tok.expiresAt.Sub(now).Seconds())},
	}
	if err := m.store.Save(ctx, entry); err != nil {
		m.logger.WarnContext(ctx, "persist token", "err", err)
	}
	return tok.value, nil
}

func (m *Manager) fromProvider(ctx context.Context) (string, error) {
	if m.provider == nil {
		return "", &geodberr.AuthConfigurationError{Mode: m.cfg.Mode, Missing: []string{"token provider"}}
	}
	tok, err := m.provider.Token(ctx)
	if err != nil {
		return "", &geodberr.AuthTokenError{Reason: err.Error(), Err: err}
	}
	if tok == "" {
		return "", &geodberr.AuthTokenError{Reason: "token provider returned an empty token"}
	}
	return tok, nil
}

// loadStored returns the persisted token when it is unexpired and belongs to the
// configured client. Anything else, including a corrupt store, is a miss.
func (m *Manager) loadStored(ctx context.Context, now time.Time) *AccessToken {
	e, err := m.store.Load(ctx)
	if err != nil {
		if !errors.Is(err, ErrNoEntry) {
			m.logger.WarnContext(ctx, "token cache unreadable", "err", err)
		}
		return nil
	}
	if e.Client != m.cfg.ClientID {
		m.logger.DebugContext(ctx, "token cache issued to another client")
		return nil
	}
	at, err := e.capturedAt()
	if err != nil {
		m.logger.WarnContext(ctx, "token cache malformed", "err", err)
		return nil
	}
	tok := &AccessToken{value: e.Data.AccessToken, clientID: e.Client, issuedAt: at}
	if e.Data.ExpiresIn > 0 {
		tok.expiresAt = at.Add(time.Duration(e.Data.ExpiresIn) * time.Second)
	} else if exp, ok := jwtExpiry(e.Data.AccessToken); ok {
		tok.expiresAt = exp
	} else {
		tok.expiresAt = at.Add(DefaultLifetime)
	}
	if !tok.usable(now, m.cfg.ClientID, m.leeway) {
		return nil
	}
	return tok
}

func (m *Manager) newToken(td TokenData, now time.Time) *AccessToken {
	tok := &AccessToken{value: td.AccessToken, clientID: m.cfg.ClientID, issuedAt: now}
	switch {
	case td.ExpiresIn > 0:
		tok.expiresAt = now.Add(time.Duration(td.ExpiresIn) * time.Second)
	default:
		if exp, ok := jwtExpiry(td.AccessToken); ok {
			tok.expiresAt = exp
		} else {
			tok.expiresAt = now.Add(DefaultLifetime)
		}
	}
	return tok
}

// Logout forgets the token in memory and in the store. The next GetToken exchanges again.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = nil
	m.state = StateUnset
	if f, ok := m.provider.(interface{ Forget() }); ok {
		f.Forget()
	}
	return m.store.Clear(ctx)
}
