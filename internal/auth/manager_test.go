package auth

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammed-shakir/geodb-client/internal/core/config"
	"github.com/mohammed-shakir/geodb-client/internal/gatewaytest"
	"github.com/mohammed-shakir/geodb-client/pkg/geodberr"
)

func clientCreds(domain string) config.AuthCfg {
	return config.AuthCfg{
		Mode:         config.ModeClientCredentials,
		ClientID:     "client-a",
		ClientSecret: "secret",
		Audience:     "aud",
		Domain:       domain,
		TokenURI:     "/oauth/token",
	}
}

type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestGetToken_ClientCredentialsExchangeAndPersist(t *testing.T) {
	gw := gatewaytest.New(t)
	path := filepath.Join(t.TempDir(), "token.json")
	m := NewManager(clientCreds(gw.URL), WithStore(NewFileStore(path)))

	require.Equal(t, StateUnset, m.State())

	tok, err := m.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)
	assert.Equal(t, StateCached, m.State())

	reqs := gw.RequestsTo(http.MethodPost, "/oauth/token")
	require.Len(t, reqs, 1)
	assert.Equal(t, "application/json", reqs[0].Header.Get("Content-Type"))
	var body map[string]string
	require.NoError(t, reqs[0].JSONBody(&body))
	assert.Equal(t, map[string]string{
		"client_id":     "client-a",
		"client_secret": "secret",
		"audience":      "aud",
		"grant_type":    "client_credentials",
	}, body)

	e, err := NewFileStore(path).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "client-a", e.Client)
	assert.Equal(t, "token-1", e.Data.AccessToken)
	assert.InDelta(t, 3600, e.Data.ExpiresIn, 1)

	// second call is served from memory
	tok, err = m.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)
	assert.EqualValues(t, 1, gw.TokensIssued())
}

func TestGetToken_PasswordUsesForm(t *testing.T) {
	gw := gatewaytest.New(t)
	cfg := config.AuthCfg{
		Mode:     config.ModePassword,
		ClientID: "client-a",
		Username: "helge",
		Password: "pw",
		Audience: "aud",
		Domain:   gw.URL,
	}
	m := NewManager(cfg)

	_, err := m.GetToken(context.Background())
	require.NoError(t, err)

	reqs := gw.RequestsTo(http.MethodPost, "/oauth/token")
	require.Len(t, reqs, 1)
	assert.Equal(t, "application/x-www-form-urlencoded", reqs[0].Header.Get("Content-Type"))
	assert.Contains(t, string(reqs[0].Body), "grant_type=password")
	assert.Contains(t, string(reqs[0].Body), "username=helge")
	assert.Contains(t, string(reqs[0].Body), "audience=aud")
	assert.NotContains(t, string(reqs[0].Body), "client_secret")
}

func TestGetToken_ReusesValidCacheFromDisk(t *testing.T) {
	gw := gatewaytest.New(t)
	path := filepath.Join(t.TempDir(), "token.json")
	clock := &fixedClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}

	require.NoError(t, NewFileStore(path).Save(context.Background(), Entry{
		Date:   clock.Now().Add(-10 * time.Minute).Format(time.RFC3339Nano),
		Client: "client-a",
		Data:   TokenData{AccessToken: "from-disk", ExpiresIn: 3600},
	}))

	m := NewManager(clientCreds(gw.URL), WithStore(NewFileStore(path)), WithClock(clock.Now))
	tok, err := m.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-disk", tok)
	assert.Empty(t, gw.RequestsTo(http.MethodPost, "/oauth/token"))
}

func TestGetToken_NeverReusesExpiredOrForeignEntries(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		entry Entry
	}{
		{"expired", Entry{
			Date: now.Add(-2 * time.Hour).Format(time.RFC3339Nano), Client: "client-a",
			Data: TokenData{AccessToken: "old", ExpiresIn: 3600},
		}},
		{"other client", Entry{
			Date: now.Format(time.RFC3339Nano), Client: "client-b",
			Data: TokenData{AccessToken: "foreign", ExpiresIn: 3600},
		}},
		{"bad date", Entry{
			Date: "yesterday", Client: "client-a",
			Data: TokenData{AccessToken: "undated", ExpiresIn: 3600},
		}},
		{"no lifetime", Entry{
			Date: now.Format(time.RFC3339Nano), Client: "client-a",
			Data: TokenData{AccessToken: "opaque"},
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gw := gatewaytest.New(t)
			path := filepath.Join(t.TempDir(), "token.json")
			require.NoError(t, NewFileStore(path).Save(context.Background(), tc.entry))

			m := NewManager(clientCreds(gw.URL), WithStore(NewFileStore(path)), WithClock(func() time.Time { return now }))
			tok, err := m.GetToken(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "token-1", tok)
			assert.EqualValues(t, 1, gw.TokensIssued())
		})
	}
}

func TestGetToken_MalformedCacheFileFallsThrough(t *testing.T) {
	gw := gatewaytest.New(t)
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	m := NewManager(clientCreds(gw.URL), WithStore(NewFileStore(path)))
	tok, err := m.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)

	e, err := NewFileStore(path).Load(context.Background())
	require.NoError(t, err, "fresh exchange must overwrite the corrupt file")
	assert.Equal(t, "token-1", e.Data.AccessToken)
}

func TestGetToken_InMemoryExpiryTriggersRefresh(t *testing.T) {
	gw := gatewaytest.New(t)
	clock := &fixedClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(clientCreds(gw.URL), WithClock(clock.Now))

	tok, err := m.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)

	clock.Advance(2 * time.Hour)
	assert.Equal(t, StateExpired, m.State())

	tok, err = m.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok)
	assert.Equal(t, StateCached, m.State())
}

func TestGetToken_JWTExpiryWhenExpiresInMissing(t *testing.T) {
	gw := gatewaytest.New(t)
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("k"))
	require.NoError(t, err)

	gw.HandleToken(func(w http.ResponseWriter, _ *http.Request) {
		gatewaytest.JSON(w, http.StatusOK, map[string]any{"access_token": signed})
	})
	path := filepath.Join(t.TempDir(), "token.json")
	now := time.Date(2029, 12, 31, 0, 0, 0, 0, time.UTC)
	m := NewManager(clientCreds(gw.URL), WithStore(NewFileStore(path)), WithClock(func() time.Time { return now }))

	tok, err := m.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, signed, tok)

	e, err := NewFileStore(path).Load(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 24*3600, e.Data.ExpiresIn)
}

func TestGetToken_UnknownLifetimeUsesDefault(t *testing.T) {
	gw := gatewaytest.New(t)
	var n int
	gw.HandleToken(func(w http.ResponseWriter, _ *http.Request) {
		n++
		gatewaytest.JSON(w, http.StatusOK, map[string]any{"access_token": "opaque-" + string(rune('0'+n))})
	})
	path := filepath.Join(t.TempDir(), "token.json")
	clock := &fixedClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(clientCreds(gw.URL), WithStore(NewFileStore(path)), WithClock(clock.Now))

	tok, err := m.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "opaque-1", tok)

	e, err := NewFileStore(path).Load(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, DefaultLifetime.Seconds(), e.Data.ExpiresIn)

	clock.Advance(DefaultLifetime)
	tok, err = m.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "opaque-2", tok)
}

func TestGetToken_ConcurrentCallersShareOneExchange(t *testing.T) {
	gw := gatewaytest.New(t)
	m := NewManager(clientCreds(gw.URL))

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.GetToken(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, gw.TokensIssued())
}

func TestGetToken_ConfigErrorsBeforeNetwork(t *testing.T) {
	gw := gatewaytest.New(t)
	cfg := clientCreds(gw.URL)
	cfg.ClientSecret = ""

	_, err := NewManager(cfg).GetToken(context.Background())
	var ace *geodberr.AuthConfigurationError
	require.ErrorAs(t, err, &ace)
	assert.Equal(t, []string{"client_secret"}, ace.Missing)
	assert.Empty(t, gw.Requests())
}

func TestGetToken_ServerRejectionCarriesReason(t *testing.T) {
	gw := gatewaytest.New(t)
	gw.HandleToken(func(w http.ResponseWriter, _ *http.Request) {
		gatewaytest.JSON(w, http.StatusUnauthorized, map[string]string{
			"error":             "access_denied",
			"error_description": "Unauthorized",
		})
	})
	m := NewManager(clientCreds(gw.URL))

	_, err := m.GetToken(context.Background())
	var ate *geodberr.AuthTokenError
	require.ErrorAs(t, err, &ate)
	assert.Equal(t, http.StatusUnauthorized, ate.Status)
	assert.Equal(t, "Unauthorized", ate.Reason)
	assert.Equal(t, StateUnset, m.State())
}

func TestGetToken_MissingAccessToken(t *testing.T) {
	gw := gatewaytest.New(t)
	gw.HandleToken(func(w http.ResponseWriter, _ *http.Request) {
		gatewaytest.JSON(w, http.StatusOK, map[string]any{"expires_in": 10})
	})
	_, err := NewManager(clientCreds(gw.URL)).GetToken(context.Background())
	var ate *geodberr.AuthTokenError
	require.ErrorAs(t, err, &ate)
}

func TestGetToken_TransportFailureIsAuthTokenError(t *testing.T) {
	gw := gatewaytest.New(t)
	url := gw.URL
	gw.Close()

	_, err := NewManager(clientCreds(url)).GetToken(context.Background())
	var ate *geodberr.AuthTokenError
	require.ErrorAs(t, err, &ate)
	var te *geodberr.TransportError
	assert.ErrorAs(t, err, &te)
}

func TestGetToken_ModesWithoutExchange(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		tok, err := NewManager(config.AuthCfg{Mode: config.ModeNone}).GetToken(context.Background())
		require.NoError(t, err)
		assert.Empty(t, tok)
	})
	t.Run("static token", func(t *testing.T) {
		cfg := config.AuthCfg{Mode: config.ModeClientCredentials, AccessToken: "static"}
		tok, err := NewManager(cfg).GetToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "static", tok)
	})
	t.Run("interactive delegates", func(t *testing.T) {
		calls := 0
		p := ProviderFunc(func(context.Context) (string, error) {
			calls++
			return "from-session", nil
		})
		m := NewManager(config.AuthCfg{Mode: config.ModeInteractive}, WithProvider(p))
		tok, err := m.GetToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "from-session", tok)
		assert.Equal(t, 1, calls)
	})
	t.Run("interactive without provider", func(t *testing.T) {
		_, err := NewManager(config.AuthCfg{Mode: config.ModeInteractive}).GetToken(context.Background())
		var ace *geodberr.AuthConfigurationError
		require.ErrorAs(t, err, &ace)
	})
	t.Run("interactive provider failure", func(t *testing.T) {
		p := ProviderFunc(func(context.Context) (string, error) { return "", errors.New("session closed") })
		_, err := NewManager(config.AuthCfg{Mode: config.ModeInteractive}, WithProvider(p)).GetToken(context.Background())
		var ate *geodberr.AuthTokenError
		require.ErrorAs(t, err, &ate)
		assert.Equal(t, "session closed", ate.Reason)
	})
}

func TestLogout_ForcesFreshExchange(t *testing.T) {
	gw := gatewaytest.New(t)
	path := filepath.Join(t.TempDir(), "token.json")
	m := NewManager(clientCreds(gw.URL), WithStore(NewFileStore(path)))

	_, err := m.GetToken(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Logout(context.Background()))
	assert.Equal(t, StateUnset, m.State())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "cache file must be removed")

	tok, err := m.GetToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", tok)
}
