package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/geodb-client/pkg/geodberr"
)

// Overrides holds explicitly passed settings. Zero values leave the environment value in place.
type Overrides struct {
	ServerURL         string
	ServerPort        int
	MapServerURL      string
	MapServerPort     int
	Database          string
	AuthMode          string
	ClientID          string
	ClientSecret      string
	Username          string
	Password          string
	AccessToken       string
	AuthDomain        string
	AuthAudience      string
	TokenURI          string
	TokenCachePath    string
	TokenStore        string
	RedisAddr         string
	EventSink         string
	KafkaBrokers      string
	EventTopic        string
	ChunkSize         int
	UploadConcurrency int
	HTTPTimeout       time.Duration
	LogLevel          string
}

// Merge applies o over c and returns the result.
func (c Config) Merge(o Overrides) Config {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if v != 0 {
			*dst = v
		}
	}
	set(&c.ServerURL, o.ServerURL)
	setInt(&c.ServerPort, o.ServerPort)
	set(&c.MapServerURL, o.MapServerURL)
	setInt(&c.MapServerPort, o.MapServerPort)
	set(&c.Database, o.Database)
	set(&c.Auth.Mode, strings.ToLower(o.AuthMode))
	set(&c.Auth.ClientID, o.ClientID)
	set(&c.Auth.ClientSecret, o.ClientSecret)
	set(&c.Auth.Username, o.Username)
	set(&c.Auth.Password, o.Password)
	set(&c.Auth.AccessToken, o.AccessToken)
	set(&c.Auth.Domain, o.AuthDomain)
	set(&c.Auth.Audience, o.AuthAudience)
	set(&c.Auth.TokenURI, o.TokenURI)
	set(&c.TokenCache.Path, o.TokenCachePath)
	set(&c.TokenCache.Driver, strings.ToLower(o.TokenStore))
	set(&c.TokenCache.RedisAddr, o.RedisAddr)
	set(&c.Events.Sink, strings.ToLower(o.EventSink))
	set(&c.Events.Brokers, o.KafkaBrokers)
	set(&c.Events.Topic, o.EventTopic)
	setInt(&c.ChunkSize, o.ChunkSize)
	setInt(&c.UploadConcurrency, o.UploadConcurrency)
	if o.HTTPTimeout > 0 {
		c.HTTPTimeout = o.HTTPTimeout
	}
	set(&c.LogLevel, o.LogLevel)
	return c
}

func (c Config) Validate() error { return ValidateAuth(c.Auth) }

// ValidateAuth checks that the selected auth strategy has what it needs. A static access
// token satisfies every exchanging strategy.
func ValidateAuth(a AuthCfg) error {
	switch a.Mode {
	case ModeNone, ModeInteractive:
		return nil
	case ModeClientCredentials, ModePassword:
	default:
		return &geodberr.AuthConfigurationError{Mode: a.Mode, Err: geodberr.ErrUnknownAuthMode}
	}
	if a.AccessToken != "" {
		return nil
	}
	var missing []string
	need := func(name, v string) {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	need("client_id", a.ClientID)
	if a.Mode == ModeClientCredentials {
		need("client_secret", a.ClientSecret)
		need("audience", a.Audience)
	} else {
		need("username", a.Username)
		need("password", a.Password)
	}
	need("auth_domain", a.Domain)
	if len(missing) > 0 {
		return &geodberr.AuthConfigurationError{Mode: a.Mode, Missing: missing, Err: geodberr.ErrEmptyCredentials}
	}
	return nil
}

func (c Config) ServerBase() string { return joinPort(c.ServerURL, c.ServerPort) }

func (c Config) MapServerBase() string { return joinPort(c.MapServerURL, c.MapServerPort) }

func (a AuthCfg) TokenEndpoint() string {
	uri := a.TokenURI
	if uri == "" {
		uri = DefaultTokenURI
	}
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	return strings.TrimRight(a.Domain, "/") + uri
}

func joinPort(u string, port int) string {
	u = strings.TrimRight(u, "/")
	if port <= 0 {
		return u
	}
	return u + ":" + strconv.Itoa(port)
}
