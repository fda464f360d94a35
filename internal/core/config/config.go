package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	ModeClientCredentials = "client-credentials"
	ModePassword          = "password"
	ModeInteractive       = "interactive"
	ModeNone              = "none"
)

const (
	DefaultServerURL     = "https://xcube-geodb.brockmann-consult.de"
	DefaultServerPort    = 443
	DefaultAuthDomain    = "https://edc.eu.auth0.com"
	DefaultAuthAudience  = "https://winchester.production.brockmann-consult.de/winchester"
	DefaultTokenURI      = "/oauth/token"
	DefaultChunkSize     = 10000
	DefaultTokenCacheRel = ".geodb_token"
)

type AuthCfg struct {
	Mode         string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	AccessToken  string
	Domain       string
	Audience     string
	TokenURI     string
}

type TokenCacheCfg struct {
	Driver    string // file, redis or none
	Path      string
	RedisAddr string
	RedisPass string
	RedisDB   int
}

type EventsCfg struct {
	Sink    string // rpc, kafka or none
	Brokers string
	Topic   string
}

type Config struct {
	ServerURL         string
	ServerPort        int
	MapServerURL      string
	MapServerPort     int
	Database          string
	Auth              AuthCfg
	TokenCache        TokenCacheCfg
	Events            EventsCfg
	ChunkSize         int
	UploadConcurrency int
	HTTPTimeout       time.Duration
	LogLevel          string
	LogReads          bool
}

func FromEnv() Config {
	serverURL := getenv("GEODB_API_SERVER_URL", DefaultServerURL)
	serverPort := getint("GEODB_API_SERVER_PORT", DefaultServerPort)
	return Config{
		ServerURL:     serverURL,
		ServerPort:    serverPort,
		MapServerURL:  getenv("GEOSERVER_SERVER_URL", serverURL),
		MapServerPort: getint("GEOSERVER_SERVER_PORT", serverPort),
		Database:      getenv("GEODB_DATABASE", ""),
		Auth: AuthCfg{
			Mode:         strings.ToLower(getenv("GEODB_AUTH_MODE", ModeClientCredentials)),
			ClientID:     getenv("GEODB_AUTH_CLIENT_ID", ""),
			ClientSecret: getenv("GEODB_AUTH_CLIENT_SECRET", ""),
			Username:     getenv("GEODB_AUTH_USERNAME", ""),
			Password:     getenv("GEODB_AUTH_PASSWORD", ""),
			AccessToken:  getenv("GEODB_AUTH_ACCESS_TOKEN", ""),
			Domain:       getenv("GEODB_AUTH_DOMAIN", DefaultAuthDomain),
			Audience:     getenv("GEODB_AUTH_AUD", DefaultAuthAudience),
			TokenURI:     getenv("GEODB_AUTH_ACCESS_TOKEN_URI", DefaultTokenURI),
		},
		TokenCache: TokenCacheCfg{
			Driver:    strings.ToLower(getenv("GEODB_TOKEN_STORE", "file")),
			Path:      getenv("GEODB_TOKEN_CACHE", defaultTokenCachePath()),
			RedisAddr: getenv("REDIS_ADDR", "localhost:6379"),
			RedisPass: getenv("REDIS_PASSWORD", ""),
			RedisDB:   getint("REDIS_DB", 0),
		},
		Events: EventsCfg{
			Sink:    strings.ToLower(getenv("GEODB_EVENT_SINK", "rpc")),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getenv("GEODB_EVENT_TOPIC", "geodb-events"),
		},
		ChunkSize:         getint("GEODB_CHUNK_SIZE", DefaultChunkSize),
		UploadConcurrency: getint("GEODB_UPLOAD_CONCURRENCY", 1),
		HTTPTimeout:       getduration("GEODB_HTTP_TIMEOUT", 30*time.Second),
		LogLevel:          getenv("LOG_LEVEL", "warn"),
		LogReads:          getbool("GEODB_LOG_READS", true),
	}
}

func defaultTokenCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), DefaultTokenCacheRel)
	}
	return filepath.Join(home, DefaultTokenCacheRel)
}

// BrokerList splits the comma separated broker list.
func (e EventsCfg) BrokerList() []string {
	var out []string
	for b := range strings.SplitSeq(e.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
