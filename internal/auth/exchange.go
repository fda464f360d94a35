package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mohammed-shakir/geodb-client/internal/core/config"
	"github.com/mohammed-shakir/geodb-client/internal/core/observability"
	"github.com/mohammed-shakir/geodb-client/pkg/geodberr"
)

// buildExchange returns the token request for the configured strategy.
func buildExchange(ctx context.Context, a config.AuthCfg) (*http.Request, error) {
	endpoint := a.TokenEndpoint()
	switch a.Mode {
	case config.ModeClientCredentials:
		body, err := json.Marshal(map[string]string{
			"client_id":     a.ClientID,
			"client_secret": a.ClientSecret,
			"audience":      a.Audience,
			"grant_type":    "client_credentials",
		})
		if err != nil {
			return nil, fmt.Errorf("encode token request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil

	case config.ModePassword:
		form := url.Values{}
		form.Set("client_id", a.ClientID)
		form.Set("username", a.Username)
		form.Set("password", a.Password)
		form.Set("grant_type", "password")
		if a.Audience != "" {
			form.Set("audience", a.Audience)
		}
		if a.ClientSecret != "" {
			form.Set("client_secret", a.ClientSecret)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, fmt.Errorf("build token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return req, nil

	default:
		return nil, &geodberr.AuthConfigurationError{Mode: a.Mode, Err: geodberr.ErrUnknownAuthMode}
	}
}

// exchange performs one token request and returns the decoded answer.
func exchange(ctx context.Context, client *http.Client, a config.AuthCfg) (TokenData, error) {
	req, err := buildExchange(ctx, a)
	if err != nil {
		return TokenData{}, err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := client.Do(req)
	observability.ObserveUpstreamLatency("auth", time.Since(start).Seconds())
	if err != nil {
		return TokenData{}, &geodberr.AuthTokenError{
			Reason: err.Error(),
			Err:    &geodberr.TransportError{Op: http.MethodPost, URL: req.URL.String(), Err: err},
		}
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TokenData{}, &geodberr.AuthTokenError{Status: resp.StatusCode, Reason: "read body: " + err.Error(), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TokenData{}, &geodberr.AuthTokenError{Status: resp.StatusCode, Reason: errorReason(b)}
	}

	var td TokenData
	if err := json.Unmarshal(b, &td); err != nil {
		return TokenData{}, &geodberr.AuthTokenError{Status: resp.StatusCode, Reason: "malformed token response", Err: err}
	}
	if td.AccessToken == "" {
		return TokenData{}, &geodberr.AuthTokenError{
			Status: resp.StatusCode,
			Reason: "the authorization request did not return an access token",
		}
	}
	return td, nil
}

// errorReason extracts the identity provider's explanation from an error body.
func errorReason(b []byte) string {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err == nil {
		for _, k := range []string{"error_description", "error", "message"} {
			if s, ok := m[k].(string); ok && s != "" {
				return s
			}
		}
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "empty response"
	}
	return s
}

// jwtExpiry reads the exp claim of a JWT without verifying its signature.
func jwtExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(token, &claims)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
