package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ExternalTokenProvider supplies tokens obtained outside the client, for example from an
// interactive login session. The manager neither exchanges nor caches them.
type ExternalTokenProvider interface {
	Token(ctx context.Context) (string, error)
}

type ProviderFunc func(ctx context.Context) (string, error)

func (f ProviderFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticProvider always returns the same token.
type StaticProvider string

func (p StaticProvider) Token(context.Context) (string, error) {
	if p == "" {
		return "", errors.New("no token configured")
	}
	return string(p), nil
}

// TerminalProvider prompts once for a token on a terminal without echoing it and
// remembers the answer for the rest of the process.
type TerminalProvider struct {
	In     *os.File
	Out    io.Writer
	Prompt string

	mu    sync.Mutex
	token string
}

func NewTerminalProvider() *TerminalProvider {
	return &TerminalProvider{In: os.Stdin, Out: os.Stderr, Prompt: "geoDB access token: "}
}

func (p *TerminalProvider) Token(_ context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" {
		return p.token, nil
	}
	fd := int(p.In.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("interactive login needs a terminal")
	}
	if _, err := fmt.Fprint(p.Out, p.Prompt); err != nil {
		return "", fmt.Errorf("write prompt: %w", err)
	}
	b, err := term.ReadPassword(fd)
	_, _ = fmt.Fprintln(p.Out)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return "", errors.New("empty token")
	}
	p.token = tok
	return tok, nil
}

// Forget drops the remembered token so the next call prompts again.
func (p *TerminalProvider) Forget() {
	p.mu.Lock()
	p.token = ""
	p.mu.Unlock()
}
