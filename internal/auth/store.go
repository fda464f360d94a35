package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ErrNoEntry is returned by a Store that holds no token.
var ErrNoEntry = errors.New("no cached token")

// Entry is the persisted form of a token:
//
//	{"date": <capture time>, "client": <client id>, "data": {"access_token": ..., "expires_in": ...}}
type Entry struct {
	Date   string    `json:"date"`
	Client string    `json:"client"`
	Data   TokenData `json:"data"`
}

type TokenData struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type,omitempty"`
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

func (e Entry) capturedAt() (time.Time, error) {
	for _, l := range dateLayouts {
		if t, err := time.Parse(l, e.Date); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", e.Date)
}

// Store persists a single token entry across processes.
type Store interface {
	Load(ctx context.Context) (Entry, error)
	Save(ctx context.Context, e Entry) error
	Clear(ctx context.Context) error
}

type NopStore struct{}

func (NopStore) Load(context.Context) (Entry, error) { return Entry{}, ErrNoEntry }
func (NopStore) Save(context.Context, Entry) error   { return nil }
func (NopStore) Clear(context.Context) error         { return nil }

// FileStore keeps the entry in a JSON file. Writes go to a temporary file in the same
// directory and are renamed into place, so readers never see a partial document.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore { return &FileStore{Path: path} }

func (s *FileStore) Load(_ context.Context) (Entry, error) {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, ErrNoEntry
	}
	if err != nil {
		return Entry{}, fmt.Errorf("read token cache: %w", err)
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return Entry{}, fmt.Errorf("parse token cache %s: %w", s.Path, err)
	}
	return e, nil
}

func (s *FileStore) Save(_ context.Context, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode token cache: %w", err)
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create token cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp token cache: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp token cache: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp token cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp token cache: %w", err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		return fmt.Errorf("rename token cache: %w", err)
	}
	return nil
}

func (s *FileStore) Clear(_ context.Context) error {
	err := os.Remove(s.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove token cache: %w", err)
	}
	return nil
}
