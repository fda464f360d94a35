// Package gatewaytest runs an in-process fake of the geoDB gateway, its identity
// provider and the map server for tests.
package gatewaytest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
)

// Recorded is one request as the fake received it.
type Recorded struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

// JSONBody decodes the recorded body into v.
func (r Recorded) JSONBody(v any) error { return json.Unmarshal(r.Body, v) }

type Server struct {
	*httptest.Server

	mu          sync.Mutex
	reqs        []Recorded
	collections map[string]map[string]string
	procedures  map[string]struct{}
	rpc         map[string]http.HandlerFunc
	tables      map[string]http.HandlerFunc
	token       http.HandlerFunc
	mapServer   http.HandlerFunc

	tokens atomic.Int64
}

func New(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		collections: map[string]map[string]string{},
		procedures:  map[string]struct{}{},
		rpc:         map[string]http.HandlerFunc{},
		tables:      map[string]http.HandlerFunc{},
	}
	s.token = s.defaultToken

	r := chi.NewRouter()
	r.Use(s.record)
	r.Get("/", s.capabilities)
	r.Post("/oauth/token", func(w http.ResponseWriter, req *http.Request) { s.currentToken()(w, req) })
	r.HandleFunc("/rpc/{name}", s.serveRPC)
	r.HandleFunc("/api/v2/services/xcube_geoserv/*", s.serveMapServer)
	r.HandleFunc("/{table}", s.serveTable)
	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		JSON(w, http.StatusNotFound, map[string]string{"message": "no route for " + req.URL.Path})
	})

	s.Server = httptest.NewServer(r)
	t.Cleanup(s.Close)
	return s
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(b))
		s.mu.Lock()
		s.reqs = append(s.reqs, Recorded{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
			Body:   b,
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

// AddCollection publishes a collection (qualified name) with its columns in the
// capability document.
func (s *Server) AddCollection(qualified string, columns map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if columns == nil {
		columns = map[string]string{"id": "integer", "geometry": "string"}
	}
	s.collections[qualified] = columns
}

func (s *Server) AddProcedures(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		s.procedures["/rpc/"+n] = struct{}{}
	}
}

func (s *Server) HandleRPC(name string, h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rpc[name] = h
	s.procedures["/rpc/"+name] = struct{}{}
}

func (s *Server) HandleTable(method, table string, h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[method+" /"+table] = h
}

func (s *Server) HandleToken(h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = h
}

func (s *Server) HandleMapServer(h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapServer = h
}

// TokensIssued counts answers of the default token handler.
func (s *Server) TokensIssued() int64 { return s.tokens.Load() }

func (s *Server) Requests() []Recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Recorded, len(s.reqs))
	copy(out, s.reqs)
	return out
}

// RequestsTo filters recorded requests by method and exact path.
func (s *Server) RequestsTo(method, path string) []Recorded {
	var out []Recorded
	for _, r := range s.Requests() {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = nil
}

func (s *Server) currentToken() http.HandlerFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *Server) defaultToken(w http.ResponseWriter, _ *http.Request) {
	n := s.tokens.Add(1)
	JSON(w, http.StatusOK, map[string]any{
		"access_token": fmt.Sprintf("token-%d", n),
		"expires_in":   3600,
		"token_type":   "Bearer",
	})
}

func (s *Server) capabilities(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defs := map[string]any{}
	for name, cols := range s.collections {
		props := map[string]any{}
		for c, typ := range cols {
			props[c] = map[string]string{"type": typ, "format": typ}
		}
		defs[name] = map[string]any{"type": "object", "properties": props}
	}
	paths := map[string]any{"/": map[string]any{}}
	for p := range s.procedures {
		paths[p] = map[string]any{}
	}
	for name := range s.collections {
		paths["/"+name] = map[string]any{}
	}
	s.mu.Unlock()

	JSON(w, http.StatusOK, map[string]any{
		"swagger":     "2.0",
		"definitions": defs,
		"paths":       paths,
	})
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.mu.Lock()
	h, ok := s.rpc[name]
	s.mu.Unlock()
	if !ok {
		JSON(w, http.StatusNotFound, map[string]string{
			"message": "Could not find the function " + name,
		})
		return
	}
	h(w, r)
}

func (s *Server) serveTable(w http.ResponseWriter, r *http.Request) {
	table := chi.URLParam(r, "table")
	s.mu.Lock()
	h, ok := s.tables[r.Method+" /"+table]
	s.mu.Unlock()
	if !ok {
		JSON(w, http.StatusNotFound, map[string]string{
			"message": fmt.Sprintf("relation %q does not exist", table),
		})
		return
	}
	h(w, r)
}

func (s *Server) serveMapServer(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	h := s.mapServer
	s.mu.Unlock()
	if h == nil {
		JSON(w, http.StatusNotFound, map[string]string{"message": "map server not configured"})
		return
	}
	h(w, r)
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Src wraps v the way most RPCs answer: [{"src": v}].
func Src(v any) []map[string]any { return []map[string]any{{"src": v}} }

// HasBearer reports whether the recorded request carried the given bearer token.
func (r Recorded) HasBearer(token string) bool {
	return strings.TrimSpace(r.Header.Get("Authorization")) == "Bearer "+token
}
