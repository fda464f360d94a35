// Package executor sends requests to the geoDB gateway and the map server: it attaches
// the bearer token and common headers, routes by path and maps failures to typed errors.
package executor

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/mohammed-shakir/geodb-client/internal/core/observability"
	"github.com/mohammed-shakir/geodb-client/internal/logger"
	"github.com/mohammed-shakir/geodb-client/pkg/dataset"
	"github.com/mohammed-shakir/geodb-client/pkg/geodberr"
)

const (
	HeaderPrefer        = "Prefer"
	PreferRepresent     = "return=representation"
	PreferSingleParam   = "params=single-object"
	PreferMergeDups     = "resolution=merge-duplicates"
	MediaSingleObject   = "application/vnd.pgrst.object+json"
	mapServerPathMarker = "services/xcube_geoserv"
)

// RPCs whose success changes the set of collections or columns.
var schemaMutating = map[string]struct{}{
	"geodb_create_collections": {},
	"geodb_drop_collections":   {},
	"geodb_add_properties":     {},
	"geodb_drop_properties":    {},
	"geodb_rename_collection":  {},
	"geodb_copy_collection":    {},
	"geodb_create_database":    {},
	"geodb_truncate_database":  {},
}

type Encoding int

const (
	EncodingJSON Encoding = iota
	EncodingCSV
)

// TokenSource returns the bearer token for the next call. An empty token sends no
// Authorization header.
type TokenSource interface {
	GetToken(ctx context.Context) (string, error)
}

type Invalidator interface {
	Invalidate()
}

type Request struct {
	Method       string
	Path         string
	Payload      any
	Query        url.Values
	Header       http.Header
	Encoding     Encoding
	SingleObject bool
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (r *Response) Text() string { return string(r.Body) }

type Executor struct {
	logger      *slog.Logger
	client      *http.Client
	gatewayBase string
	mapBase     string
	tokens      TokenSource
	inval       Invalidator
	startNow    func() time.Time // for tests
}

// New returns an executor calling gatewayBase and mapBase (scheme://host[:port]).
// tokens may be nil when the gateway needs no authentication.
func New(logger *slog.Logger, client *http.Client, gatewayBase, mapBase string, tokens TokenSource) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	if mapBase == "" {
		mapBase = gatewayBase
	}
	return &Executor{
		logger:      logger,
		client:      client,
		gatewayBase: strings.TrimRight(gatewayBase, "/"),
		mapBase:     strings.TrimRight(mapBase, "/"),
		tokens:      tokens,
		startNow:    time.Now,
	}
}

// SetInvalidator registers the cache to clear after schema changing RPCs.
func (e *Executor) SetInvalidator(inv Invalidator) { e.inval = inv }

func (e *Executor) MapServerBase() string { return e.mapBase }

func (e *Executor) Get(ctx context.Context, path string, query url.Values, header http.Header) (*Response, error) {
	return e.Do(ctx, Request{Method: http.MethodGet, Path: path, Query: query, Header: header})
}

func (e *Executor) Post(ctx context.Context, path string, payload any, query url.Values, header http.Header) (*Response, error) {
	return e.Do(ctx, Request{Method: http.MethodPost, Path: path, Payload: payload, Query: query, Header: header})
}

func (e *Executor) Patch(ctx context.Context, path string, payload any, query url.Values, header http.Header) (*Response, error) {
	return e.Do(ctx, Request{Method: http.MethodPatch, Path: path, Payload: payload, Query: query, Header: header})
}

func (e *Executor) Put(ctx context.Context, path string, payload any, query url.Values, header http.Header) (*Response, error) {
	return e.Do(ctx, Request{Method: http.MethodPut, Path: path, Payload: payload, Query: query, Header: header})
}

func (e *Executor) Delete(ctx context.Context, path string, query url.Values, header http.Header) (*Response, error) {
	return e.Do(ctx, Request{Method: http.MethodDelete, Path: path, Query: query, Header: header})
}

// Root fetches the gateway's capability document.
func (e *Executor) Root(ctx context.Context) ([]byte, error) {
	resp, err := e.Get(ctx, "/", nil, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (e *Executor) Do(ctx context.Context, r Request) (*Response, error) {
	if r.Method == "" {
		r.Method = http.MethodGet
	}
	target, upstream, err := e.resolve(r.Path, r.Query)
	if err != nil {
		return nil, err
	}

	body, contentType, err := encodeBody(r.Payload, r.Encoding)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(HeaderPrefer, PreferRepresent)
	req.Header.Set("Content-Type", contentType)
	if r.SingleObject {
		req.Header.Set("Accept", MediaSingleObject)
	}
	for k, vs := range r.Header {
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if id := logger.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-Id", id)
	}

	if e.tokens != nil {
		tok, err := e.tokens.GetToken(ctx)
		if err != nil {
			return nil, err
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	start := e.startNow()
	resp, err := e.client.Do(req)
	dur := time.Since(start)
	observability.ObserveUpstreamLatency(upstream, dur.Seconds())
	if err != nil {
		observability.ObserveRequest(upstream, r.Method, 0, dur.Seconds())
		e.log().WarnContext(ctx, "request failed", "method", r.Method, "path", r.Path, "err", err)
		return nil, &geodberr.TransportError{Op: r.Method, URL: redact(target), Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	b, err := io.ReadAll(resp.Body)
	observability.ObserveRequest(upstream, r.Method, resp.StatusCode, dur.Seconds())
	if err != nil {
		return nil, &geodberr.TransportError{Op: r.Method, URL: redact(target), Err: fmt.Errorf("read body: %w", err)}
	}

	e.log().DebugContext(ctx, "request done",
		"method", r.Method,
		"path", r.Path,
		"upstream", upstream,
		"status", resp.StatusCode,
		"duration", dur)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &geodberr.ServerError{Status: resp.StatusCode, Message: serverMessage(b), Body: b}
	}

	if e.inval != nil && isSchemaMutating(r.Path) {
		e.inval.Invalidate()
	}
	return &Response{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: b}, nil
}

func (e *Executor) log() *slog.Logger {
	if e.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return e.logger
}

// resolve builds the absolute URL for path and names the upstream it belongs to.
func (e *Executor) resolve(path string, query url.Values) (string, string, error) {
	base, upstream := e.gatewayBase, "gateway"
	if strings.Contains(path, mapServerPathMarker) {
		base, upstream = e.mapBase, "mapserver"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u, err := url.Parse(base + path)
	if err != nil {
		return "", "", fmt.Errorf("parse url %q: %w", path, err)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), upstream, nil
}

func isSchemaMutating(path string) bool {
	p := path
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	name, ok := strings.CutPrefix(p, "/rpc/")
	if !ok {
		return false
	}
	_, hit := schemaMutating[name]
	return hit
}

func encodeBody(payload any, enc Encoding) (io.Reader, string, error) {
	if enc == EncodingCSV {
		b, err := encodeCSV(payload)
		if err != nil {
			return nil, "", err
		}
		return bytes.NewReader(b), "text/csv", nil
	}
	switch p := payload.(type) {
	case nil:
		return http.NoBody, "application/json", nil
	case []byte:
		return bytes.NewReader(p), "application/json", nil
	case json.RawMessage:
		return bytes.NewReader(p), "application/json", nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", geodberr.Validationf("payload is not JSON encodable: %v", err)
	}
	return bytes.NewReader(b), "application/json", nil
}

// encodeCSV writes rows with a header of the sorted union of their column names.
func encodeCSV(payload any) ([]byte, error) {
	var rows []map[string]any
	switch p := payload.(type) {
	case []map[string]any:
		rows = p
	case []dataset.Row:
		rows = make([]map[string]any, len(p))
		for i, r := range p {
			rows[i] = r
		}
	case *dataset.Dataset:
		return encodeCSV(p.Rows)
	default:
		return nil, geodberr.Validationf("csv encoding needs rows, got %T", payload)
	}

	seen := map[string]struct{}{}
	var cols []string
	for _, r := range rows {
		for k := range r {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				cols = append(cols, k)
			}
		}
	}
	sort.Strings(cols)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(cols); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	rec := make([]string, len(cols))
	for _, r := range rows {
		for i, c := range cols {
			v, ok := r[c]
			if !ok || v == nil {
				rec[i] = ""
				continue
			}
			rec[i] = fmt.Sprint(v)
		}
		if err := w.Write(rec); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

// serverMessage extracts the gateway's explanation from an error body.
func serverMessage(b []byte) string {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err == nil {
		for _, k := range []string{"message", "details", "hint", "error"} {
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

func redact(target string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	u.User = nil
	return u.String()
}

// IsTransport reports whether err is a network level failure rather than a server answer.
func IsTransport(err error) bool {
	var te *geodberr.TransportError
	return errors.As(err, &te)
}
