package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/mohammed-shakir/geodb-client/internal/gatewaytest"
	"github.com/mohammed-shakir/geodb-client/internal/logger"
	"github.com/mohammed-shakir/geodb-client/pkg/dataset"
	"github.com/mohammed-shakir/geodb-client/pkg/geodberr"
)

type staticTokens string

func (s staticTokens) GetToken(context.Context) (string, error) { return string(s), nil }

type failingTokens struct{ err error }

func (f failingTokens) GetToken(context.Context) (string, error) { return "", f.err }

type countingInvalidator struct{ n atomic.Int32 }

func (c *countingInvalidator) Invalidate() { c.n.Add(1) }

func newExec(gw, ms *gatewaytest.Server, tokens TokenSource) *Executor {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mapBase := ""
	if ms != nil {
		mapBase = ms.URL
	}
	return New(logger, nil, gw.URL, mapBase, tokens)
}

func TestExecutor_CommonHeadersAndBearer(t *testing.T) {
	gw := gatewaytest.New(t)
	gw.HandleTable(http.MethodGet, "db_lakes", func(w http.ResponseWriter, _ *http.Request) {
		gatewaytest.JSON(w, http.StatusOK, []map[string]any{{"id": 1}})
	})
	exec := newExec(gw, nil, staticTokens("tok"))

	ctx := logger.WithRequestID(context.Background(), "req-1")
	resp, err := exec.Get(ctx, "/db_lakes", url.Values{"limit": {"5"}}, nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("status=%d want 200", resp.Status)
	}

	reqs := gw.RequestsTo(http.MethodGet, "/db_lakes")
	if len(reqs) != 1 {
		t.Fatalf("requests=%d want 1", len(reqs))
	}
	r := reqs[0]
	if !r.HasBearer("tok") {
		t.Fatalf("Authorization=%q", r.Header.Get("Authorization"))
	}
	if got := r.Header.Get("Prefer"); got != PreferRepresent {
		t.Fatalf("Prefer=%q", got)
	}
	if got := r.Header.Get("Content-Type"); got != "application/json" {
		t.Fatalf("Content-Type=%q", got)
	}
	if got := r.Header.Get("X-Request-Id"); got != "req-1" {
		t.Fatalf("X-Request-Id=%q", got)
	}
	if got := r.Query.Get("limit"); got != "5" {
		t.Fatalf("limit=%q", got)
	}
}

func TestExecutor_HeaderOverridesAndSingleObject(t *testing.T) {
	gw := gatewaytest.New(t)
	gw.HandleRPC("geodb_get_pg", func(w http.ResponseWriter, _ *http.Request) {
		gatewaytest.JSON(w, http.StatusOK, map[string]any{"src": []any{}})
	})
	exec := newExec(gw, nil, staticTokens(""))

	_, err := exec.Do(context.Background(), Request{
		Method:       http.MethodPost,
		Path:         "/rpc/geodb_get_pg",
		Payload:      map[string]any{"collection": "db_lakes"},
		Header:       http.Header{"Prefer": {PreferSingleParam}},
		SingleObject: true,
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	r := gw.RequestsTo(http.MethodPost, "/rpc/geodb_get_pg")[0]
	if got := r.Header.Values("Prefer"); len(got) != 1 || got[0] != PreferSingleParam {
		t.Fatalf("Prefer=%v want [%s]", got, PreferSingleParam)
	}
	if got := r.Header.Get("Accept"); got != MediaSingleObject {
		t.Fatalf("Accept=%q", got)
	}
	if got := r.Header.Get("Authorization"); got != "" {
		t.Fatalf("empty token must not send Authorization, got %q", got)
	}
	var body map[string]string
	if err := r.JSONBody(&body); err != nil || body["collection"] != "db_lakes" {
		t.Fatalf("body=%s err=%v", r.Body, err)
	}
}

func TestExecutor_CSVEncoding(t *testing.T) {
	gw := gatewaytest.New(t)
	gw.HandleTable(http.MethodPost, "db_lakes", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	exec := newExec(gw, nil, nil)

	rows := []dataset.Row{
		{"name": "a", "id": 1},
		{"id": 2, "depth": 3.5},
	}
	_, err := exec.Do(context.Background(), Request{
		Method:   http.MethodPost,
		Path:     "/db_lakes",
		Payload:  rows,
		Encoding: EncodingCSV,
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	r := gw.RequestsTo(http.MethodPost, "/db_lakes")[0]
	if got := r.Header.Get("Content-Type"); got != "text/csv" {
		t.Fatalf("Content-Type=%q", got)
	}
	want := "depth,id,name\n,1,a\n3.5,2,\n"
	if string(r.Body) != want {
		t.Fatalf("body=%q want %q", r.Body, want)
	}
}

func TestExecutor_MapServerRouting(t *testing.T) {
	gw := gatewaytest.New(t)
	ms := gatewaytest.New(t)
	ms.HandleMapServer(func(w http.ResponseWriter, _ *http.Request) {
		gatewaytest.JSON(w, http.StatusOK, []string{"lakes"})
	})
	exec := newExec(gw, ms, nil)

	if _, err := exec.Get(context.Background(), "/api/v2/services/xcube_geoserv/collections", nil, nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if n := len(ms.Requests()); n != 1 {
		t.Fatalf("map server requests=%d want 1", n)
	}
	if n := len(gw.Requests()); n != 0 {
		t.Fatalf("gateway requests=%d want 0", n)
	}
}

func TestExecutor_ServerErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"message", `{"message":"relation missing","hint":"h"}`, "relation missing"},
		{"details", `{"details":"bad column"}`, "bad column"},
		{"hint", `{"hint":"try again"}`, "try again"},
		{"raw", `upstream exploded`, "upstream exploded"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			gw := gatewaytest.New(t)
			gw.HandleRPC("boom", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := newExec(gw, nil, nil).Post(context.Background(), "/rpc/boom", nil, nil, nil)
			var se *geodberr.ServerError
			if !errors.As(err, &se) {
				t.Fatalf("err=%v want ServerError", err)
			}
			if se.Status != http.StatusBadRequest || se.Message != tc.want {
				t.Fatalf("got status=%d message=%q want 400 %q", se.Status, se.Message, tc.want)
			}
			if geodberr.Status(err) != http.StatusBadRequest {
				t.Fatalf("Status(err)=%d", geodberr.Status(err))
			}
		})
	}
}

func TestExecutor_TransportError(t *testing.T) {
	gw := gatewaytest.New(t)
	exec := newExec(gw, nil, nil)
	gw.Close()

	_, err := exec.Get(context.Background(), "/", nil, nil)
	var te *geodberr.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err=%v want TransportError", err)
	}
	if !IsTransport(err) {
		t.Fatalf("IsTransport=false")
	}
}

func TestExecutor_CanceledContext(t *testing.T) {
	gw := gatewaytest.New(t)
	exec := newExec(gw, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := exec.Get(ctx, "/", nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled in chain", err)
	}
}

func TestExecutor_TokenErrorPropagates(t *testing.T) {
	gw := gatewaytest.New(t)
	want := &geodberr.AuthTokenError{Status: 401, Reason: "denied"}
	_, err := newExec(gw, nil, failingTokens{err: want}).Get(context.Background(), "/", nil, nil)
	if !errors.Is(err, want) {
		t.Fatalf("err=%v want the token error unchanged", err)
	}
	if n := len(gw.Requests()); n != 0 {
		t.Fatalf("requests=%d want 0", n)
	}
}

func TestExecutor_SchemaMutatingRPCInvalidates(t *testing.T) {
	gw := gatewaytest.New(t)
	ok := func(w http.ResponseWriter, _ *http.Request) { gatewaytest.JSON(w, http.StatusOK, gatewaytest.Src(true)) }
	gw.HandleRPC("geodb_create_collections", ok)
	gw.HandleRPC("geodb_count_collection", ok)
	gw.HandleRPC("geodb_drop_collections", func(w http.ResponseWriter, _ *http.Request) {
		gatewaytest.JSON(w, http.StatusForbidden, map[string]string{"message": "no"})
	})

	exec := newExec(gw, nil, nil)
	inv := &countingInvalidator{}
	exec.SetInvalidator(inv)

	if _, err := exec.Post(context.Background(), "/rpc/geodb_count_collection", nil, nil, nil); err != nil {
		t.Fatalf("count: %v", err)
	}
	if inv.n.Load() != 0 {
		t.Fatalf("read-only RPC invalidated the cache")
	}
	if _, err := exec.Post(context.Background(), "/rpc/geodb_create_collections", nil, nil, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if inv.n.Load() != 1 {
		t.Fatalf("invalidations=%d want 1", inv.n.Load())
	}
	if _, err := exec.Post(context.Background(), "/rpc/geodb_drop_collections", nil, nil, nil); err == nil {
		t.Fatalf("expected error")
	}
	if inv.n.Load() != 1 {
		t.Fatalf("failed RPC must not invalidate, got %d", inv.n.Load())
	}
}

func TestExecutor_RootReturnsDocument(t *testing.T) {
	gw := gatewaytest.New(t)
	gw.AddCollection("db_lakes", nil)
	b, err := newExec(gw, nil, nil).Root(context.Background())
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	if !strings.Contains(string(b), `"db_lakes"`) {
		t.Fatalf("document misses collection: %s", b)
	}
}

func TestEncodeCSV_RejectsNonRows(t *testing.T) {
	_, err := encodeCSV(map[string]any{"a": 1})
	var ve *geodberr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err=%v want ValidationError", err)
	}
}
