// Package eventlog records user visible actions on collections to the gateway's event
// log or to a Kafka topic.
package eventlog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mohammed-shakir/geodb-client/internal/core/executor"
	"github.com/mohammed-shakir/geodb-client/internal/core/observability"
)

type Type string

const (
	Created           Type = "created"
	DatabaseCreated   Type = "created database"
	Dropped           Type = "dropped"
	Renamed           Type = "renamed"
	Moved             Type = "moved"
	Copied            Type = "copied"
	Read              Type = "read"
	Published         Type = "published"
	Unpublished       Type = "unpublished"
	PublishedGS       Type = "published to geoserver"
	UnpublishedGS     Type = "unpublished from geoserver"
	RowsAdded         Type = "added rows"
	RowsDropped       Type = "dropped rows"
	PropertyAdded     Type = "added property"
	PropertyDropped   Type = "dropped property"
	IndexCreated      Type = "created index"
	IndexDropped      Type = "dropped index"
	DatabaseTruncated Type = "truncated database"
)

var ErrDropped = errors.New("event dropped")

type Event struct {
	ID      string    `json:"id"`
	Type    Type      `json:"event_type"`
	Message string    `json:"message"`
	User    string    `json:"user"`
	TS      time.Time `json:"ts"`
}

type Sink interface {
	Emit(ctx context.Context, ev Event) error
	Close() error
}

type Nop struct{}

func (Nop) Emit(context.Context, Event) error { return nil }
func (Nop) Close() error                      { return nil }

type Dispatcher interface {
	Do(ctx context.Context, r executor.Request) (*executor.Response, error)
}

// RPCSink writes events through the gateway's geodb_log_event procedure.
type RPCSink struct {
	disp Dispatcher
}

func NewRPCSink(disp Dispatcher) *RPCSink { return &RPCSink{disp: disp} }

func (s *RPCSink) Emit(ctx context.Context, ev Event) error {
	_, err := s.disp.Do(ctx, executor.Request{
		Method: http.MethodPost,
		Path:   "/rpc/geodb_log_event",
		Payload: map[string]string{
			"event_type": string(ev.Type),
			"message":    ev.Message,
			"user":       ev.User,
		},
		Header: http.Header{executor.HeaderPrefer: {executor.PreferSingleParam}},
	})
	return err
}

func (s *RPCSink) Close() error { return nil }

// Recorder stamps events and hands them to a sink. Sink failures are logged and
// never returned.
type Recorder struct {
	sink     Sink
	name     string
	user     func(ctx context.Context) string
	logger   *slog.Logger
	logReads bool
	now      func() time.Time
}

type Option func(*Recorder)

func WithLogger(l *slog.Logger) Option { return func(r *Recorder) { r.logger = l } }

// WithUser resolves the user name attached to each event.
func WithUser(f func(ctx context.Context) string) Option { return func(r *Recorder) { r.user = f } }

// WithReads enables events for reads.
func WithReads(on bool) Option { return func(r *Recorder) { r.logReads = on } }

// NewRecorder wraps sink; name labels dropped event metrics.
func NewRecorder(sink Sink, name string, opts ...Option) *Recorder {
	if sink == nil {
		sink = Nop{}
	}
	r := &Recorder{
		sink:     sink,
		name:     name,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		logReads: true,
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Recorder) Record(ctx context.Context, t Type, message string) {
	ev := Event{
		ID:      uuid.NewString(),
		Type:    t,
		Message: message,
		TS:      r.now().UTC(),
	}
	if r.user != nil {
		ev.User = r.user(ctx)
	}
	if err := r.sink.Emit(ctx, ev); err != nil {
		observability.IncEventDropped(r.name)
		r.logger.WarnContext(ctx, "event not recorded", "sink", r.name, "event_type", string(t), "err", err)
	}
}

// Read records a read of a qualified collection, with the query when one was given.
func (r *Recorder) Read(ctx context.Context, qualified, query string) {
	if !r.logReads {
		return
	}
	msg := "read from collection " + qualified
	if query != "" {
		msg += ": " + query
	}
	r.Record(ctx, Read, msg)
}

func (r *Recorder) Close() error { return r.sink.Close() }
