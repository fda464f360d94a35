// Package pipeline moves spatial rows between datasets and geoDB collections: chunked,
// CRS tagged uploads and decoded downloads.
package pipeline

import (
	"context"
	"io"
	"log/slog"

	"github.com/mohammed-shakir/geodb-client/internal/core/executor"
)

const DefaultChunkSize = 10000

// Dispatcher sends one request to the gateway.
type Dispatcher interface {
	Do(ctx context.Context, r executor.Request) (*executor.Response, error)
}

// Catalog answers existence questions and memoizes collection SRIDs.
type Catalog interface {
	AssertCollectionExists(ctx context.Context, qualified string) error
	AssertProcedureExists(ctx context.Context, name string) error
	SRID(qualified string) (int, bool)
	RememberSRID(qualified string, srid int)
}

// ReadHook is told about every successful read, for the event log.
type ReadHook func(ctx context.Context, qualified, query string)

type Pipeline struct {
	disp        Dispatcher
	cat         Catalog
	logger      *slog.Logger
	chunkSize   int
	concurrency int
	onRead      ReadHook
}

type Option func(*Pipeline)

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.logger = l } }

// WithChunkSize sets the default rows per upload request.
func WithChunkSize(n int) Option { return func(p *Pipeline) { p.chunkSize = n } }

// WithConcurrency sets how many chunks may be in flight. 1 uploads sequentially.
func WithConcurrency(n int) Option { return func(p *Pipeline) { p.concurrency = n } }

func WithReadHook(h ReadHook) Option { return func(p *Pipeline) { p.onRead = h } }

func New(disp Dispatcher, cat Catalog, opts ...Option) *Pipeline {
	p := &Pipeline{
		disp:        disp,
		cat:         cat,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		chunkSize:   DefaultChunkSize,
		concurrency: 1,
	}
	for _, o := range opts {
		o(p)
	}
	if p.chunkSize <= 0 {
		p.chunkSize = DefaultChunkSize
	}
	if p.concurrency <= 0 {
		p.concurrency = 1
	}
	return p
}

// Qualified returns the gateway table name of a collection.
func Qualified(database, collection string) string {
	return database + "_" + collection
}
