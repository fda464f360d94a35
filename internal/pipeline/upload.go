package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/geodb-client/internal/core/executor"
	"github.com/mohammed-shakir/geodb-client/internal/core/observability"
	"github.com/mohammed-shakir/geodb-client/internal/geom"
	"github.com/mohammed-shakir/geodb-client/internal/logger"
	"github.com/mohammed-shakir/geodb-client/pkg/dataset"
	"github.com/mohammed-shakir/geodb-client/pkg/geodberr"
)

type InsertRequest struct {
	Database   string
	Collection string
	Dataset    *dataset.Dataset
	Upsert     bool
	CRS        dataset.CRS
	// ChunkSize and Concurrency override the pipeline defaults when positive.
	ChunkSize   int
	Concurrency int
}

type InsertSummary struct {
	Rows   int
	Chunks int
	CRS    dataset.CRS
}

// Insert uploads the dataset in chunks. Chunks already sent stay in the collection
// when a later one fails.
func (p *Pipeline) Insert(ctx context.Context, req InsertRequest) (InsertSummary, error) {
	dn := Qualified(req.Database, req.Collection)
	ctx = logger.WithCollection(logger.WithOperation(ctx, "insert"), dn)

	if req.Dataset == nil {
		return InsertSummary{}, geodberr.Validationf("no dataset given")
	}
	crs, err := p.resolveCRS(ctx, req)
	if err != nil {
		return InsertSummary{}, err
	}

	rows, err := prepareRows(req.Dataset, crs)
	if err != nil {
		return InsertSummary{}, err
	}

	size := req.ChunkSize
	if size <= 0 {
		size = p.chunkSize
	}
	conc := req.Concurrency
	if conc <= 0 {
		conc = p.concurrency
	}
	chunks := chunk(rows, size)

	var header http.Header
	if req.Upsert {
		header = http.Header{executor.HeaderPrefer: {executor.PreferMergeDups}}
	}
	send := func(ctx context.Context, i int, c []map[string]any) error {
		p.logger.DebugContext(ctx, "upload chunk",
			"chunk", i+1,
			"of", len(chunks),
			"rows", len(c))
		_, err := p.disp.Do(ctx, executor.Request{
			Method:  http.MethodPost,
			Path:    "/" + dn,
			Payload: c,
			Header:  header,
		})
		observability.ObserveChunk(len(c), err)
		if err != nil {
			return fmt.Errorf("chunk %d of %d: %w", i+1, len(chunks), err)
		}
		return nil
	}

	if conc <= 1 {
		for i, c := range chunks {
			if err := send(ctx, i, c); err != nil {
				return InsertSummary{}, err
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(conc)
		for i, c := range chunks {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error { return send(gctx, i, c) })
		}
		if err := g.Wait(); err != nil {
			return InsertSummary{}, err
		}
	}

	p.logger.InfoContext(ctx, "rows inserted", "rows", len(rows), "chunks", len(chunks), "crs", crs.String())
	return InsertSummary{Rows: len(rows), Chunks: len(chunks), CRS: crs}, nil
}

// resolveCRS picks the explicit CRS, then the dataset's, then the collection's.
func (p *Pipeline) resolveCRS(ctx context.Context, req InsertRequest) (dataset.CRS, error) {
	explicit, own := req.CRS, req.Dataset.CRS
	switch {
	case explicit.IsSet() && own.IsSet() && explicit != own:
		return 0, geodberr.Validationf("crs %s conflicts with the dataset's crs %s", explicit, own)
	case explicit.IsSet():
		return explicit, nil
	case own.IsSet():
		return own, nil
	}
	srv, ok, err := p.CollectionSRID(ctx, req.Database, req.Collection)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, geodberr.Validationf("no crs given and collection %s has none", Qualified(req.Database, req.Collection))
	}
	return srv, nil
}

// prepareRows lowers column names and tags every geometry with the SRID.
func prepareRows(ds *dataset.Dataset, crs dataset.CRS) ([]map[string]any, error) {
	geomCol := ds.GeometryColumn
	if geomCol == "" {
		geomCol = dataset.DefaultGeometryColumn
	}
	out := make([]map[string]any, len(ds.Rows))
	for i, r := range ds.Rows {
		row := make(map[string]any, len(r))
		for k, v := range r {
			name := strings.ToLower(k)
			if strings.EqualFold(k, geomCol) {
				name = dataset.DefaultGeometryColumn
				if v != nil {
					tagged, err := geom.Tag(v, crs.SRID())
					if err != nil {
						return nil, geodberr.Validationf("row %d: %v", i, err)
					}
					v = tagged
				}
			}
			if _, dup := row[name]; dup {
				return nil, geodberr.Validationf("row %d: column %q collides with another column after lowering", i, k)
			}
			row[name] = v
		}
		out[i] = row
	}
	return out, nil
}

func chunk(rows []map[string]any, size int) [][]map[string]any {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]map[string]any, 0, (len(rows)+size-1)/size)
	for from := 0; from < len(rows); from += size {
		to := min(from+size, len(rows))
		out = append(out, rows[from:to])
	}
	return out
}
