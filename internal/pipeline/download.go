package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/geodb-client/internal/core/executor"
	"github.com/mohammed-shakir/geodb-client/internal/geom"
	"github.com/mohammed-shakir/geodb-client/internal/logger"
	"github.com/mohammed-shakir/geodb-client/pkg/dataset"
	"github.com/mohammed-shakir/geodb-client/pkg/geodberr"
)

const (
	ModeContains = "contains"
	ModeWithin   = "within"

	defaultWhere = "id>-1"
	defaultOp    = "AND"
)

type QueryRequest struct {
	Database   string
	Collection string
	// Filter is a PostgREST query string, e.g. "name=eq.Lake&select=id,geometry".
	Filter string
	Limit  int
	Offset int
}

type BBoxQuery struct {
	Database               string
	Collection             string
	MinX, MinY, MaxX, MaxY float64
	Mode                   string
	BBoxCRS                dataset.CRS
	Limit                  int
	Offset                 int
	Where                  string
	Op                     string
}

type RawQuery struct {
	Database   string
	Collection string
	Select     string
	Where      string
	Group      string
	Order      string
	Limit      int
	Offset     int
}

// Query reads rows through the collection's table endpoint.
func (p *Pipeline) Query(ctx context.Context, q QueryRequest) (*dataset.Dataset, error) {
	dn := Qualified(q.Database, q.Collection)
	ctx = logger.WithCollection(logger.WithOperation(ctx, "query"), dn)
	if err := p.cat.AssertCollectionExists(ctx, dn); err != nil {
		return nil, err
	}

	query, err := ParseFilter(q.Filter)
	if err != nil {
		return nil, err
	}
	if q.Limit > 0 || q.Offset > 0 {
		if query == nil {
			query = url.Values{}
		}
		if q.Limit > 0 {
			query.Set("limit", strconv.Itoa(q.Limit))
		}
		query.Set("offset", strconv.Itoa(q.Offset))
	}

	resp, err := p.disp.Do(ctx, executor.Request{Method: http.MethodGet, Path: "/" + dn, Query: query})
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := resp.JSON(&rows); err != nil {
		return nil, err
	}

	p.read(ctx, dn, query.Encode())
	return p.toDataset(ctx, q.Database, q.Collection, rows)
}

// ParseFilter splits a PostgREST query string into values so that every part is
// escaped on the wire. Values containing '&' must be percent-encoded by the caller.
func ParseFilter(filter string) (url.Values, error) {
	filter = strings.TrimPrefix(strings.TrimSpace(filter), "?")
	if filter == "" {
		return nil, nil
	}
	q, err := url.ParseQuery(filter)
	if err != nil {
		return nil, geodberr.Validationf("filter %q: %v", filter, err)
	}
	return q, nil
}

// QueryByBBox selects rows intersecting a box via geodb_get_by_bbox. The box is sent
// in BBoxCRS; the server handles any difference to the collection's CRS.
func (p *Pipeline) QueryByBBox(ctx context.Context, q BBoxQuery) (*dataset.Dataset, error) {
	dn := Qualified(q.Database, q.Collection)
	ctx = logger.WithCollection(logger.WithOperation(ctx, "query_by_bbox"), dn)

	payload, err := p.bboxPayload(ctx, dn, q, "geodb_get_by_bbox")
	if err != nil {
		return nil, err
	}
	payload["limit"] = q.Limit
	payload["offset"] = q.Offset
	rows, err := p.rpcRows(ctx, "geodb_get_by_bbox", payload)
	if err != nil {
		return nil, err
	}
	b, _ := json.Marshal(payload)
	p.read(ctx, dn, string(b))
	return p.toDataset(ctx, q.Database, q.Collection, rows)
}

// CountByBBox counts the rows QueryByBBox would select, ignoring Limit and Offset.
func (p *Pipeline) CountByBBox(ctx context.Context, q BBoxQuery) (int64, error) {
	dn := Qualified(q.Database, q.Collection)
	ctx = logger.WithCollection(logger.WithOperation(ctx, "count_by_bbox"), dn)

	payload, err := p.bboxPayload(ctx, dn, q, "geodb_count_by_bbox")
	if err != nil {
		return 0, err
	}
	rows, err := p.rpcRows(ctx, "geodb_count_by_bbox", payload)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	// one row with a single count column; its name differs between server versions
	for _, v := range rows[0] {
		switch n := v.(type) {
		case float64:
			return int64(n), nil
		case string:
			if c, err := strconv.ParseInt(n, 10, 64); err == nil {
				return c, nil
			}
		}
	}
	return 0, fmt.Errorf("count by bbox of %s: no count in %v", dn, rows[0])
}

func (p *Pipeline) bboxPayload(ctx context.Context, dn string, q BBoxQuery, procedure string) (map[string]any, error) {
	mode := strings.ToLower(strings.TrimSpace(q.Mode))
	if mode == "" {
		mode = ModeContains
	}
	if mode != ModeContains && mode != ModeWithin {
		return nil, geodberr.Validationf("comparison mode %q must be %q or %q", q.Mode, ModeContains, ModeWithin)
	}
	if q.MinX > q.MaxX || q.MinY > q.MaxY {
		return nil, geodberr.Validationf("bbox min must not exceed max")
	}
	if err := guardFragments(q.Where); err != nil {
		return nil, err
	}
	if err := p.cat.AssertCollectionExists(ctx, dn); err != nil {
		return nil, err
	}
	if err := p.cat.AssertProcedureExists(ctx, procedure); err != nil {
		return nil, err
	}

	bboxCRS := q.BBoxCRS
	if !bboxCRS.IsSet() {
		bboxCRS = dataset.WGS84
	}
	where := q.Where
	if where == "" {
		where = defaultWhere
	}
	op := q.Op
	if op == "" {
		op = defaultOp
	}
	return map[string]any{
		"collection":      dn,
		"minx":            q.MinX,
		"miny":            q.MinY,
		"maxx":            q.MaxX,
		"maxy":            q.MaxY,
		"comparison_mode": mode,
		"bbox_crs":        bboxCRS.SRID(),
		"where":           where,
		"op":              op,
	}, nil
}

// QueryRaw runs a restricted SELECT via geodb_get_pg.
func (p *Pipeline) QueryRaw(ctx context.Context, q RawQuery) (*dataset.Dataset, error) {
	dn := Qualified(q.Database, q.Collection)
	ctx = logger.WithCollection(logger.WithOperation(ctx, "query_raw"), dn)

	sel := q.Select
	if strings.TrimSpace(sel) == "" {
		sel = "*"
	}
	if err := guardFragments(sel, q.Where, q.Group, q.Order); err != nil {
		return nil, err
	}
	if err := p.cat.AssertCollectionExists(ctx, dn); err != nil {
		return nil, err
	}
	if err := p.cat.AssertProcedureExists(ctx, "geodb_get_pg"); err != nil {
		return nil, err
	}

	payload := map[string]any{
		"select":     sel,
		"where":      nullable(q.Where),
		"group":      nullable(q.Group),
		"order":      nullable(q.Order),
		"limit":      nullableInt(q.Limit),
		"offset":     nullableInt(q.Offset),
		"collection": dn,
	}
	rows, err := p.rpcRows(ctx, "geodb_get_pg", payload)
	if err != nil {
		return nil, err
	}
	p.read(ctx, dn, "")
	return p.toDataset(ctx, q.Database, q.Collection, rows)
}

// rpcRows calls a single object RPC answering {"src": [rows]}.
func (p *Pipeline) rpcRows(ctx context.Context, name string, payload any) ([]map[string]any, error) {
	resp, err := p.disp.Do(ctx, executor.Request{
		Method:       http.MethodPost,
		Path:         "/rpc/" + name,
		Payload:      payload,
		SingleObject: true,
	})
	if err != nil {
		return nil, err
	}
	var out struct {
		Src []map[string]any `json:"src"`
	}
	if err := resp.JSON(&out); err != nil {
		return nil, err
	}
	return out.Src, nil
}

// CollectionSRID asks the server for the collection's SRID. Any non-2xx answer or an
// empty result means the collection has none.
func (p *Pipeline) CollectionSRID(ctx context.Context, database, collection string) (dataset.CRS, bool, error) {
	dn := Qualified(database, collection)
	if srid, ok := p.cat.SRID(dn); ok {
		return dataset.EPSG(srid), true, nil
	}
	resp, err := p.disp.Do(ctx, executor.Request{
		Method:  http.MethodPost,
		Path:    "/rpc/geodb_get_collection_srid",
		Payload: map[string]string{"collection": dn},
	})
	var se *geodberr.ServerError
	if errors.As(err, &se) {
		p.logger.DebugContext(ctx, "collection has no srid", "collection", dn, "status", se.Status)
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	var out []struct {
		Src []map[string]any `json:"src"`
	}
	if err := resp.JSON(&out); err != nil {
		return 0, false, err
	}
	if len(out) == 0 || len(out[0].Src) == 0 || out[0].Src[0]["srid"] == nil {
		return 0, false, nil
	}
	crs, err := dataset.CRSFrom(out[0].Src[0]["srid"])
	if err != nil {
		return 0, false, fmt.Errorf("collection %s srid: %w", dn, err)
	}
	if !crs.IsSet() {
		return 0, false, nil
	}
	p.cat.RememberSRID(dn, crs.SRID())
	return crs, true, nil
}

// Count returns the row count, exact or the planner's estimate (-1 when unknown).
func (p *Pipeline) Count(ctx context.Context, database, collection string, exact bool) (int64, error) {
	dn := Qualified(database, collection)
	name := "geodb_estimate_collection_count"
	if exact {
		name = "geodb_count_collection"
	}
	resp, err := p.disp.Do(ctx, executor.Request{
		Method:  http.MethodPost,
		Path:    "/rpc/" + name,
		Payload: map[string]string{"collection": dn},
	})
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(resp.Text()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse count %q: %w", resp.Text(), err)
	}
	return n, nil
}

// toDataset decodes geometries and attaches the collection's CRS. An empty result
// skips the SRID lookup.
func (p *Pipeline) toDataset(ctx context.Context, database, collection string, rows []map[string]any) (*dataset.Dataset, error) {
	if len(rows) == 0 {
		return dataset.Empty(), nil
	}
	out := make([]dataset.Row, len(rows))
	embedded := 0
	for i, r := range rows {
		if v, ok := r[dataset.DefaultGeometryColumn]; ok && v != nil {
			g, srid, err := geom.Decode(v)
			if err != nil {
				return nil, fmt.Errorf("row %d geometry: %w", i, err)
			}
			r[dataset.DefaultGeometryColumn] = g
			if embedded == 0 && srid > 0 {
				embedded = srid
			}
		}
		out[i] = r
	}

	crs, ok, err := p.CollectionSRID(ctx, database, collection)
	if err != nil {
		return nil, err
	}
	if !ok && embedded > 0 {
		crs = dataset.EPSG(embedded)
	}
	return dataset.New(out, crs), nil
}

func (p *Pipeline) read(ctx context.Context, qualified, query string) {
	if p.onRead != nil {
		p.onRead(ctx, qualified, query)
	}
}

func nullable(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullableInt(n int) any {
	if n <= 0 {
		return nil
	}
	return n
}
