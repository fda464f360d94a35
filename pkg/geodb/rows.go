package geodb

import (
	"context"
	"fmt"
	"maps"
	"net/url"

	"github.com/mohammed-shakir/geodb-client/internal/eventlog"
	"github.com/mohammed-shakir/geodb-client/internal/pipeline"
	"github.com/mohammed-shakir/geodb-client/pkg/dataset"
	"github.com/mohammed-shakir/geodb-client/pkg/geodberr"
)

type (
	InsertRequest = pipeline.InsertRequest
	InsertSummary = pipeline.InsertSummary
	QueryRequest  = pipeline.QueryRequest
	BBoxQuery     = pipeline.BBoxQuery
	RawQuery      = pipeline.RawQuery
)

const (
	ModeContains = pipeline.ModeContains
	ModeWithin   = pipeline.ModeWithin

	defaultHeadRows = 10
)

func (c *Client) defaultDatabase(ctx context.Context, db *string) error {
	if *db != "" {
		return nil
	}
	d, err := c.Database(ctx)
	if err != nil {
		return err
	}
	*db = d
	return nil
}

// Insert uploads req.Dataset in chunks. Rows of chunks sent before a failure stay in
// the collection.
func (c *Client) Insert(ctx context.Context, req InsertRequest) (InsertSummary, error) {
	if err := c.defaultDatabase(ctx, &req.Database); err != nil {
		return InsertSummary{}, err
	}
	sum, err := c.pipe.Insert(ctx, req)
	if err != nil {
		return sum, err
	}
	c.events.Record(ctx, eventlog.RowsAdded,
		fmt.Sprintf("%d rows inserted into %s", sum.Rows, pipeline.Qualified(req.Database, req.Collection)))
	return sum, nil
}

// Upsert is Insert with rows of an existing id merged instead of rejected.
func (c *Client) Upsert(ctx context.Context, req InsertRequest) (InsertSummary, error) {
	req.Upsert = true
	return c.Insert(ctx, req)
}

func (c *Client) Query(ctx context.Context, q QueryRequest) (*dataset.Dataset, error) {
	if err := c.defaultDatabase(ctx, &q.Database); err != nil {
		return nil, err
	}
	return c.pipe.Query(ctx, q)
}

// QueryByBBox returns the rows whose geometry lies within, or contains, the box. The
// server reprojects the box when its CRS differs from the collection's.
func (c *Client) QueryByBBox(ctx context.Context, q BBoxQuery) (*dataset.Dataset, error) {
	if err := c.defaultDatabase(ctx, &q.Database); err != nil {
		return nil, err
	}
	return c.pipe.QueryByBBox(ctx, q)
}

// CountByBBox counts the rows QueryByBBox would return, ignoring q.Limit and q.Offset.
func (c *Client) CountByBBox(ctx context.Context, q BBoxQuery) (int64, error) {
	if err := c.defaultDatabase(ctx, &q.Database); err != nil {
		return 0, err
	}
	return c.pipe.CountByBBox(ctx, q)
}

// HeadCollection returns the first n rows of a collection, 10 when n is not positive.
func (c *Client) HeadCollection(ctx context.Context, collection string, n int, opts ...CallOption) (*dataset.Dataset, error) {
	db, _, err := c.qualified(ctx, collection, opts)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = defaultHeadRows
	}
	return c.pipe.Query(ctx, QueryRequest{Database: db, Collection: collection, Limit: n})
}

func (c *Client) QueryRaw(ctx context.Context, q RawQuery) (*dataset.Dataset, error) {
	if err := c.defaultDatabase(ctx, &q.Database); err != nil {
		return nil, err
	}
	return c.pipe.QueryRaw(ctx, q)
}

// Count returns the number of rows, or the planner's estimate when exact is false.
func (c *Client) Count(ctx context.Context, collection string, exact bool, opts ...CallOption) (int64, error) {
	db, _, err := c.qualified(ctx, collection, opts)
	if err != nil {
		return 0, err
	}
	return c.pipe.Count(ctx, db, collection, exact)
}

// CollectionSRID returns the collection's CRS; ok is false when it has none.
func (c *Client) CollectionSRID(ctx context.Context, collection string, opts ...CallOption) (crs dataset.CRS, ok bool, err error) {
	db, _, err := c.qualified(ctx, collection, opts)
	if err != nil {
		return 0, false, err
	}
	return c.pipe.CollectionSRID(ctx, db, collection)
}

// DeleteFrom deletes the rows matching filter, a PostgREST query string such as
// "id=eq.1". An empty filter is refused.
func (c *Client) DeleteFrom(ctx context.Context, collection, filter string, opts ...CallOption) error {
	q, err := parseFilter(filter)
	if err != nil {
		return err
	}
	_, dn, err := c.qualified(ctx, collection, opts)
	if err != nil {
		return err
	}
	if _, err := c.exec.Delete(ctx, "/"+dn, q, nil); err != nil {
		return err
	}
	c.events.Record(ctx, eventlog.RowsDropped, fmt.Sprintf("from collection %s where %s", dn, filter))
	return nil
}

// Update sets values on the rows matching filter. The id column is never updated.
func (c *Client) Update(ctx context.Context, collection string, values map[string]any, filter string, opts ...CallOption) error {
	q, err := parseFilter(filter)
	if err != nil {
		return err
	}
	vals := maps.Clone(values)
	delete(vals, "id")
	if len(vals) == 0 {
		return geodberr.Validationf("no values to update")
	}
	_, dn, err := c.qualified(ctx, collection, opts)
	if err != nil {
		return err
	}
	if err := c.caps.AssertCollectionExists(ctx, dn); err != nil {
		return err
	}
	_, err = c.exec.Patch(ctx, "/"+dn, vals, q, nil)
	return err
}

func parseFilter(filter string) (url.Values, error) {
	q, err := pipeline.ParseFilter(filter)
	if err != nil {
		return nil, err
	}
	if len(q) == 0 {
		return nil, geodberr.Validationf("a row filter is required")
	}
	return q, nil
}
