package geodb

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mohammed-shakir/geodb-client/pkg/geodberr"
)

// CollectionInfo returns the collection's schema definition as published in the
// capability document.
func (c *Client) CollectionInfo(ctx context.Context, collection string, opts ...CallOption) (map[string]any, error) {
	_, dn, err := c.qualified(ctx, collection, opts)
	if err != nil {
		return nil, err
	}
	doc, err := c.caps.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	raw, ok := doc.Definitions[dn]
	if !ok {
		return nil, &geodberr.NotFoundError{Kind: "collection", Name: dn}
	}
	info := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return info, nil
	}
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("decode definition of %s: %w", dn, err)
	}
	return info, nil
}

// CollectionBBox returns the extent of all geometries in the collection's CRS, or
// nil for an empty collection. Without exact the planner's estimate is returned.
func (c *Client) CollectionBBox(ctx context.Context, collection string, exact bool, opts ...CallOption) (*BBox, error) {
	db, _, err := c.qualified(ctx, collection, opts)
	if err != nil {
		return nil, err
	}
	return c.pipe.CollectionBBox(ctx, db, collection, exact)
}

// GeometryTypes lists each row's geometry type, or the distinct types when aggregate.
func (c *Client) GeometryTypes(ctx context.Context, collection string, aggregate bool, opts ...CallOption) ([]string, error) {
	db, _, err := c.qualified(ctx, collection, opts)
	if err != nil {
		return nil, err
	}
	return c.pipe.GeometryTypes(ctx, db, collection, aggregate)
}
