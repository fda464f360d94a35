package geodb

import (
	"bytes"
	"context"
	"fmt"

	"github.com/mohammed-shakir/geodb-client/internal/eventlog"
	"github.com/mohammed-shakir/geodb-client/pkg/geodberr"
)

// CreateIndex indexes one property of a collection. Index "geometry" for collections
// that are mostly queried by location.
func (c *Client) CreateIndex(ctx context.Context, collection, property string, opts ...CallOption) error {
	dn, err := c.indexTarget(ctx, collection, property, opts)
	if err != nil {
		return err
	}
	if _, err := c.rpc(ctx, "geodb_create_index", map[string]string{"collection": dn, "property": property}); err != nil {
		return err
	}
	c.events.Record(ctx, eventlog.IndexCreated, fmt.Sprintf("table %s and property %s", dn, property))
	return nil
}

func (c *Client) ShowIndexes(ctx context.Context, collection string, opts ...CallOption) ([]map[string]any, error) {
	_, dn, err := c.qualified(ctx, collection, opts)
	if err != nil {
		return nil, err
	}
	resp, err := c.rpc(ctx, "geodb_show_indexes", map[string]string{"collection": dn})
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	if b := bytes.TrimSpace(resp.Body); len(b) == 0 || string(b) == "null" {
		return out, nil
	}
	if err := resp.JSON(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RemoveIndex(ctx context.Context, collection, property string, opts ...CallOption) error {
	dn, err := c.indexTarget(ctx, collection, property, opts)
	if err != nil {
		return err
	}
	if _, err := c.rpc(ctx, "geodb_drop_index", map[string]string{"collection": dn, "property": property}); err != nil {
		return err
	}
	c.events.Record(ctx, eventlog.IndexDropped, fmt.Sprintf("table %s and property %s", dn, property))
	return nil
}

func (c *Client) indexTarget(ctx context.Context, collection, property string, opts []CallOption) (string, error) {
	if property == "" {
		return "", geodberr.Validationf("property is required")
	}
	_, dn, err := c.qualified(ctx, collection, opts)
	return dn, err
}
