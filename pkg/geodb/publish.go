package geodb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/mohammed-shakir/geodb-client/internal/core/model"
	"github.com/mohammed-shakir/geodb-client/internal/eventlog"
	"github.com/mohammed-shakir/geodb-client/internal/pipeline"
)

type (
	BBox      = model.BBox
	EventType = eventlog.Type
)

// PublishGS publishes a collection as a map layer and returns the map server's answer.
func (c *Client) PublishGS(ctx context.Context, collection string, opts ...CallOption) (map[string]any, error) {
	db, dn, err := c.qualified(ctx, collection, opts)
	if err != nil {
		return nil, err
	}
	out, err := c.maps.Publish(ctx, db, collection)
	if err != nil {
		return nil, err
	}
	c.events.Record(ctx, eventlog.PublishedGS, "collection "+dn)
	return out, nil
}

func (c *Client) UnpublishGS(ctx context.Context, collection string, opts ...CallOption) error {
	db, dn, err := c.qualified(ctx, collection, opts)
	if err != nil {
		return err
	}
	if err := c.maps.Unpublish(ctx, db, collection); err != nil {
		return err
	}
	c.events.Record(ctx, eventlog.UnpublishedGS, "collection "+dn)
	return nil
}

// ListPublishedGS lists the map layers of the database.
func (c *Client) ListPublishedGS(ctx context.Context, opts ...CallOption) ([]CollectionRef, error) {
	db, err := c.database(ctx, opts)
	if err != nil {
		return nil, err
	}
	return c.maps.List(ctx, db)
}

// ListAllPublishedGS lists the map layers of every database.
func (c *Client) ListAllPublishedGS(ctx context.Context) ([]CollectionRef, error) {
	return c.maps.List(ctx, "")
}

// WFSURL returns a WFS GetFeature link for a published collection. bbox may be nil.
func (c *Client) WFSURL(ctx context.Context, collection string, bbox *BBox, opts ...CallOption) (string, error) {
	db, _, err := c.qualified(ctx, collection, opts)
	if err != nil {
		return "", err
	}
	return c.maps.WFSURL(db, collection, bbox)
}

// EventLog reads the server's event log. An empty collection matches every collection;
// the log is only narrowed to a database when a collection or InDatabase is given.
// An empty eventType matches every type.
func (c *Client) EventLog(ctx context.Context, collection string, eventType EventType, opts ...CallOption) ([]map[string]any, error) {
	q := url.Values{}
	if eventType != "" {
		q.Set("event_type", string(eventType))
	}
	var o callOptions
	for _, f := range opts {
		f(&o)
	}
	if collection != "" || o.database != "" {
		db, err := c.database(ctx, opts)
		if err != nil {
			return nil, err
		}
		if collection == "" {
			collection = "%"
		}
		q.Set("collection", pipeline.Qualified(db, collection))
	}

	resp, err := c.exec.Get(ctx, "/rpc/get_geodb_eventlog", q, nil)
	if err != nil {
		return nil, err
	}
	type events struct {
		Events []map[string]any `json:"events"`
	}
	out := []map[string]any{}
	b := bytes.TrimSpace(resp.Body)
	switch {
	case len(b) == 0 || string(b) == "null":
		return out, nil
	case b[0] == '[':
		var list []events
		if err := json.Unmarshal(b, &list); err != nil {
			return nil, fmt.Errorf("decode event log: %w", err)
		}
		if len(list) > 0 && list[0].Events != nil {
			out = list[0].Events
		}
	default:
		var one events
		if err := json.Unmarshal(b, &one); err != nil {
			return nil, fmt.Errorf("decode event log: %w", err)
		}
		if one.Events != nil {
			out = one.Events
		}
	}
	return out, nil
}
