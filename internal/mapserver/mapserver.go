// Package mapserver publishes collections as map layers through the map server's
// REST API.
package mapserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mohammed-shakir/geodb-client/internal/core/executor"
	"github.com/mohammed-shakir/geodb-client/internal/core/model"
	"github.com/mohammed-shakir/geodb-client/internal/core/ogc"
	"github.com/mohammed-shakir/geodb-client/pkg/geodberr"
)

const apiBase = "/api/v2/services/xcube_geoserv"

type Dispatcher interface {
	Get(ctx context.Context, path string, query url.Values, header http.Header) (*executor.Response, error)
	Put(ctx context.Context, path string, payload any, query url.Values, header http.Header) (*executor.Response, error)
	Delete(ctx context.Context, path string, query url.Values, header http.Header) (*executor.Response, error)
}

type Client struct {
	disp Dispatcher
	base string
}

// New returns a client; base is the map server's public URL used for WFS links.
func New(disp Dispatcher, base string) *Client {
	return &Client{disp: disp, base: base}
}

// Publish makes a collection available as a map layer and returns the server's answer.
func (c *Client) Publish(ctx context.Context, database, collection string) (map[string]any, error) {
	if database == "" || collection == "" {
		return nil, geodberr.Validationf("database and collection are required")
	}
	path := fmt.Sprintf("%s/databases/%s/collections", apiBase, url.PathEscape(database))
	resp, err := c.disp.Put(ctx, path, map[string]string{"collection_id": collection}, nil, nil)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &out); err != nil {
			return nil, fmt.Errorf("decode publish answer: %w", err)
		}
	}
	return out, nil
}

func (c *Client) Unpublish(ctx context.Context, database, collection string) error {
	if database == "" || collection == "" {
		return geodberr.Validationf("database and collection are required")
	}
	path := fmt.Sprintf("%s/databases/%s/collections/%s", apiBase,
		url.PathEscape(database), url.PathEscape(collection))
	_, err := c.disp.Delete(ctx, path, nil, nil)
	return err
}

// List returns the published collections of one database, or of all databases
// when database is empty.
func (c *Client) List(ctx context.Context, database string) ([]model.CollectionRef, error) {
	path := apiBase + "/collections"
	if database != "" {
		path = fmt.Sprintf("%s/databases/%s/collections", apiBase, url.PathEscape(database))
	}
	resp, err := c.disp.Get(ctx, path, nil, nil)
	if err != nil {
		return nil, err
	}
	out := []model.CollectionRef{}
	if b := bytes.TrimSpace(resp.Body); len(b) == 0 || string(b) == "null" {
		return out, nil
	}
	if err := resp.JSON(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// WFSURL returns a GetFeature link for a published collection, optionally limited
// to a bounding box.
func (c *Client) WFSURL(database, collection string, bbox *model.BBox) (string, error) {
	if bbox != nil && !bbox.Valid() {
		return "", geodberr.Validationf("bbox min must not exceed max")
	}
	return ogc.GetFeatureURL(c.base, model.FeatureQuery{
		Layer: ogc.LayerName(database, collection),
		BBox:  bbox,
	}), nil
}
