package geodb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/mohammed-shakir/geodb-client/pkg/geodberr"
)

// Metadata describes a collection in terms of a STAC collection.
type Metadata struct {
	ID             string
	Title          string
	Description    string
	License        string
	Keywords       []string
	StacExtensions []string
	Links          []Link
	Providers      []Provider
	Assets         []Asset
	ItemAssets     map[string]ItemAsset
	Summaries      map[string]any
	// SpatialExtent holds minx, miny, maxx, maxy boxes.
	SpatialExtent [][4]float64
	// TemporalExtent holds start, end intervals; nil is open.
	TemporalExtent [][2]*string
}

type Link struct {
	Href    string         `json:"href"`
	Rel     string         `json:"rel"`
	Type    string         `json:"type,omitempty"`
	Title   string         `json:"title,omitempty"`
	Method  string         `json:"method,omitempty"`
	Headers map[string]any `json:"headers,omitempty"`
	Body    any            `json:"body,omitempty"`
}

type Provider struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	URL         string   `json:"url,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

type Asset struct {
	Href        string   `json:"href"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Type        string   `json:"type,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

type ItemAsset struct {
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Type        string   `json:"type,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

var providerRoles = []string{"licensor", "producer", "processor", "host"}

type metadataAnswer struct {
	Basic struct {
		CollectionName string         `json:"collection_name"`
		Title          string         `json:"title"`
		Description    string         `json:"description"`
		License        string         `json:"license"`
		Keywords       []string       `json:"keywords"`
		StacExtensions []string       `json:"stac_extensions"`
		Summaries      map[string]any `json:"summaries"`
		TemporalExtent [][2]*string   `json:"temporal_extent"`
		SpatialExtent  []struct {
			MinX float64 `json:"minx"`
			MinY float64 `json:"miny"`
			MaxX float64 `json:"maxx"`
			MaxY float64 `json:"maxy"`
		} `json:"spatial_extent"`
	} `json:"basic"`
	Links      []Link               `json:"links"`
	Providers  []Provider           `json:"providers"`
	Assets     json.RawMessage      `json:"assets"`
	ItemAssets map[string]ItemAsset `json:"item_assets"`
}

// GetMetadata reads the collection's metadata. A collection without a stored
// spatial extent gets the estimated extent of its rows.
func (c *Client) GetMetadata(ctx context.Context, collection string, opts ...CallOption) (*Metadata, error) {
	db, _, err := c.qualified(ctx, collection, opts)
	if err != nil {
		return nil, err
	}
	resp, err := c.rpc(ctx, "geodb_get_metadata", map[string]string{"collection": collection, "db": db})
	if err != nil {
		return nil, err
	}
	b := bytes.TrimSpace(resp.Body)
	if len(b) > 0 && b[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(b, &list); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		if len(list) == 0 {
			return nil, &geodberr.NotFoundError{Kind: "metadata of collection", Name: collection}
		}
		b = list[0]
	}
	var a metadataAnswer
	if err := json.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	assets, err := decodeAssets(a.Assets)
	if err != nil {
		return nil, err
	}

	m := &Metadata{
		ID:             a.Basic.CollectionName,
		Title:          a.Basic.Title,
		Description:    a.Basic.Description,
		License:        a.Basic.License,
		Keywords:       orEmpty(a.Basic.Keywords),
		StacExtensions: orEmpty(a.Basic.StacExtensions),
		Links:          orEmpty(a.Links),
		Providers:      orEmpty(a.Providers),
		Assets:         assets,
		ItemAssets:     a.ItemAssets,
		Summaries:      a.Basic.Summaries,
		TemporalExtent: a.Basic.TemporalExtent,
	}
	if m.ID == "" {
		m.ID = collection
	}
	if m.ItemAssets == nil {
		m.ItemAssets = map[string]ItemAsset{}
	}
	if m.Summaries == nil {
		m.Summaries = map[string]any{}
	}
	if len(m.TemporalExtent) == 0 {
		m.TemporalExtent = [][2]*string{{nil, nil}}
	}
	for _, e := range a.Basic.SpatialExtent {
		m.SpatialExtent = append(m.SpatialExtent, [4]float64{e.MinX, e.MinY, e.MaxX, e.MaxY})
	}
	if len(m.SpatialExtent) == 0 {
		box, err := c.pipe.CollectionBBox(ctx, db, collection, false)
		if err != nil {
			return nil, err
		}
		if box != nil {
			m.SpatialExtent = [][4]float64{{box.MinX, box.MinY, box.MaxX, box.MaxY}}
		}
	}
	return m, nil
}

// assets come as a list or keyed by name depending on the server version
func decodeAssets(raw json.RawMessage) ([]Asset, error) {
	out := []Asset{}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if raw[0] == '[' {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode metadata assets: %w", err)
		}
		return out, nil
	}
	var keyed map[string]Asset
	if err := json.Unmarshal(raw, &keyed); err != nil {
		return nil, fmt.Errorf("decode metadata assets: %w", err)
	}
	names := make([]string, 0, len(keyed))
	for n := range keyed {
		names = append(names, n)
	}
	slices.Sort(names)
	for _, n := range names {
		out = append(out, keyed[n])
	}
	return out, nil
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// SetMetadataField stores one metadata field. Accepted fields and value types:
// title, description and license take a string; keywords and stac_extensions a
// []string; links a []Link; providers a []Provider; assets a []Asset; item_assets
// a map[string]ItemAsset; summaries a map[string]any; temporal_extent a [][2]*string.
func (c *Client) SetMetadataField(ctx context.Context, collection, field string, value any, opts ...CallOption) error {
	db, _, err := c.qualified(ctx, collection, opts)
	if err != nil {
		return err
	}
	v, err := metadataValue(field, value)
	if err != nil {
		return err
	}
	_, err = c.rpc(ctx, "geodb_set_metadata_field", map[string]any{
		"field":      field,
		"value":      v,
		"collection": collection,
		"db":         db,
	})
	return err
}

func metadataValue(field string, value any) (any, error) {
	mismatch := func() error {
		return geodberr.Validationf("metadata field %s: unexpected value type %T", field, value)
	}
	switch field {
	case "title", "description", "license":
		s, ok := value.(string)
		if !ok {
			return nil, mismatch()
		}
		// text fields are stored as JSON text
		b, _ := json.Marshal(s)
		return string(b), nil
	case "keywords", "stac_extensions":
		s, ok := value.([]string)
		if !ok {
			return nil, mismatch()
		}
		return orEmpty(s), nil
	case "links":
		s, ok := value.([]Link)
		if !ok {
			return nil, mismatch()
		}
		for _, l := range s {
			if l.Href == "" || l.Rel == "" {
				return nil, geodberr.Validationf("metadata field links: href and rel are required")
			}
		}
		return orEmpty(s), nil
	case "providers":
		s, ok := value.([]Provider)
		if !ok {
			return nil, mismatch()
		}
		for _, p := range s {
			if p.Name == "" {
				return nil, geodberr.Validationf("metadata field providers: name is required")
			}
			for _, r := range p.Roles {
				if !slices.Contains(providerRoles, r) {
					return nil, geodberr.Validationf("metadata field providers: role %q must be one of %v", r, providerRoles)
				}
			}
		}
		return orEmpty(s), nil
	case "assets":
		s, ok := value.([]Asset)
		if !ok {
			return nil, mismatch()
		}
		return orEmpty(s), nil
	case "item_assets":
		m, ok := value.(map[string]ItemAsset)
		if !ok {
			return nil, mismatch()
		}
		return m, nil
	case "summaries":
		m, ok := value.(map[string]any)
		if !ok {
			return nil, mismatch()
		}
		return m, nil
	case "temporal_extent":
		s, ok := value.([][2]*string)
		if !ok {
			return nil, mismatch()
		}
		return s, nil
	}
	return nil, geodberr.Validationf("unknown metadata field %q", field)
}
