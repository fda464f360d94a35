// Package capabilities caches the gateway's capability document: the published
// collections with their columns and the callable paths.
package capabilities

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/geodb-client/internal/cache/keys"
	"github.com/mohammed-shakir/geodb-client/internal/core/observability"
	"github.com/mohammed-shakir/geodb-client/pkg/geodberr"
)

const DefaultSRIDEntries = 256

// Source fetches the raw document, normally GET / on the gateway.
type Source interface {
	Root(ctx context.Context) ([]byte, error)
}

type Column struct {
	Name   string `json:"name"`
	Type   string `json:"type,omitempty"`
	Format string `json:"format,omitempty"`
}

// Document is a parsed capability document. A collection listed without a
// definition body has no known columns.
type Document struct {
	Raw         json.RawMessage
	Definitions map[string]json.RawMessage
	paths       map[string]struct{}
}

func (d *Document) HasCollection(qualified string) bool {
	_, ok := d.Definitions[qualified]
	return ok
}

func (d *Document) HasPath(p string) bool {
	_, ok := d.paths[p]
	return ok
}

func (d *Document) HasProcedure(name string) bool { return d.HasPath("/rpc/" + name) }

// Collections returns the qualified names of every published collection, sorted.
func (d *Document) Collections() []string {
	out := make([]string, 0, len(d.Definitions))
	for k := range d.Definitions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (d *Document) Paths() []string {
	out := make([]string, 0, len(d.paths))
	for p := range d.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Columns returns the columns of a collection sorted by name.
func (d *Document) Columns(qualified string) ([]Column, error) {
	raw, ok := d.Definitions[qualified]
	if !ok {
		return nil, &geodberr.NotFoundError{Kind: "collection", Name: qualified}
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var def struct {
		Properties map[string]struct {
			Type   string `json:"type"`
			Format string `json:"format"`
		} `json:"properties"`
	}
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("decode definition of %s: %w", qualified, err)
	}
	cols := make([]Column, 0, len(def.Properties))
	for name, p := range def.Properties {
		cols = append(cols, Column{Name: name, Type: p.Type, Format: p.Format})
	}
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
	return cols, nil
}

// Parse accepts definitions and paths either as objects keyed by name or as plain lists.
func Parse(b []byte) (*Document, error) {
	var top struct {
		Definitions json.RawMessage `json:"definitions"`
		Paths       json.RawMessage `json:"paths"`
	}
	if err := json.Unmarshal(b, &top); err != nil {
		return nil, fmt.Errorf("decode capabilities: %w", err)
	}
	defs, err := keyed(top.Definitions)
	if err != nil {
		return nil, fmt.Errorf("capabilities definitions: %w", err)
	}
	paths, err := keyed(top.Paths)
	if err != nil {
		return nil, fmt.Errorf("capabilities paths: %w", err)
	}
	doc := &Document{
		Raw:         append(json.RawMessage(nil), b...),
		Definitions: defs,
		paths:       make(map[string]struct{}, len(paths)),
	}
	for p := range paths {
		doc.paths[p] = struct{}{}
	}
	return doc, nil
}

func keyed(raw json.RawMessage) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	switch raw[0] {
	case '{':
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, err
		}
	case '[':
		var names []string
		if err := json.Unmarshal(raw, &names); err != nil {
			return nil, err
		}
		for _, n := range names {
			out[n] = nil
		}
	default:
		return nil, fmt.Errorf("unexpected shape %.20s", raw)
	}
	return out, nil
}

// Cache holds one Document shared by every caller until Invalidate.
type Cache struct {
	src  Source
	base string

	mu   sync.RWMutex
	doc  *Document
	gen  uint64
	sf   singleflight.Group
	srid *lru.Cache[string, int]
}

// New returns a cache over src. serverBase scopes the SRID memo keys.
func New(src Source, serverBase string) *Cache {
	c, _ := lru.New[string, int](DefaultSRIDEntries)
	return &Cache{src: src, base: serverBase, srid: c}
}

// Capabilities returns the cached document, fetching it once when absent.
func (c *Cache) Capabilities(ctx context.Context) (*Document, error) {
	c.mu.RLock()
	doc, gen := c.doc, c.gen
	c.mu.RUnlock()
	if doc != nil {
		observability.IncCapabilityHit()
		return doc, nil
	}
	observability.IncCapabilityMiss()

	// The fetch is shared, so one caller's cancellation must not fail the others.
	shared := context.WithoutCancel(ctx)
	ch := c.sf.DoChan(fmt.Sprint(gen), func() (any, error) {
		b, err := c.src.Root(shared)
		if err != nil {
			return nil, err
		}
		d, err := Parse(b)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen == gen {
			c.doc = d
		}
		c.mu.Unlock()
		return d, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Document), nil
	}
}

// Refresh drops the cached document and fetches a new one.
func (c *Cache) Refresh(ctx context.Context) (*Document, error) {
	c.Invalidate()
	return c.Capabilities(ctx)
}

// Invalidate clears the document and the SRID memo.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.doc = nil
	c.gen++
	c.mu.Unlock()
	c.srid.Purge()
}

func (c *Cache) AssertCollectionExists(ctx context.Context, qualified string) error {
	doc, err := c.Capabilities(ctx)
	if err != nil {
		return err
	}
	if !doc.HasCollection(qualified) {
		return &geodberr.NotFoundError{Kind: "collection", Name: qualified}
	}
	return nil
}

func (c *Cache) AssertProcedureExists(ctx context.Context, name string) error {
	doc, err := c.Capabilities(ctx)
	if err != nil {
		return err
	}
	if !doc.HasProcedure(name) {
		return &geodberr.NotFoundError{Kind: "procedure", Name: name}
	}
	return nil
}

// SRID returns the memoized SRID of a collection.
func (c *Cache) SRID(qualified string) (int, bool) {
	return c.srid.Get(keys.Collection(c.base, qualified))
}

func (c *Cache) RememberSRID(qualified string, srid int) {
	if srid <= 0 {
		return
	}
	c.srid.Add(keys.Collection(c.base, qualified), srid)
}
