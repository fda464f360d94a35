// Package dataset holds the tabular spatial rows exchanged with a geoDB collection.
package dataset

import (
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

const DefaultGeometryColumn = "geometry"

// Row maps a column name to its value. Geometry values are orb.Geometry once decoded.
type Row map[string]any

// Dataset is an ordered set of rows with one geometry column. Every geometry is
// expressed in CRS.
type Dataset struct {
	Rows           []Row
	GeometryColumn string
	CRS            CRS
}

func New(rows []Row, crs CRS) *Dataset {
	if rows == nil {
		rows = []Row{}
	}
	return &Dataset{Rows: rows, GeometryColumn: DefaultGeometryColumn, CRS: crs}
}

// Empty returns a dataset with no rows. Queries matching nothing return this, never nil.
func Empty() *Dataset { return New(nil, 0) }

func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Rows)
}

func (d *Dataset) geometryColumn() string {
	if d.GeometryColumn == "" {
		return DefaultGeometryColumn
	}
	return d.GeometryColumn
}

// Geometry returns the decoded geometry of row i, or nil.
func (d *Dataset) Geometry(i int) orb.Geometry {
	if i < 0 || i >= len(d.Rows) {
		return nil
	}
	g, _ := d.Rows[i][d.geometryColumn()].(orb.Geometry)
	return g
}

// Columns returns the sorted union of the column names across rows.
func (d *Dataset) Columns() []string {
	seen := map[string]struct{}{}
	for _, r := range d.Rows {
		for k := range r {
			seen[k] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Slice returns rows [from, to) sharing the dataset's CRS and geometry column.
func (d *Dataset) Slice(from, to int) *Dataset {
	if from < 0 {
		from = 0
	}
	if to > len(d.Rows) {
		to = len(d.Rows)
	}
	if from > to {
		from = to
	}
	return &Dataset{Rows: d.Rows[from:to], GeometryColumn: d.GeometryColumn, CRS: d.CRS}
}

// FeatureCollection exports the dataset as GeoJSON. Non-geometry columns become properties.
func (d *Dataset) FeatureCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	col := d.geometryColumn()
	for _, r := range d.Rows {
		g, _ := r[col].(orb.Geometry)
		f := geojson.NewFeature(g)
		for k, v := range r {
			if k == col {
				continue
			}
			if k == "id" {
				f.ID = v
			}
			f.Properties[k] = v
		}
		fc.Append(f)
	}
	if d.CRS.IsSet() {
		fc.ExtraMembers = geojson.Properties{
			"crs": map[string]any{
				"type":       "name",
				"properties": map[string]any{"name": d.CRS.String()},
			},
		}
	}
	return fc
}

// FromFeatureCollection builds a dataset from GeoJSON features. The feature id, when
// present and not already a property, is kept in the "id" column.
func FromFeatureCollection(fc *geojson.FeatureCollection, crs CRS) (*Dataset, error) {
	if fc == nil {
		return nil, fmt.Errorf("nil feature collection")
	}
	rows := make([]Row, 0, len(fc.Features))
	for _, f := range fc.Features {
		r := make(Row, len(f.Properties)+1)
		for k, v := range f.Properties {
			r[k] = v
		}
		if _, ok := r["id"]; !ok && f.ID != nil {
			r["id"] = f.ID
		}
		r[DefaultGeometryColumn] = f.Geometry
		rows = append(rows, r)
	}
	return New(rows, crs), nil
}
