// Package model defines the query types shared by ogc, mapserver and pipeline.
package model

import (
	"fmt"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/geodb-client/pkg/dataset"
)

type BBox struct {
	MinX, MinY float64
	MaxX, MaxY float64
	CRS        dataset.CRS
}

// String representation matching wfs/wms bbox format
func (b BBox) String() string {
	crs := b.CRS
	if !crs.IsSet() {
		crs = dataset.WGS84
	}
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f,%s", b.MinX, b.MinY, b.MaxX, b.MaxY, crs)
}

func (b BBox) Valid() bool { return b.MinX <= b.MaxX && b.MinY <= b.MaxY }

// FeatureQuery selects features of one published layer. Polygon takes precedence
// over BBox.
type FeatureQuery struct {
	Layer        string
	BBox         *BBox
	Polygon      orb.Geometry
	PolygonCRS   dataset.CRS
	Filter       string
	Count        int
	OutputFormat string
}

// CollectionRef names one collection as listed by the gateway and the map server.
type CollectionRef struct {
	Owner      string `json:"owner,omitempty"`
	Database   string `json:"database,omitempty"`
	Collection string `json:"collection"`
}
