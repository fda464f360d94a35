// Package ogc builds WFS requests against layers published on the map server.
package ogc

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/paulmach/orb/encoding/wkt"

	"github.com/mohammed-shakir/geodb-client/internal/core/model"
	"github.com/mohammed-shakir/geodb-client/pkg/dataset"
)

func OWSEndpoint(mapServerBase string) string {
	return strings.TrimRight(mapServerBase, "/") + "/geoserver/ows"
}

// LayerName is the layer a collection is published under.
func LayerName(database, collection string) string { return database + "_" + collection }

func BuildGetFeatureParams(q model.FeatureQuery) url.Values {
	params := url.Values{}
	params.Set("service", "WFS")
	params.Set("version", "2.0.0")
	params.Set("request", "GetFeature")
	params.Set("typeNames", q.Layer)
	if q.BBox != nil && q.Polygon == nil {
		params.Set("bbox", q.BBox.String())
	}
	// prefer polygon over bbox and combine with filters if both present
	if q.Polygon != nil {
		crs := q.PolygonCRS
		if !crs.IsSet() {
			crs = dataset.WGS84
		}
		cql := fmt.Sprintf("INTERSECTS(geometry, SRID=%d;%s)", crs.SRID(), wkt.MarshalString(q.Polygon))
		if q.Filter != "" {
			cql = fmt.Sprintf("(%s) AND (%s)", q.Filter, cql)
		}
		params.Set("cql_filter", cql)
	} else if q.Filter != "" {
		params.Set("cql_filter", q.Filter)
	}
	if q.Count > 0 {
		params.Set("count", strconv.Itoa(q.Count))
	}
	outputFormat := q.OutputFormat
	if strings.TrimSpace(outputFormat) == "" {
		outputFormat = "application/json"
	}
	params.Set("outputFormat", outputFormat)
	return params
}

// GetFeatureURL returns the full GetFeature URL for q.
func GetFeatureURL(mapServerBase string, q model.FeatureQuery) string {
	return OWSEndpoint(mapServerBase) + "?" + BuildGetFeatureParams(q).Encode()
}
