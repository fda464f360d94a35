package geodb

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/mohammed-shakir/geodb-client/internal/eventlog"
	"github.com/mohammed-shakir/geodb-client/internal/gatewaytest"
	"github.com/mohammed-shakir/geodb-client/pkg/dataset"
	"github.com/mohammed-shakir/geodb-client/pkg/geodberr"
)

func TestMoveCollection(t *testing.T) {
	gw, c, sink := newTestClient(t)
	ctx := context.Background()
	gw.HandleRPC("geodb_rename_collection", ok)

	if err := c.MoveCollection(ctx, "lakes", "archive"); err != nil {
		t.Fatalf("MoveCollection: %v", err)
	}
	if err := c.MoveCollection(ctx, "lakes", "helge"); err != nil {
		t.Fatalf("move into same database: %v", err)
	}
	var ve *geodberr.ValidationError
	if err := c.MoveCollection(ctx, "lakes", ""); !errors.As(err, &ve) {
		t.Fatalf("no target: err=%v want ValidationError", err)
	}

	reqs := gw.RequestsTo(http.MethodPost, "/rpc/geodb_rename_collection")
	if len(reqs) != 1 {
		t.Fatalf("rename calls=%d want 1", len(reqs))
	}
	if diff := cmp.Diff(map[string]any{"collection": "helge_lakes", "new_name": "archive_lakes"}, decode(t, reqs[0])); diff != "" {
		t.Fatalf("payload (-want +got):\n%s", diff)
	}
	if got := sink.messages(eventlog.Moved); len(got) != 1 || got[0] != "collection helge_lakes to archive_lakes" {
		t.Fatalf("moved events=%v", got)
	}
}

func TestCollectionBBox(t *testing.T) {
	gw, c, _ := newTestClient(t)
	ctx := context.Background()
	gw.HandleRPC("geodb_get_collection_bbox", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("BOX(-6 9,5 11)"))
	})
	var empty atomic.Bool
	gw.HandleRPC("geodb_estimate_collection_bbox", func(w http.ResponseWriter, _ *http.Request) {
		if empty.Load() {
			_, _ = w.Write([]byte("null"))
			return
		}
		gatewaytest.JSON(w, http.StatusOK, "BOX(-5 8,2 10)")
	})
	gw.HandleRPC("geodb_get_collection_srid", func(w http.ResponseWriter, _ *http.Request) {
		gatewaytest.JSON(w, http.StatusOK, gatewaytest.Src([]map[string]any{{"srid": 3794}}))
	})

	exact, err := c.CollectionBBox(ctx, "lakes", true)
	if err != nil {
		t.Fatalf("exact: %v", err)
	}
	if diff := cmp.Diff(&BBox{MinX: -6, MinY: 9, MaxX: 5, MaxY: 11, CRS: dataset.EPSG(3794)}, exact); diff != "" {
		t.Fatalf("exact (-want +got):\n%s", diff)
	}
	est, err := c.CollectionBBox(ctx, "lakes", false)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if diff := cmp.Diff(&BBox{MinX: -5, MinY: 8, MaxX: 2, MaxY: 10, CRS: dataset.EPSG(3794)}, est); diff != "" {
		t.Fatalf("estimate (-want +got):\n%s", diff)
	}

	empty.Store(true)
	if box, err := c.CollectionBBox(ctx, "lakes", false); err != nil || box != nil {
		t.Fatalf("empty collection: box=%v err=%v", box, err)
	}
	got := decode(t, gw.RequestsTo(http.MethodPost, "/rpc/geodb_get_collection_bbox")[0])
	if got["collection"] != "helge_lakes" {
		t.Fatalf("payload=%v", got)
	}
}

func TestGeometryTypes(t *testing.T) {
	gw, c, _ := newTestClient(t)
	gw.HandleRPC("geodb_geometry_types", func(w http.ResponseWriter, r *http.Request) {
		types := []map[string]string{{"geometrytype": "POLYGON"}, {"geometrytype": "POLYGON"}, {"geometrytype": "POINT"}}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["aggregate"] == "TRUE" {
			types = []map[string]string{{"geometrytype": "POINT"}, {"geometrytype": "POLYGON"}}
		}
		gatewaytest.JSON(w, http.StatusOK, []map[string]any{{"types": types}})
	})

	all, err := c.GeometryTypes(context.Background(), "lakes", false, InDatabase("survey"))
	if err != nil {
		t.Fatalf("GeometryTypes: %v", err)
	}
	if diff := cmp.Diff([]string{"POLYGON", "POLYGON", "POINT"}, all); diff != "" {
		t.Fatalf("types (-want +got):\n%s", diff)
	}
	agg, err := c.GeometryTypes(context.Background(), "lakes", true, InDatabase("survey"))
	if err != nil {
		t.Fatalf("GeometryTypes aggregate: %v", err)
	}
	if diff := cmp.Diff([]string{"POINT", "POLYGON"}, agg); diff != "" {
		t.Fatalf("aggregated types (-want +got):\n%s", diff)
	}
	if got := decode(t, gw.RequestsTo(http.MethodPost, "/rpc/geodb_geometry_types")[0]); got["collection"] != "survey_lakes" {
		t.Fatalf("payload=%v", got)
	}
}

func TestCollectionInfo(t *testing.T) {
	gw, c, _ := newTestClient(t)
	gw.AddCollection("helge_lakes", map[string]string{"id": "integer", "name": "string"})

	info, err := c.CollectionInfo(context.Background(), "lakes")
	if err != nil {
		t.Fatalf("CollectionInfo: %v", err)
	}
	want := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id":   map[string]any{"type": "integer", "format": "integer"},
			"name": map[string]any{"type": "string", "format": "string"},
		},
	}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Fatalf("info (-want +got):\n%s", diff)
	}
	if _, err := c.CollectionInfo(context.Background(), "rivers"); !geodberr.IsNotFound(err) {
		t.Fatalf("unknown collection: err=%v want NotFoundError", err)
	}
}

func TestCountByBBox(t *testing.T) {
	gw, c, _ := newTestClient(t)
	gw.AddCollection("helge_lakes", nil)
	gw.HandleRPC("geodb_count_by_bbox", func(w http.ResponseWriter, _ *http.Request) {
		gatewaytest.JSON(w, http.StatusOK, map[string]any{"src": []map[string]any{{"ct": 7}}})
	})

	n, err := c.CountByBBox(context.Background(), BBoxQuery{
		Collection: "lakes",
		MinX:       452750, MinY: 88909.549, MaxX: 464000, MaxY: 102486.299,
		Mode:    ModeWithin,
		BBoxCRS: dataset.EPSG(3794),
		Limit:   3,
	})
	if err != nil || n != 7 {
		t.Fatalf("CountByBBox=%d err=%v", n, err)
	}
	req := gw.RequestsTo(http.MethodPost, "/rpc/geodb_count_by_bbox")[0]
	if req.Header.Get("Accept") != "application/vnd.pgrst.object+json" {
		t.Fatalf("Accept=%q", req.Header.Get("Accept"))
	}
	body := decode(t, req)
	if body["comparison_mode"] != ModeWithin || body["bbox_crs"] != float64(3794) || body["where"] != "id>-1" {
		t.Fatalf("payload=%v", body)
	}
	if _, has := body["limit"]; has {
		t.Fatalf("count must not send limit: %v", body)
	}

	var ve *geodberr.ValidationError
	if _, err := c.CountByBBox(context.Background(), BBoxQuery{Collection: "lakes", MinX: 2, MaxX: 1}); !errors.As(err, &ve) {
		t.Fatalf("inverted box: err=%v want ValidationError", err)
	}
}

func TestHeadCollection(t *testing.T) {
	gw, c, _ := newTestClient(t)
	gw.AddCollection("helge_lakes", nil)
	gw.HandleTable(http.MethodGet, "helge_lakes", func(w http.ResponseWriter, _ *http.Request) {
		gatewaytest.JSON(w, http.StatusOK, []map[string]any{{"id": 1}, {"id": 2}})
	})

	ds, err := c.HeadCollection(context.Background(), "lakes", 0)
	if err != nil {
		t.Fatalf("HeadCollection: %v", err)
	}
	if ds.Len() != 2 {
		t.Fatalf("rows=%d want 2", ds.Len())
	}
	if _, err := c.HeadCollection(context.Background(), "lakes", 3); err != nil {
		t.Fatalf("HeadCollection(3): %v", err)
	}
	gets := gw.RequestsTo(http.MethodGet, "/helge_lakes")
	if gets[0].Query.Get("limit") != "10" || gets[1].Query.Get("limit") != "3" {
		t.Fatalf("limits=%q,%q", gets[0].Query.Get("limit"), gets[1].Query.Get("limit"))
	}
}

func TestGetMetadata(t *testing.T) {
	gw, c, _ := newTestClient(t)
	gw.HandleRPC("geodb_get_metadata", func(w http.ResponseWriter, _ *http.Request) {
		gatewaytest.JSON(w, http.StatusOK, map[string]any{
			"basic": map[string]any{
				"collection_name": "lakes",
				"title":           "Sir Collection",
				"description":     "No description available",
				"license":         "proprietary",
				"keywords":        []string{"water"},
				"temporal_extent": [][]any{{"2019-01-01T00:00:00Z", nil}},
			},
			"providers": []map[string]any{{"name": "I am a provider", "roles": []string{"licensor", "host"}}},
			"assets":    []map[string]any{{"href": "https://my-images.bc/image.png", "roles": []string{"thumbnail"}}},
			"links":     []map[string]any{{"href": "https://wurst.brot", "rel": "item", "method": "GET", "title": nil}},
		})
	})
	gw.HandleRPC("geodb_estimate_collection_bbox", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("BOX(-180 -90,180 90)"))
	})

	m, err := c.GetMetadata(context.Background(), "lakes")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	start := "2019-01-01T00:00:00Z"
	want := &Metadata{
		ID:             "lakes",
		Title:          "Sir Collection",
		Description:    "No description available",
		License:        "proprietary",
		Keywords:       []string{"water"},
		StacExtensions: []string{},
		Links:          []Link{{Href: "https://wurst.brot", Rel: "item", Method: "GET"}},
		Providers:      []Provider{{Name: "I am a provider", Roles: []string{"licensor", "host"}}},
		Assets:         []Asset{{Href: "https://my-images.bc/image.png", Roles: []string{"thumbnail"}}},
		ItemAssets:     map[string]ItemAsset{},
		Summaries:      map[string]any{},
		SpatialExtent:  [][4]float64{{-180, -90, 180, 90}},
		TemporalExtent: [][2]*string{{&start, nil}},
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Fatalf("metadata (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]any{"collection": "lakes", "db": "helge"},
		decode(t, gw.RequestsTo(http.MethodPost, "/rpc/geodb_get_metadata")[0])); diff != "" {
		t.Fatalf("payload (-want +got):\n%s", diff)
	}
}

func TestSetMetadataField(t *testing.T) {
	gw, c, _ := newTestClient(t)
	ctx := context.Background()
	gw.HandleRPC("geodb_set_metadata_field", ok)

	if err := c.SetMetadataField(ctx, "lakes", "title", `Lady "Collection"`); err != nil {
		t.Fatalf("title: %v", err)
	}
	if err := c.SetMetadataField(ctx, "lakes", "keywords", []string{"crops", "europe"}); err != nil {
		t.Fatalf("keywords: %v", err)
	}
	if err := c.SetMetadataField(ctx, "lakes", "providers", []Provider{{Name: "p1", Roles: []string{"licensor"}}}); err != nil {
		t.Fatalf("providers: %v", err)
	}

	reqs := gw.RequestsTo(http.MethodPost, "/rpc/geodb_set_metadata_field")
	if len(reqs) != 3 {
		t.Fatalf("calls=%d want 3", len(reqs))
	}
	want := []map[string]any{
		{"field": "title", "value": `"Lady \"Collection\""`, "collection": "lakes", "db": "helge"},
		{"field": "keywords", "value": []any{"crops", "europe"}, "collection": "lakes", "db": "helge"},
		{"field": "providers", "value": []any{map[string]any{"name": "p1", "roles": []any{"licensor"}}}, "collection": "lakes", "db": "helge"},
	}
	for i, r := range reqs {
		if diff := cmp.Diff(want[i], decode(t, r)); diff != "" {
			t.Fatalf("call %d (-want +got):\n%s", i, diff)
		}
	}

	var ve *geodberr.ValidationError
	for name, tc := range map[string]struct {
		field string
		value any
	}{
		"unknown field": {"colour", "red"},
		"wrong type":    {"keywords", "crops"},
		"bad role":      {"providers", []Provider{{Name: "p", Roles: []string{"owner"}}}},
		"link no rel":   {"links", []Link{{Href: "https://x"}}},
	} {
		if err := c.SetMetadataField(ctx, "lakes", tc.field, tc.value); !errors.As(err, &ve) {
			t.Fatalf("%s: err=%v want ValidationError", name, err)
		}
	}
	if n := len(gw.RequestsTo(http.MethodPost, "/rpc/geodb_set_metadata_field")); n != 3 {
		t.Fatalf("invalid values reached the server: calls=%d", n)
	}
}
