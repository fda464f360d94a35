package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/geodb-client/internal/core/executor"
	"github.com/mohammed-shakir/geodb-client/internal/core/model"
)

var boxReplacer = strings.NewReplacer("BOX", "", "(", "", ")", "", `"`, "", ",", " ")

// CollectionBBox returns the union of the collection's geometries in its own CRS,
// nil when the collection is empty. The planner's estimate is used unless exact.
func (p *Pipeline) CollectionBBox(ctx context.Context, database, collection string, exact bool) (*model.BBox, error) {
	dn := Qualified(database, collection)
	name := "geodb_estimate_collection_bbox"
	if exact {
		name = "geodb_get_collection_bbox"
	}
	resp, err := p.disp.Do(ctx, executor.Request{
		Method:  http.MethodPost,
		Path:    "/rpc/" + name,
		Payload: map[string]string{"collection": dn},
	})
	if err != nil {
		return nil, err
	}
	box, err := parseBox(resp.Text())
	if err != nil {
		return nil, fmt.Errorf("bbox of %s: %w", dn, err)
	}
	if box == nil {
		return nil, nil
	}
	if crs, ok, err := p.CollectionSRID(ctx, database, collection); err != nil {
		return nil, err
	} else if ok {
		box.CRS = crs
	}
	return box, nil
}

// parseBox reads a PostGIS box literal such as BOX(-6 9,5 11), bare or JSON quoted.
func parseBox(text string) (*model.BBox, error) {
	text = strings.TrimSpace(text)
	if text == "" || text == "null" || text == `""` {
		return nil, nil
	}
	f := strings.Fields(boxReplacer.Replace(text))
	if len(f) != 4 {
		return nil, fmt.Errorf("unexpected box %q", text)
	}
	var v [4]float64
	for i, s := range f {
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("unexpected box %q: %w", text, err)
		}
		v[i] = n
	}
	return &model.BBox{MinX: v[0], MinY: v[1], MaxX: v[2], MaxY: v[3]}, nil
}

// GeometryTypes lists the geometry type of every row, or the distinct types when
// aggregate is set.
func (p *Pipeline) GeometryTypes(ctx context.Context, database, collection string, aggregate bool) ([]string, error) {
	dn := Qualified(database, collection)
	flag := "FALSE"
	if aggregate {
		flag = "TRUE"
	}
	resp, err := p.disp.Do(ctx, executor.Request{
		Method:  http.MethodPost,
		Path:    "/rpc/geodb_geometry_types",
		Payload: map[string]string{"collection": dn, "aggregate": flag},
	})
	if err != nil {
		return nil, err
	}
	var out []struct {
		Types []struct {
			GeometryType string `json:"geometrytype"`
		} `json:"types"`
	}
	if err := resp.JSON(&out); err != nil {
		return nil, err
	}
	types := []string{}
	if len(out) == 0 {
		return types, nil
	}
	for _, t := range out[0].Types {
		types = append(types, t.GeometryType)
	}
	return types, nil
}
