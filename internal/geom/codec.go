// Package geom converts geometries between the gateway's wire forms and orb values.
//
// The gateway returns geometries as hex encoded (E)WKB or as GeoJSON objects and accepts
// hex EWKB or EWKT ("SRID=n;WKT") on insert.
package geom

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/ewkb"
	"github.com/paulmach/orb/encoding/wkt"
	"github.com/paulmach/orb/geojson"
)

// Tagged is a geometry that already carries its SRID.
type Tagged struct {
	Geometry orb.Geometry
	SRID     int
}

var ErrUnsupported = errors.New("unsupported geometry value")

const ewkbSRIDFlag = 0x20000000

var (
	hexRe   = regexp.MustCompile(`^(?i)[0-9a-f]+$`)
	ewktRe  = regexp.MustCompile(`^(?i)\s*SRID=(\d+);`)
	wktHead = regexp.MustCompile(`^(?i)\s*(POINT|LINESTRING|POLYGON|MULTIPOINT|MULTILINESTRING|MULTIPOLYGON|GEOMETRYCOLLECTION)\b`)
)

// Decode turns a wire value into a geometry. The returned SRID is 0 when the encoding
// did not carry one.
func Decode(v any) (orb.Geometry, int, error) {
	switch t := v.(type) {
	case nil:
		return nil, 0, nil
	case orb.Geometry:
		return t, 0, nil
	case Tagged:
		return t.Geometry, t.SRID, nil
	case []byte:
		return decodeEWKB(t)
	case string:
		return decodeString(t)
	case map[string]any:
		return decodeGeoJSON(t)
	case json.RawMessage:
		g, err := geojson.UnmarshalGeometry(t)
		if err != nil {
			return nil, 0, fmt.Errorf("decode geojson: %w", err)
		}
		return g.Geometry(), 0, nil
	default:
		return nil, 0, fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
}

func decodeString(s string) (orb.Geometry, int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, 0, nil
	}
	if m := ewktRe.FindStringSubmatch(s); m != nil {
		var srid int
		_, _ = fmt.Sscanf(m[1], "%d", &srid)
		g, err := wkt.Unmarshal(s[len(m[0]):])
		if err != nil {
			return nil, 0, fmt.Errorf("decode ewkt: %w", err)
		}
		return g, srid, nil
	}
	if wktHead.MatchString(s) {
		g, err := wkt.Unmarshal(s)
		if err != nil {
			return nil, 0, fmt.Errorf("decode wkt: %w", err)
		}
		return g, 0, nil
	}
	if !hexRe.MatchString(s) || len(s)%2 != 0 {
		return nil, 0, fmt.Errorf("%w: not hex, wkt or ewkt", ErrUnsupported)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, 0, fmt.Errorf("decode hex: %w", err)
	}
	return decodeEWKB(b)
}

func decodeEWKB(b []byte) (orb.Geometry, int, error) {
	g, srid, err := ewkb.Unmarshal(b)
	if err != nil {
		return nil, 0, fmt.Errorf("decode ewkb: %w", err)
	}
	return g, srid, nil
}

func decodeGeoJSON(m map[string]any) (orb.Geometry, int, error) {
	if _, ok := m["coordinates"]; !ok {
		if _, ok := m["geometries"]; !ok {
			return nil, 0, fmt.Errorf("%w: object without coordinates", ErrUnsupported)
		}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, 0, fmt.Errorf("encode geojson: %w", err)
	}
	g, err := geojson.UnmarshalGeometry(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("decode geojson: %w", err)
	}
	return g.Geometry(), 0, nil
}

// IsTagged reports whether v already carries an SRID in its wire form.
func IsTagged(v any) bool {
	switch t := v.(type) {
	case Tagged:
		return t.SRID > 0
	case string:
		s := strings.TrimSpace(t)
		if ewktRe.MatchString(s) {
			return true
		}
		if hexRe.MatchString(s) && len(s) >= 10 {
			b, err := hex.DecodeString(s[:10])
			if err != nil {
				return false
			}
			return hasSRIDFlag(b)
		}
	case []byte:
		return hasSRIDFlag(t)
	}
	return false
}

func hasSRIDFlag(b []byte) bool {
	if len(b) < 5 {
		return false
	}
	var typ uint32
	switch b[0] {
	case 0:
		typ = binary.BigEndian.Uint32(b[1:5])
	case 1:
		typ = binary.LittleEndian.Uint32(b[1:5])
	default:
		return false
	}
	return typ&ewkbSRIDFlag != 0
}

// Tag returns the value to serialize on insert, carrying srid unless v is already tagged.
func Tag(v any, srid int) (any, error) {
	if v == nil {
		return nil, nil
	}
	if IsTagged(v) {
		switch t := v.(type) {
		case Tagged:
			return ewkb.MarshalToHex(t.Geometry, t.SRID)
		case []byte:
			return hex.EncodeToString(t), nil
		}
		return v, nil
	}
	switch t := v.(type) {
	case orb.Geometry:
		return marshalHex(t, srid)
	case Tagged:
		return marshalHex(t.Geometry, srid)
	case []byte:
		g, _, err := decodeEWKB(t)
		if err != nil {
			return nil, err
		}
		return marshalHex(g, srid)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil, nil
		}
		if wktHead.MatchString(s) {
			return fmt.Sprintf("SRID=%d;%s", srid, s), nil
		}
		g, _, err := decodeString(s)
		if err != nil {
			return nil, err
		}
		return marshalHex(g, srid)
	case map[string]any:
		g, _, err := decodeGeoJSON(t)
		if err != nil {
			return nil, err
		}
		return marshalHex(g, srid)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
}

func marshalHex(g orb.Geometry, srid int) (string, error) {
	s, err := ewkb.MarshalToHex(g, srid)
	if err != nil {
		return "", fmt.Errorf("encode ewkb: %w", err)
	}
	return s, nil
}

// WKT renders g as well-known text.
func WKT(g orb.Geometry) string {
	if g == nil {
		return ""
	}
	return wkt.MarshalString(g)
}
