package dataset

import (
	"fmt"
	"strconv"
	"strings"
)

// CRS is an EPSG code. The zero value means no CRS is known.
type CRS int

const WGS84 CRS = 4326

func EPSG(code int) CRS { return CRS(code) }

func (c CRS) IsSet() bool { return c > 0 }

func (c CRS) SRID() int { return int(c) }

func (c CRS) String() string {
	if !c.IsSet() {
		return ""
	}
	return "EPSG:" + strconv.Itoa(int(c))
}

// ParseCRS accepts "4326", "EPSG:4326", "epsg:4326" and "urn:ogc:def:crs:EPSG::4326".
// An empty string yields the zero CRS.
func ParseCRS(s string) (CRS, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	code := s
	if i := strings.LastIndex(s, ":"); i >= 0 {
		code = s[i+1:]
	}
	n, err := strconv.Atoi(code)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid crs %q", s)
	}
	return CRS(n), nil
}

// CRSFrom resolves the loosely typed CRS inputs callers tend to pass around.
func CRSFrom(v any) (CRS, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case CRS:
		return t, nil
	case int:
		return intCRS(int64(t))
	case int32:
		return intCRS(int64(t))
	case int64:
		return intCRS(t)
	case float64:
		if t != float64(int64(t)) {
			return 0, fmt.Errorf("invalid crs %v", t)
		}
		return intCRS(int64(t))
	case string:
		return ParseCRS(t)
	case fmt.Stringer:
		return ParseCRS(t.String())
	default:
		return 0, fmt.Errorf("unsupported crs type %T", v)
	}
}

func intCRS(n int64) (CRS, error) {
	if n < 0 {
		return 0, fmt.Errorf("invalid crs %d", n)
	}
	return CRS(n), nil
}
