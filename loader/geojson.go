package loader

import (
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/paulmach/orb/geojson"

	"github.com/GrainArc/VectorLayer/vlschema"
)

// GeoJSON 内存中的 GeoJSON 要素集合数据源，坐标系固定为 EPSG:4326
type GeoJSON struct {
	fc       *geojson.FeatureCollection
	geomType vlschema.GeomType
	fields   []FieldInfo
	props    []string
	pos      int
}

// ReadGeoJSON 读取 FeatureCollection，字段类型由全部要素的属性值推断
func ReadGeoJSON(r io.Reader) (*GeoJSON, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("decode geojson: %w", err)
	}
	g := &GeoJSON{fc: fc}
	g.geomType = collectionGeomType(fc)

	kinds := map[string]vlschema.FieldType{}
	for _, f := range fc.Features {
		for _, k := range sortedKeys(f.Properties) {
			t, ok := inferType(f.Properties[k])
			if !ok {
				continue
			}
			prev, seen := kinds[k]
			if !seen {
				g.props = append(g.props, k)
				kinds[k] = t
				continue
			}
			kinds[k] = mergeTypes(prev, t)
		}
	}
	// 只有 null 值的属性按字符串处理
	for _, f := range fc.Features {
		for _, k := range sortedKeys(f.Properties) {
			if _, seen := kinds[k]; !seen {
				g.props = append(g.props, k)
				kinds[k] = vlschema.String
			}
		}
	}
	types := make([]vlschema.FieldType, len(g.props))
	for i, k := range g.props {
		types[i] = kinds[k]
	}
	g.fields = buildFields(g.props, types)
	return g, nil
}

func (g *GeoJSON) GeometryType() vlschema.GeomType { return g.geomType }

func (g *GeoJSON) SRID() int { return 4326 }

func (g *GeoJSON) Fields() []FieldInfo { return g.fields }

func (g *GeoJSON) Close() error { return nil }

func (g *GeoJSON) Next() (Row, error) {
	if g.pos >= len(g.fc.Features) {
		return Row{}, io.EOF
	}
	f := g.fc.Features[g.pos]
	g.pos++
	row := Row{Geom: f.Geometry, Values: make([]interface{}, len(g.props))}
	for i, k := range g.props {
		v, ok := f.Properties[k]
		if !ok || v == nil {
			continue
		}
		cv, err := convertProperty(g.fields[i].Type, v)
		if err != nil {
			return row, fmt.Errorf("feature %d, property %s: %w", g.pos-1, k, err)
		}
		row.Values[i] = cv
	}
	return row, nil
}

func sortedKeys(props geojson.Properties) []string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func inferType(v interface{}) (vlschema.FieldType, bool) {
	switch n := v.(type) {
	case nil:
		return "", false
	case float64:
		if n != math.Trunc(n) {
			return vlschema.Real, true
		}
		if n >= math.MinInt32 && n <= math.MaxInt32 {
			return vlschema.Integer, true
		}
		return vlschema.Bigint, true
	}
	return vlschema.String, true
}

// mergeTypes 同一属性出现不同类型时取能容纳两者的类型
func mergeTypes(a, b vlschema.FieldType) vlschema.FieldType {
	if a == b {
		return a
	}
	rank := map[vlschema.FieldType]int{vlschema.Integer: 1, vlschema.Bigint: 2, vlschema.Real: 3}
	ra, okA := rank[a]
	rb, okB := rank[b]
	if !okA || !okB {
		return vlschema.String
	}
	if ra > rb {
		return a
	}
	return b
}

func convertProperty(t vlschema.FieldType, v interface{}) (interface{}, error) {
	switch t {
	case vlschema.Integer, vlschema.Bigint:
		n, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", v)
		}
		return int64(n), nil
	case vlschema.Real:
		n, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", v)
		}
		return n, nil
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

// collectionGeomType 全部要素的公共几何类型；单部件和多部件混合时取多部件，基础类型不一致时返回空
func collectionGeomType(fc *geojson.FeatureCollection) vlschema.GeomType {
	var base vlschema.GeomType
	multi := false
	for _, f := range fc.Features {
		if f.Geometry == nil {
			continue
		}
		gt, ok := BaseTypeOf(f.Geometry)
		if !ok {
			return ""
		}
		if base == "" {
			base = gt.Base()
		} else if base != gt.Base() {
			return ""
		}
		multi = multi || gt.IsMulti()
	}
	if base == "" {
		return ""
	}
	return vlschema.Compose(base, multi, false)
}
