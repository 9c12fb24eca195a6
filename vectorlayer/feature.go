package vectorlayer

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/encoding/wkt"
)

type geomState uint8

const (
	geomUnset geomState = iota
	geomNull
	geomValue
)

// Geometry 要素几何的三态值：未设置（零值）、显式NULL、有值。
// 值以 WKB 或 WKT 保存，查询结果按请求的格式填充其中一种。
type Geometry struct {
	state geomState
	wkb   []byte
	wkt   string
}

// NullGeom 显式置空的几何
func NullGeom() Geometry { return Geometry{state: geomNull} }

// GeomFromWKB 由 WKB 构造几何，nil 视为显式NULL
func GeomFromWKB(b []byte) Geometry {
	if b == nil {
		return NullGeom()
	}
	return Geometry{state: geomValue, wkb: b}
}

// GeomFromWKT 由 WKT 构造几何，空字符串视为显式NULL
func GeomFromWKT(s string) Geometry {
	if s == "" {
		return NullGeom()
	}
	return Geometry{state: geomValue, wkt: s}
}

// GeomFromOrb 由 orb 几何构造，nil 视为显式NULL
func GeomFromOrb(g orb.Geometry) (Geometry, error) {
	if g == nil {
		return NullGeom(), nil
	}
	b, err := wkb.Marshal(g)
	if err != nil {
		return Geometry{}, fmt.Errorf("encode geometry: %w", err)
	}
	return Geometry{state: geomValue, wkb: b}, nil
}

// IsSet 是否给出了几何（包括显式NULL）
func (g Geometry) IsSet() bool { return g.state != geomUnset }

// IsNull 是否为显式NULL
func (g Geometry) IsNull() bool { return g.state == geomNull }

func (g Geometry) WKB() []byte { return g.wkb }
func (g Geometry) WKT() string { return g.wkt }

// Orb 解码为 orb 几何，未设置或NULL时返回 nil
func (g Geometry) Orb() (orb.Geometry, error) {
	if g.state != geomValue {
		return nil, nil
	}
	if g.wkb != nil {
		return wkb.Unmarshal(g.wkb)
	}
	return wkt.Unmarshal(g.wkt)
}

// bind 转换为写入参数：NULL 返回 nil，WKT 先转换为 WKB
func (g Geometry) bind() (interface{}, error) {
	switch {
	case g.state != geomValue:
		return nil, nil
	case g.wkb != nil:
		return g.wkb, nil
	}
	og, err := wkt.Unmarshal(g.wkt)
	if err != nil {
		return nil, validationf("invalid WKT geometry: %v", err)
	}
	b, err := wkb.Marshal(og)
	if err != nil {
		return nil, validationf("invalid geometry: %v", err)
	}
	return b, nil
}

// Feature 图层中的一个要素
//
// Fields 中不存在的键表示不修改，值为 nil 表示置为NULL。
type Feature struct {
	ID     int64
	Geom   Geometry
	Fields map[string]interface{}
	// Box 查询时请求了包围盒才会填充
	Box *orb.Bound
}

// NewFeature 创建空要素
func NewFeature() *Feature {
	return &Feature{Fields: map[string]interface{}{}}
}

// Set 设置字段值，返回自身便于链式调用
func (f *Feature) Set(key string, value interface{}) *Feature {
	if f.Fields == nil {
		f.Fields = map[string]interface{}{}
	}
	f.Fields[key] = value
	return f
}
