// Package loader 读取外部矢量数据（shapefile、GeoJSON 及其压缩包），
// 以统一的字段列表和行迭代器提供给图层批量导入。
package loader

import (
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"

	"github.com/GrainArc/VectorLayer/vlschema"
)

// ErrUnsupportedFormat 无法识别的数据格式
var ErrUnsupportedFormat = errors.New("unsupported dataset format")

// FieldInfo 数据源字段
type FieldInfo struct {
	// Name 数据源中的原始字段名，作为显示名称
	Name string
	// Keyname 规范化后的字段键，图层内唯一
	Keyname string
	Type    vlschema.FieldType
}

// Row 数据源中的一行，Values 与 Fields 一一对应
type Row struct {
	Geom   orb.Geometry
	Values []interface{}
	// Z 按顶点顺序排列的Z坐标，二维数据为 nil
	Z []float64
}

// Dataset 外部数据源
type Dataset interface {
	// GeometryType 数据源声明的几何类型，无法确定时返回空字符串
	GeometryType() vlschema.GeomType
	SRID() int
	Fields() []FieldInfo
	// Next 返回下一行，读完后返回 io.EOF
	Next() (Row, error)
	Close() error
}

// Cast 导入时的类型转换选项
type Cast string

const (
	CastAuto Cast = "auto"
	CastYes  Cast = "yes"
	CastNo   Cast = "no"
)

// FixErrors 无效几何的处理方式
type FixErrors string

const (
	FixNone  FixErrors = "NONE"
	FixSafe  FixErrors = "SAFE"
	FixLossy FixErrors = "LOSSY"
)

// FidSource 要素ID的来源
type FidSource string

const (
	// FidAuto 数据源中有 FidField 时使用该字段，否则使用序列
	FidAuto      FidSource = "AUTO"
	FidSequence  FidSource = "SEQUENCE"
	FidFromField FidSource = "FIELD"
)

// Params 批量导入参数
type Params struct {
	// SkipOtherGeometryTypes 跳过与图层几何类型不一致的行，否则报错
	SkipOtherGeometryTypes bool `json:"skip_other_geometry_types"`
	// SkipErrors 跳过无法转换的行，否则报错
	SkipErrors bool `json:"skip_errors"`
	// CastIsMulti 是否转换为多部件类型
	CastIsMulti Cast `json:"cast_is_multi"`
	// CastHasZ 是否转换为带Z类型
	CastHasZ Cast `json:"cast_has_z"`
	// CastGeometryType 指定图层的基础几何类型（POINT、LINESTRING、POLYGON），为空时取数据源的类型
	CastGeometryType vlschema.GeomType `json:"cast_geometry_type,omitempty"`
	FixErrors        FixErrors         `json:"fix_errors"`
	FidSource        FidSource         `json:"fid_source"`
	// FidField 可作为要素ID的字段名，按顺序取数据源中第一个存在的
	FidField  []string `json:"fid_field,omitempty"`
	BatchSize int      `json:"batch_size"`
}

// DefaultParams 默认导入参数
func DefaultParams() Params {
	return Params{
		CastIsMulti: CastAuto,
		CastHasZ:    CastAuto,
		FixErrors:   FixNone,
		FidSource:   FidSequence,
		BatchSize:   1000,
	}
}

// Validate 检查参数取值
func (p Params) Validate() error {
	for _, c := range []Cast{p.CastIsMulti, p.CastHasZ} {
		switch c {
		case "", CastAuto, CastYes, CastNo:
		default:
			return fmt.Errorf("unknown cast option %q", c)
		}
	}
	switch p.CastGeometryType {
	case "", vlschema.Point, vlschema.LineString, vlschema.Polygon:
	default:
		return fmt.Errorf("unknown cast_geometry_type %q", p.CastGeometryType)
	}
	switch p.FixErrors {
	case "", FixNone, FixSafe, FixLossy:
	default:
		return fmt.Errorf("unknown fix_errors value %q", p.FixErrors)
	}
	switch p.FidSource {
	case "", FidAuto, FidSequence:
	case FidFromField:
		if len(p.FidField) == 0 {
			return errors.New("fid_field is required when fid_source is FIELD")
		}
	default:
		return fmt.Errorf("unknown fid_source value %q", p.FidSource)
	}
	return nil
}

// FidIndex 作为要素ID的字段下标，使用序列时返回 -1
func FidIndex(fields []FieldInfo, p Params) (int, error) {
	if p.FidSource == "" || p.FidSource == FidSequence {
		return -1, nil
	}
	for _, name := range p.FidField {
		for i, f := range fields {
			if strings.EqualFold(f.Name, name) || strings.EqualFold(f.Keyname, name) {
				switch f.Type {
				case vlschema.Integer, vlschema.Bigint:
					return i, nil
				}
				return -1, fmt.Errorf("fid field %q must be integer, got %s", f.Name, f.Type)
			}
		}
	}
	if p.FidSource == FidFromField {
		return -1, fmt.Errorf("fid field %v not found in dataset", p.FidField)
	}
	return -1, nil
}

// TargetGeomType 根据数据源类型和转换选项确定图层几何类型
func TargetGeomType(src vlschema.GeomType, p Params) (vlschema.GeomType, error) {
	var multi, z bool
	base := src.Base()
	switch {
	case src.Valid():
		multi, z = src.IsMulti(), src.HasZ()
		if p.CastGeometryType != "" {
			base = p.CastGeometryType.Base()
		}
	case p.CastGeometryType != "":
		base = p.CastGeometryType.Base()
	default:
		return "", fmt.Errorf("can't determine geometry type of dataset (%q)", src)
	}
	switch p.CastIsMulti {
	case CastYes:
		multi = true
	case CastNo:
		multi = false
	}
	switch p.CastHasZ {
	case CastYes:
		z = true
	case CastNo:
		z = false
	}
	return vlschema.Compose(base, multi, z), nil
}

// BaseTypeOf orb 几何对应的二维几何类型
func BaseTypeOf(g orb.Geometry) (vlschema.GeomType, bool) {
	switch g.(type) {
	case orb.Point:
		return vlschema.Point, true
	case orb.LineString:
		return vlschema.LineString, true
	case orb.Polygon:
		return vlschema.Polygon, true
	case orb.MultiPoint:
		return vlschema.MultiPoint, true
	case orb.MultiLineString:
		return vlschema.MultiLineString, true
	case orb.MultiPolygon:
		return vlschema.MultiPolygon, true
	}
	return "", false
}

// CastGeometry 把几何转换为目标类型的二维形式：单部件转多部件，只有一个部件的多部件转单部件。
// 基础类型不同或无法转换时返回 false。
func CastGeometry(g orb.Geometry, target vlschema.GeomType) (orb.Geometry, bool) {
	gt, ok := BaseTypeOf(g)
	if !ok || gt.Base() != target.Base() {
		return nil, false
	}
	if gt.IsMulti() == target.IsMulti() {
		return g, true
	}
	if target.IsMulti() {
		switch v := g.(type) {
		case orb.Point:
			return orb.MultiPoint{v}, true
		case orb.LineString:
			return orb.MultiLineString{v}, true
		case orb.Polygon:
			return orb.MultiPolygon{v}, true
		}
		return nil, false
	}
	switch v := g.(type) {
	case orb.MultiPoint:
		if len(v) == 1 {
			return v[0], true
		}
	case orb.MultiLineString:
		if len(v) == 1 {
			return v[0], true
		}
	case orb.MultiPolygon:
		if len(v) == 1 {
			return v[0], true
		}
	}
	return nil, false
}
