package vlschema

import (
	"fmt"
	"regexp"
)

// GeomType 图层几何类型
type GeomType string

const (
	Point            GeomType = "POINT"
	LineString       GeomType = "LINESTRING"
	Polygon          GeomType = "POLYGON"
	MultiPoint       GeomType = "MULTIPOINT"
	MultiLineString  GeomType = "MULTILINESTRING"
	MultiPolygon     GeomType = "MULTIPOLYGON"
	PointZ           GeomType = "POINTZ"
	LineStringZ      GeomType = "LINESTRINGZ"
	PolygonZ         GeomType = "POLYGONZ"
	MultiPointZ      GeomType = "MULTIPOINTZ"
	MultiLineStringZ GeomType = "MULTILINESTRINGZ"
	MultiPolygonZ    GeomType = "MULTIPOLYGONZ"
)

// GeomTypes 全部支持的几何类型，顺序与显示名称一致
var GeomTypes = []GeomType{
	Point, LineString, Polygon,
	MultiPoint, MultiLineString, MultiPolygon,
	PointZ, LineStringZ, PolygonZ,
	MultiPointZ, MultiLineStringZ, MultiPolygonZ,
}

var geomTypeDisplay = map[GeomType]string{
	Point:            "Point",
	LineString:       "Line",
	Polygon:          "Polygon",
	MultiPoint:       "Multipoint",
	MultiLineString:  "Multiline",
	MultiPolygon:     "Multipolygon",
	PointZ:           "Point Z",
	LineStringZ:      "Line Z",
	PolygonZ:         "Polygon Z",
	MultiPointZ:      "Multipoint Z",
	MultiLineStringZ: "Multiline Z",
	MultiPolygonZ:    "Multipolygon Z",
}

var baseTypeRe = regexp.MustCompile(`^(?:MULTI)?(POINT|LINESTRING|POLYGON)(?:Z)?$`)

// Valid 判断几何类型是否合法
func (g GeomType) Valid() bool {
	_, ok := geomTypeDisplay[g]
	return ok
}

// DisplayName 几何类型显示名称
func (g GeomType) DisplayName() string {
	return geomTypeDisplay[g]
}

// Base 去掉 MULTI 前缀和 Z 后缀后的基础类型
func (g GeomType) Base() GeomType {
	return GeomType(baseTypeRe.ReplaceAllString(string(g), "$1"))
}

func (g GeomType) IsMulti() bool {
	return len(g) > 5 && g[:5] == "MULTI"
}

func (g GeomType) HasZ() bool {
	return len(g) > 0 && g[len(g)-1] == 'Z'
}

// Dims 坐标维数
func (g GeomType) Dims() int {
	if g.HasZ() {
		return 3
	}
	return 2
}

// Compose 由基础类型、是否多部件、是否带Z组合几何类型
func Compose(base GeomType, multi, z bool) GeomType {
	s := string(base.Base())
	if multi {
		s = "MULTI" + s
	}
	if z {
		s += "Z"
	}
	return GeomType(s)
}

// CheckConvertible 几何类型转换只允许在同一基础类型之间进行
func CheckConvertible(from, to GeomType) error {
	if !to.Valid() {
		return fmt.Errorf("unsupported geometry type %q", to)
	}
	if from.Base() != to.Base() {
		return fmt.Errorf("can't convert %s geometry type to %s", from, to)
	}
	return nil
}

// FieldType 字段数据类型
type FieldType string

const (
	Integer  FieldType = "INTEGER"
	Bigint   FieldType = "BIGINT"
	Real     FieldType = "REAL"
	String   FieldType = "STRING"
	Date     FieldType = "DATE"
	Time     FieldType = "TIME"
	Datetime FieldType = "DATETIME"
)

var fieldTypeDB = map[FieldType]string{
	Integer:  "integer",
	Bigint:   "bigint",
	Real:     "double precision",
	String:   "varchar",
	Date:     "date",
	Time:     "time",
	Datetime: "timestamp",
}

// fieldTypeSize 定长类型的存储字节数，字符串按实际长度计算
var fieldTypeSize = map[FieldType]int64{
	Integer:  4,
	Bigint:   8,
	Real:     8,
	Date:     4,
	Time:     8,
	Datetime: 8,
}

func (t FieldType) Valid() bool {
	_, ok := fieldTypeDB[t]
	return ok
}

// DBType 对应的 PostgreSQL 列类型
func (t FieldType) DBType() string {
	return fieldTypeDB[t]
}

// FixedSize 定长字节数；变长类型返回 false
func (t FieldType) FixedSize() (int64, bool) {
	n, ok := fieldTypeSize[t]
	return n, ok
}
