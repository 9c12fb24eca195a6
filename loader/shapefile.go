package loader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gitee.com/LJ_COOL/go-shp"
	"github.com/paulmach/orb"
	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"

	"github.com/GrainArc/VectorLayer/vlschema"
)

// Shapefile ESRI shapefile 数据源
type Shapefile struct {
	r         *shp.Reader
	geomType  vlschema.GeomType
	srid      int
	fields    []FieldInfo
	rawFields []shp.Field
	gbk       bool
}

// OpenShapefile 打开 .shp 文件，同目录下需要有 .dbf；
// 编码优先读取 .cpg，否则自动检测；没有 .prj 时按 EPSG:4326 处理
func OpenShapefile(path string) (*Shapefile, error) {
	r, err := shp.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shapefile %s: %w", path, err)
	}
	s := &Shapefile{
		r:         r,
		geomType:  shapeGeomType(r.GeometryType),
		rawFields: r.Fields(),
	}
	s.gbk = isGBK(path, r)
	s.srid = detectSRID(path, r.BBox().MinX)

	names := make([]string, len(s.rawFields))
	types := make([]vlschema.FieldType, len(s.rawFields))
	for i, f := range s.rawFields {
		names[i] = s.decode(f.String())
		types[i] = dbfFieldType(f)
	}
	s.fields = buildFields(names, types)
	return s, nil
}

func (s *Shapefile) GeometryType() vlschema.GeomType { return s.geomType }

func (s *Shapefile) SRID() int { return s.srid }

func (s *Shapefile) Fields() []FieldInfo { return s.fields }

func (s *Shapefile) Close() error { return s.r.Close() }

func (s *Shapefile) decode(v string) string {
	v = strings.TrimRight(v, "\x00")
	if !s.gbk {
		return v
	}
	out, _, err := transform.String(simplifiedchinese.GBK.NewDecoder(), v)
	if err != nil {
		return v
	}
	return out
}

// Next 读取下一条记录，属性按字段类型转换
func (s *Shapefile) Next() (Row, error) {
	if !s.r.Next() {
		if err := s.r.Err(); err != nil && !errors.Is(err, io.EOF) {
			return Row{}, err
		}
		return Row{}, io.EOF
	}
	n, shape := s.r.Shape()
	row := Row{Geom: shapeToOrb(shape), Z: shapeZ(shape), Values: make([]interface{}, len(s.rawFields))}
	for k, f := range s.rawFields {
		raw := strings.TrimSpace(s.decode(s.r.ReadAttribute(n, k)))
		v, err := dbfValue(f, raw)
		if err != nil {
			return row, fmt.Errorf("record %d, field %s: %w", n, s.fields[k].Name, err)
		}
		row.Values[k] = v
	}
	return row, nil
}

func shapeGeomType(t shp.ShapeType) vlschema.GeomType {
	switch t {
	case shp.POINT, shp.POINTM:
		return vlschema.Point
	case shp.POINTZ:
		return vlschema.PointZ
	case shp.POLYLINE, shp.POLYLINEM:
		return vlschema.MultiLineString
	case shp.POLYLINEZ:
		return vlschema.MultiLineStringZ
	case shp.POLYGON, shp.POLYGONM:
		return vlschema.MultiPolygon
	case shp.POLYGONZ:
		return vlschema.MultiPolygonZ
	case shp.MULTIPOINT, shp.MULTIPOINTM:
		return vlschema.MultiPoint
	case shp.MULTIPOINTZ:
		return vlschema.MultiPointZ
	}
	return ""
}

func dbfFieldType(f shp.Field) vlschema.FieldType {
	switch f.Fieldtype {
	case 'N':
		if f.Precision > 0 {
			return vlschema.Real
		}
		if f.Size < 10 {
			return vlschema.Integer
		}
		return vlschema.Bigint
	case 'F':
		return vlschema.Real
	case 'D':
		return vlschema.Date
	}
	return vlschema.String
}

func dbfValue(f shp.Field, raw string) (interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	switch dbfFieldType(f) {
	case vlschema.Integer, vlschema.Bigint:
		return strconv.ParseInt(raw, 10, 64)
	case vlschema.Real:
		return strconv.ParseFloat(raw, 64)
	case vlschema.Date:
		t, err := time.Parse("20060102", raw)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return raw, nil
}

func toOrbPoints(points []shp.Point) []orb.Point {
	out := make([]orb.Point, len(points))
	for i, p := range points {
		out[i] = orb.Point{p.X, p.Y}
	}
	return out
}

// splitParts 按部件起始下标切分坐标
func splitParts(points []shp.Point, parts []int32) [][]orb.Point {
	var out [][]orb.Point
	for i, start := range parts {
		end := int32(len(points))
		if i < len(parts)-1 {
			end = parts[i+1]
		}
		if start < 0 || start > end || end > int32(len(points)) {
			break
		}
		out = append(out, toOrbPoints(points[start:end]))
	}
	return out
}

// ringsToMultiPolygon 顺时针的环开始一个新多边形，逆时针的环作为前一个多边形的洞
func ringsToMultiPolygon(rings [][]orb.Point) orb.MultiPolygon {
	var mp orb.MultiPolygon
	for _, pts := range rings {
		ring := orb.Ring(pts)
		if ring.Orientation() == orb.CW || len(mp) == 0 {
			mp = append(mp, orb.Polygon{ring})
			continue
		}
		mp[len(mp)-1] = append(mp[len(mp)-1], ring)
	}
	return mp
}

func linesToMulti(parts [][]orb.Point) orb.MultiLineString {
	ml := make(orb.MultiLineString, 0, len(parts))
	for _, p := range parts {
		ml = append(ml, orb.LineString(p))
	}
	return ml
}

// shapeToOrb 转换为二维 orb 几何，空几何返回 nil
func shapeToOrb(shape shp.Shape) orb.Geometry {
	switch s := shape.(type) {
	case *shp.Point:
		return orb.Point{s.X, s.Y}
	case *shp.PointZ:
		return orb.Point{s.X, s.Y}
	case *shp.PointM:
		return orb.Point{s.X, s.Y}
	case *shp.PolyLine:
		return linesToMulti(splitParts(s.Points, s.Parts))
	case *shp.PolyLineZ:
		return linesToMulti(splitParts(s.Points, s.Parts))
	case *shp.PolyLineM:
		return linesToMulti(splitParts(s.Points, s.Parts))
	case *shp.Polygon:
		return ringsToMultiPolygon(splitParts(s.Points, s.Parts))
	case *shp.PolygonZ:
		return ringsToMultiPolygon(splitParts(s.Points, s.Parts))
	case *shp.PolygonM:
		return ringsToMultiPolygon(splitParts(s.Points, s.Parts))
	case *shp.MultiPoint:
		return orb.MultiPoint(toOrbPoints(s.Points))
	case *shp.MultiPointZ:
		return orb.MultiPoint(toOrbPoints(s.Points))
	case *shp.MultiPointM:
		return orb.MultiPoint(toOrbPoints(s.Points))
	}
	return nil
}

// shapeZ 带Z的记录按顶点顺序返回Z坐标，与 shapeToOrb 输出的顶点顺序一致
func shapeZ(shape shp.Shape) []float64 {
	switch s := shape.(type) {
	case *shp.PointZ:
		return []float64{s.Z}
	case *shp.PolyLineZ:
		return s.ZArray
	case *shp.PolygonZ:
		return s.ZArray
	case *shp.MultiPointZ:
		return s.ZArray
	}
	return nil
}

func sidecar(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

// isGBK 读取 .cpg 判断属性编码，没有 .cpg 时用字段名检测
func isGBK(path string, r *shp.Reader) bool {
	if data, err := os.ReadFile(sidecar(path, ".cpg")); err == nil {
		enc := strings.ToUpper(strings.TrimSpace(string(data)))
		return enc == "GBK" || enc == "GB2312" || enc == "GB18030" || enc == "936"
	}
	var sample []byte
	for _, f := range r.Fields() {
		sample = append(sample, []byte(strings.TrimRight(f.String(), "\x00"))...)
	}
	if len(sample) == 0 {
		return false
	}
	res, err := chardet.NewTextDetector().DetectBest(sample)
	if err != nil {
		return false
	}
	switch res.Charset {
	case "GB-18030", "GBK", "GB2312":
		return true
	}
	return false
}

// detectSRID 由 .prj 判断坐标系：没有 .prj 为 4326，地理坐标系按名称区分 4326 和 4490，
// 投影坐标系按X坐标范围推断 CGCS2000 高斯-克吕格分带
func detectSRID(path string, minX float64) int {
	data, err := os.ReadFile(sidecar(path, ".prj"))
	if err != nil {
		return 4326
	}
	prj := strings.ToUpper(string(data))
	if !strings.HasPrefix(strings.TrimSpace(prj), "PROJCS") {
		if strings.Contains(prj, "2000") {
			return 4490
		}
		return 4326
	}
	return gaussKrugerSRID(minX)
}

func gaussKrugerSRID(x float64) int {
	zone := int(x / 1000000)
	switch {
	case x >= 100000 && x <= 10000000:
		return 4544
	case zone >= 25 && zone <= 45:
		// 3度带 25~45 带：EPSG 4513~4533
		return 4488 + zone
	case zone >= 13 && zone <= 23:
		// 6度带 13~23 带：EPSG 4491~4501
		return 4478 + zone
	}
	return 4326
}
