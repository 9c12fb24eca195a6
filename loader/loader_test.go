package loader

import (
	"archive/zip"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gitee.com/LJ_COOL/go-shp"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GrainArc/VectorLayer/vlschema"
)

const sampleGeoJSON = `{
  "type": "FeatureCollection",
  "features": [
    {"type": "Feature", "geometry": {"type": "Point", "coordinates": [1, 2]},
     "properties": {"名称": "a", "count": 1, "ratio": 0.5, "empty": null}},
    {"type": "Feature", "geometry": {"type": "MultiPoint", "coordinates": [[3, 4]]},
     "properties": {"名称": "b", "count": 2, "ratio": 2}},
    {"type": "Feature", "geometry": null, "properties": {"count": 5000000000}}
  ]
}`

func TestReadGeoJSON(t *testing.T) {
	ds, err := ReadGeoJSON(strings.NewReader(sampleGeoJSON))
	require.NoError(t, err)
	defer ds.Close()

	assert.Equal(t, vlschema.MultiPoint, ds.GeometryType())
	assert.Equal(t, 4326, ds.SRID())

	byName := map[string]FieldInfo{}
	for _, f := range ds.Fields() {
		byName[f.Name] = f
	}
	require.Len(t, byName, 4)
	assert.Equal(t, vlschema.Bigint, byName["count"].Type)
	assert.Equal(t, vlschema.Real, byName["ratio"].Type)
	assert.Equal(t, vlschema.String, byName["empty"].Type)
	assert.Equal(t, vlschema.String, byName["名称"].Type)
	assert.Equal(t, "mc", byName["名称"].Keyname)

	var rows []Row
	for {
		row, err := ds.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		rows = append(rows, row)
	}
	require.Len(t, rows, 3)
	assert.Equal(t, orb.Point{1, 2}, rows[0].Geom)
	assert.Nil(t, rows[2].Geom)

	idx := -1
	for i, f := range ds.Fields() {
		if f.Name == "count" {
			idx = i
		}
	}
	assert.Equal(t, int64(5000000000), rows[2].Values[idx])
}

func TestNormalizeKeyname(t *testing.T) {
	cases := map[string]string{
		"Name":     "name",
		"地块编号":     "dkbh",
		"2020年产量":  "ncl_2020",
		"area (m2)": "area_m2",
		"!!!":      "field",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeKeyname(in), in)
	}
}

func TestUniqueKeynames(t *testing.T) {
	keys := UniqueKeynames([]string{"Name", "name", "NAME", "id"})
	assert.Equal(t, []string{"name", "name_1", "name_2", "id_1"}, keys)
}

func TestTargetGeomType(t *testing.T) {
	gt, err := TargetGeomType(vlschema.Polygon, DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, vlschema.Polygon, gt)

	p := DefaultParams()
	p.CastIsMulti = CastYes
	p.CastHasZ = CastYes
	gt, err = TargetGeomType(vlschema.Polygon, p)
	require.NoError(t, err)
	assert.Equal(t, vlschema.MultiPolygonZ, gt)

	_, err = TargetGeomType("", p)
	assert.Error(t, err)

	p = DefaultParams()
	p.CastGeometryType = vlschema.LineString
	gt, err = TargetGeomType("", p)
	require.NoError(t, err)
	assert.Equal(t, vlschema.LineString, gt)

	gt, err = TargetGeomType(vlschema.MultiPointZ, p)
	require.NoError(t, err)
	assert.Equal(t, vlschema.MultiLineStringZ, gt)
}

func TestParamsValidate(t *testing.T) {
	require.NoError(t, DefaultParams().Validate())
	require.NoError(t, Params{}.Validate())

	bad := []Params{
		{CastIsMulti: "maybe"},
		{CastGeometryType: vlschema.MultiPolygon},
		{FixErrors: "ALL"},
		{FidSource: "ROWNUM"},
		{FidSource: FidFromField},
	}
	for _, p := range bad {
		assert.Error(t, p.Validate(), "%+v", p)
	}
}

func TestFidIndex(t *testing.T) {
	fields := []FieldInfo{
		{Name: "NAME", Keyname: "name", Type: vlschema.String},
		{Name: "OBJECTID", Keyname: "objectid", Type: vlschema.Integer},
	}

	i, err := FidIndex(fields, DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, -1, i)

	i, err = FidIndex(fields, Params{FidSource: FidAuto, FidField: []string{"ngw_id", "objectid"}})
	require.NoError(t, err)
	assert.Equal(t, 1, i)

	i, err = FidIndex(fields, Params{FidSource: FidAuto, FidField: []string{"ngw_id"}})
	require.NoError(t, err)
	assert.Equal(t, -1, i)

	_, err = FidIndex(fields, Params{FidSource: FidFromField, FidField: []string{"ngw_id"}})
	assert.Error(t, err)

	_, err = FidIndex(fields, Params{FidSource: FidFromField, FidField: []string{"name"}})
	assert.Error(t, err)
}

func TestMarshalZ(t *testing.T) {
	b, err := MarshalZ(orb.Point{1, 2}, []float64{3})
	require.NoError(t, err)
	want := []byte{1}
	want = binary.LittleEndian.AppendUint32(want, 1001)
	for _, v := range []float64{1, 2, 3} {
		want = binary.LittleEndian.AppendUint64(want, math.Float64bits(v))
	}
	assert.Equal(t, want, b)

	mp := orb.MultiPolygon{{{{0, 0}, {1, 0}, {1, 1}, {0, 0}}}}
	b, err = MarshalZ(mp, []float64{5, 6, 7, 5})
	require.NoError(t, err)
	// 多面头和部件数 + 面头和环数 + 点数 + 4个XYZ顶点
	assert.Len(t, b, 9+9+4+4*24)
	assert.Equal(t, uint32(1006), binary.LittleEndian.Uint32(b[1:5]))
	assert.Equal(t, uint32(1003), binary.LittleEndian.Uint32(b[10:14]))
	assert.Equal(t, 7.0, math.Float64frombits(binary.LittleEndian.Uint64(b[len(b)-32:len(b)-24])))

	_, err = MarshalZ(mp, []float64{1, 2})
	assert.Error(t, err)
	_, err = MarshalZ(orb.Point{1, 2}, []float64{1, 2})
	assert.Error(t, err)
}

func TestShapefilePointZ(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wells.shp")
	w, err := shp.Create(path, shp.POINTZ)
	require.NoError(t, err)
	require.NoError(t, w.SetFields([]shp.Field{shp.StringField("NAME", 20)}))
	n := w.Write(&shp.PointZ{X: 1, Y: 2, Z: 35.5})
	require.NoError(t, w.WriteAttribute(int(n), 0, "w1"))
	w.Close()

	ds, err := OpenShapefile(path)
	require.NoError(t, err)
	defer ds.Close()
	assert.Equal(t, vlschema.PointZ, ds.GeometryType())
	assert.Equal(t, 4326, ds.SRID())

	row, err := ds.Next()
	require.NoError(t, err)
	assert.Equal(t, orb.Point{1, 2}, row.Geom)
	assert.Equal(t, []float64{35.5}, row.Z)
	assert.Equal(t, []interface{}{"w1"}, row.Values)

	_, err = ds.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestCastGeometry(t *testing.T) {
	g, ok := CastGeometry(orb.Point{1, 1}, vlschema.MultiPoint)
	require.True(t, ok)
	assert.Equal(t, orb.MultiPoint{{1, 1}}, g)

	g, ok = CastGeometry(orb.MultiPoint{{1, 1}}, vlschema.PointZ)
	require.True(t, ok)
	assert.Equal(t, orb.Point{1, 1}, g)

	_, ok = CastGeometry(orb.MultiPoint{{1, 1}, {2, 2}}, vlschema.Point)
	assert.False(t, ok)

	_, ok = CastGeometry(orb.LineString{{0, 0}, {1, 1}}, vlschema.Polygon)
	assert.False(t, ok)
}

func TestRingsToMultiPolygon(t *testing.T) {
	outer := []orb.Point{{0, 0}, {0, 10}, {10, 10}, {10, 0}, {0, 0}}
	hole := []orb.Point{{2, 2}, {4, 2}, {4, 4}, {2, 4}, {2, 2}}
	other := []orb.Point{{20, 0}, {20, 5}, {25, 5}, {25, 0}, {20, 0}}

	mp := ringsToMultiPolygon([][]orb.Point{outer, hole, other})
	require.Len(t, mp, 2)
	assert.Len(t, mp[0], 2)
	assert.Len(t, mp[1], 1)
}

func TestGaussKrugerSRID(t *testing.T) {
	assert.Equal(t, 4521, gaussKrugerSRID(33500000))
	assert.Equal(t, 4491, gaussKrugerSRID(13500000))
	assert.Equal(t, 4544, gaussKrugerSRID(500000))
}

func TestOpenZipArchive(t *testing.T) {
	dir := t.TempDir()
	zipPath := filepath.Join(dir, "data.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("nested/points.geojson")
	require.NoError(t, err)
	_, err = w.Write([]byte(sampleGeoJSON))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	ds, err := Open(zipPath)
	require.NoError(t, err)
	assert.Equal(t, vlschema.MultiPoint, ds.GeometryType())
	ad, ok := ds.(*archiveDataset)
	require.True(t, ok)
	require.NoError(t, ds.Close())

	_, err = os.Stat(ad.dir)
	assert.True(t, os.IsNotExist(err))
}

func TestOpenUnsupported(t *testing.T) {
	_, err := Open("data.dxf")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}
