package vlschema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tblUUID = "0a1b2c3d4e5f60718293a4b5c6d7e8f9"
	fldA    = "11111111111111111111111111111111"
	fldB    = "22222222222222222222222222222222"
)

func testSchema(versioning bool) *Schema {
	return New("", tblUUID, Point, 3857, versioning, []Field{
		{Key: "a", UUID: fldA, Type: Integer, Idx: 1},
		{Key: "b", UUID: fldB, Type: String, Idx: 3},
	})
}

func TestNames(t *testing.T) {
	s := testSchema(false)
	assert.Equal(t, `"vector_layer"."layer_`+tblUUID+`"`, s.QTable())
	assert.Equal(t, `"vector_layer"."layer_`+tblUUID+`_vl"`, s.QLogTable())

	col, ok := s.QColumn("a")
	require.True(t, ok)
	assert.Equal(t, `"fld_`+fldA+`"`, col)

	_, ok = s.QColumn("missing")
	assert.False(t, ok)
}

func TestColumnNameIgnoresKeyname(t *testing.T) {
	s1 := New("", tblUUID, Point, 4326, false, []Field{{Key: "name", UUID: fldA, Type: String, Idx: 1}})
	s2 := New("", tblUUID, Point, 4326, false, []Field{{Key: "renamed", UUID: fldA, Type: String, Idx: 1}})

	c1, _ := s1.QColumn("name")
	c2, _ := s2.QColumn("renamed")
	assert.Equal(t, c1, c2)
	assert.Equal(t, s1.SQLCreate(), s2.SQLCreate())
}

func TestHostileKeyIsNeverEmbedded(t *testing.T) {
	key := `x"; DROP TABLE users; --`
	s := New("", tblUUID, Point, 4326, true, []Field{{Key: key, UUID: fldA, Type: String, Idx: 1}})

	for _, q := range s.SQLCreate() {
		assert.NotContains(t, q, "DROP TABLE users")
	}
	st, err := s.DMLInsert([]string{key})
	require.NoError(t, err)
	assert.NotContains(t, st.SQL, "DROP TABLE users")
	assert.Equal(t, "f0", st.Params[key])
}

func TestSQLCreate(t *testing.T) {
	stmts := testSchema(false).SQLCreate()
	require.Len(t, stmts, 4)
	assert.True(t, strings.HasPrefix(stmts[0], "CREATE SEQUENCE "))
	assert.Contains(t, stmts[1], "geom geometry(POINT, 3857)")
	assert.Contains(t, stmts[1], `"fld_`+fldA+`" integer`)
	assert.Contains(t, stmts[1], `"fld_`+fldB+`" varchar`)
	assert.NotContains(t, stmts[1], "vid integer")
	assert.Contains(t, stmts[3], "USING GIST (geom)")

	vstmts := testSchema(true).SQLCreate()
	require.Len(t, vstmts, 5)
	assert.Contains(t, vstmts[1], "vid integer, deleted boolean NOT NULL DEFAULT false")
	assert.Contains(t, vstmts[4], "bits varbit NOT NULL")
	assert.Contains(t, vstmts[4], "PRIMARY KEY (fid, vid)")
}

func TestSQLFields(t *testing.T) {
	s := testSchema(false)
	add, err := s.SQLAddFields([]string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, add, 1)
	assert.Contains(t, add[0], `ADD COLUMN "fld_`+fldA+`" integer, ADD COLUMN "fld_`+fldB+`" varchar`)

	del, err := testSchema(true).SQLDeleteFields([]string{"b"})
	require.NoError(t, err)
	require.Len(t, del, 2, "log table follows the current table")
	assert.Contains(t, del[1], "_vl")

	_, err = s.SQLAddFields([]string{"zzz"})
	assert.Error(t, err)

	none, err := s.SQLAddFields(nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLConvertGeomColumnType(t *testing.T) {
	s := New("", tblUUID, Polygon, 4326, false, nil)

	stmts, err := s.SQLConvertGeomColumnType(MultiPolygon)
	require.NoError(t, err)
	assert.Contains(t, stmts[0], "TYPE geometry(MULTIPOLYGON, 4326) USING ST_Multi(geom)")

	stmts, err = s.SQLConvertGeomColumnType(PolygonZ)
	require.NoError(t, err)
	assert.Contains(t, stmts[0], "USING ST_Force3D(geom)")

	_, err = s.SQLConvertGeomColumnType(LineString)
	assert.Error(t, err)

	m := New("", tblUUID, MultiLineStringZ, 4326, false, nil)
	stmts, err = m.SQLConvertGeomColumnType(LineString)
	require.NoError(t, err)
	assert.Contains(t, stmts[0], "ST_Force2D(CASE WHEN ST_NumGeometries(geom) = 1")
}

func TestGeomTypeHelpers(t *testing.T) {
	assert.Equal(t, Point, MultiPointZ.Base())
	assert.True(t, MultiPolygon.IsMulti())
	assert.False(t, Polygon.IsMulti())
	assert.True(t, LineStringZ.HasZ())
	assert.Equal(t, 3, PolygonZ.Dims())
	assert.Equal(t, MultiLineStringZ, Compose(LineString, true, true))
	assert.Len(t, GeomTypes, 12)
	for _, g := range GeomTypes {
		assert.True(t, g.Valid(), g)
	}
	assert.False(t, GeomType("CIRCLE").Valid())

	assert.NoError(t, CheckConvertible(Polygon, MultiPolygon))
	assert.Error(t, CheckConvertible(Polygon, LineString))
}

func TestBits(t *testing.T) {
	s := testSchema(true)
	assert.Equal(t, "1111", s.FullBits())
	assert.Equal(t, "0001", s.Bits(false, []string{"b"}))
	assert.Equal(t, "1100", s.Bits(true, []string{"a"}))
	assert.Equal(t, "0000", s.Bits(false, nil))
}

func TestDMLInsert(t *testing.T) {
	st, err := testSchema(false).DMLInsert([]string{"b"})
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "vector_layer"."layer_`+tblUUID+`" (geom, "fld_`+fldB+`") `+
			`VALUES (ST_GeomFromWKB(@p_geom, 3857), @f0) RETURNING fid`,
		st.SQL)

	vst, err := testSchema(true).DMLInsert([]string{"a"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(vst.SQL, "WITH ins AS (INSERT INTO"))
	assert.Contains(t, vst.SQL, "@p_vid")
	assert.Contains(t, vst.SQL, "'C', CAST(@p_bits AS varbit)")
	assert.Contains(t, vst.SQL, "ON CONFLICT (fid, vid) DO UPDATE SET")
	assert.True(t, strings.HasSuffix(vst.SQL, "RETURNING fid"))
}

func TestDMLUpdate(t *testing.T) {
	s := testSchema(false)

	st, err := s.DMLUpdate(nil, false)
	require.NoError(t, err)
	assert.Contains(t, st.SQL, "SET fid = fid WHERE fid = @p_fid")

	st, err = s.DMLUpdate([]string{"a"}, true)
	require.NoError(t, err)
	assert.Contains(t, st.SQL, `SET geom = ST_GeomFromWKB(@p_geom, 3857), "fld_`+fldA+`" = @f0 WHERE fid = @p_fid`)
	assert.NotContains(t, st.SQL, "fld_"+fldB, "untouched fields stay out of SET")

	vst, err := testSchema(true).DMLUpdate([]string{"b"}, false)
	require.NoError(t, err)
	assert.Contains(t, vst.SQL, "AND NOT deleted")
	assert.Contains(t, vst.SQL, "'U'")
}

func TestDMLDeleteRestore(t *testing.T) {
	assert.Equal(t, `DELETE FROM "vector_layer"."layer_`+tblUUID+`" WHERE fid = @p_fid`, testSchema(false).DMLDelete(true))
	assert.Equal(t, `DELETE FROM "vector_layer"."layer_`+tblUUID+`"`, testSchema(false).DMLDelete(false))

	vdel := testSchema(true).DMLDelete(true)
	assert.Contains(t, vdel, "SET deleted = true, vid = @p_vid WHERE fid = @p_fid AND NOT deleted")
	assert.Contains(t, vdel, "'D', B''")

	_, err := testSchema(false).DMLRestore(nil, false)
	assert.Error(t, err)

	res, err := testSchema(true).DMLRestore([]string{"a"}, false)
	require.NoError(t, err)
	assert.Contains(t, res.SQL, "SET deleted = false, vid = @p_vid")
	assert.Contains(t, res.SQL, "WHERE fid = @p_fid AND deleted")
	assert.Contains(t, res.SQL, "'R'")
}

func TestQueryChanges(t *testing.T) {
	s := testSchema(true)
	q := s.QueryChanges(true, false)
	assert.Contains(t, q, "vid > @p_initial AND vid <= @p_target AND fid >= @p_fid_min")
	assert.NotContains(t, q, "@p_fid_max")
	assert.True(t, strings.HasSuffix(q, "ORDER BY fid, vid"))
	assert.Contains(t, q, `"fld_`+fldB+`" AS v1`)
}

func TestSQLEstimateSize(t *testing.T) {
	q := testSchema(false).SQLEstimateSize()
	// fid(4) + integer(4)
	assert.Contains(t, q, "sum(8 + coalesce(length(ST_AsBinary(geom)), 0) + coalesce(octet_length(\"fld_"+fldB+"\"), 0))")
}

func TestGeomFromParamCoercesToLayerType(t *testing.T) {
	s := New("", tblUUID, MultiPolygonZ, 4326, false, nil)
	st, err := s.DMLInsert(nil)
	require.NoError(t, err)
	assert.Contains(t, st.SQL, "ST_Multi(ST_Force3D(ST_GeomFromWKB(@p_geom, 4326)))")
}

func TestGeomExprMakeValid(t *testing.T) {
	s := New("", tblUUID, MultiPolygon, 4326, false, nil)
	assert.Equal(t, "ST_Multi(ST_MakeValid(ST_GeomFromWKB(?, 4326)))", s.GeomExprMakeValid("?", false))
	assert.Equal(t, "ST_Multi(ST_CollectionExtract(ST_MakeValid(ST_GeomFromWKB(?, 4326)), 3))", s.GeomExprMakeValid("?", true))

	l := New("", tblUUID, LineStringZ, 4326, false, nil)
	assert.Equal(t, "ST_Force3D(ST_CollectionExtract(ST_MakeValid(ST_GeomFromWKB(?, 4326)), 2))", l.GeomExprMakeValid("?", true))
}

func TestSQLResetGeomColumnType(t *testing.T) {
	s := New("", tblUUID, PolygonZ, 4490, false, nil)
	assert.Equal(t, []string{`ALTER TABLE "vector_layer"."layer_` + tblUUID + `" ALTER COLUMN geom TYPE geometry(POLYGONZ, 4490)`}, s.SQLResetGeomColumnType())
}

func TestSQLSyncSequence(t *testing.T) {
	q := testSchema(false).SQLSyncSequence()
	assert.Equal(t, `SELECT setval('"vector_layer"."layer_`+tblUUID+`_fid_seq"', coalesce((SELECT max(fid) FROM "vector_layer"."layer_`+tblUUID+`"), 0) + 1, false)`, q)
}
