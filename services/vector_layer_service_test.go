package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/GrainArc/VectorLayer/config"
	"github.com/GrainArc/VectorLayer/loader"
	"github.com/GrainArc/VectorLayer/models"
	"github.com/GrainArc/VectorLayer/srs"
	"github.com/GrainArc/VectorLayer/vectorlayer"
	"github.com/GrainArc/VectorLayer/vlschema"
)

func TestIsPathSafe(t *testing.T) {
	root := t.TempDir()
	svc := NewVectorLayerService(nil, root)

	assert.True(t, svc.isPathSafe(filepath.Join(root, "a", "b.shp")))
	assert.True(t, svc.isPathSafe(filepath.Join(root, "..data.zip")))
	assert.False(t, svc.isPathSafe(filepath.Join(root, "..", "other.shp")))
	assert.False(t, svc.isPathSafe(filepath.Dir(root)))

	assert.True(t, NewVectorLayerService(nil, "").isPathSafe("/anywhere.shp"))
}

func TestCreateFromSourceRejectsOutsideRoot(t *testing.T) {
	root := t.TempDir()
	svc := NewVectorLayerService(nil, root)
	_, err := svc.CreateFromSource(context.Background(), "x", filepath.Join(root, "..", "x.geojson"), false, loader.DefaultParams())
	assert.ErrorIs(t, err, os.ErrPermission)

	_, err = svc.ReloadFromSource(context.Background(), 1, filepath.Join(root, "..", "x.geojson"), loader.DefaultParams())
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestToLayerDetail(t *testing.T) {
	l := vectorlayer.NewLayer("roads", vlschema.LineString, 3857)
	require.NoError(t, l.SetupFromFields([]vectorlayer.FieldDef{
		{Keyname: "name", DisplayName: "Name", Datatype: vlschema.String},
	}))
	l.LabelField = l.Fields[0]

	d := toLayerDetail(l)
	assert.Equal(t, "roads", d.DisplayName)
	assert.Equal(t, "Line", d.GeometryName)
	assert.Equal(t, "name", d.LabelField)
	require.Len(t, d.Fields, 1)
	assert.Equal(t, FieldItem{Keyname: "name", DisplayName: "Name", Datatype: vlschema.String, GridVisibility: true}, d.Fields[0])
}

func openService(t *testing.T) *VectorLayerService {
	t.Helper()
	dsn := os.Getenv("VECTORLAYER_TEST_DSN")
	if dsn == "" {
		t.Skip("VECTORLAYER_TEST_DSN is not set")
	}
	const ns = "vector_layer_service_test"
	db, err := gorm.Open(postgres.Open(dsn), models.GormConfig(config.Config{LogLevel: "silent"}))
	require.NoError(t, err)
	require.NoError(t, models.EnsurePostGIS(db))
	require.NoError(t, models.Migrate(db))
	require.NoError(t, models.EnsureNamespace(db, ns))
	t.Cleanup(func() { _ = models.DropNamespace(db, ns) })
	return NewVectorLayerService(vectorlayer.NewStore(db, vectorlayer.WithNamespace(ns), vectorlayer.WithSRS(srs.NewService(db))), "")
}

func TestVectorLayerServiceLifecycle(t *testing.T) {
	svc := openService(t)
	ctx := context.Background()

	_, err := svc.CreateFromFields(ctx, CreateLayerRequest{GeometryType: vlschema.Point, SRID: 4326})
	var ve *vectorlayer.ValidationError
	require.ErrorAs(t, err, &ve)

	d, err := svc.CreateFromFields(ctx, CreateLayerRequest{
		DisplayName:  "points",
		GeometryType: vlschema.Point,
		SRID:         4326,
		Fields:       []vectorlayer.FieldDef{{Keyname: "name", Datatype: vlschema.String}},
	})
	require.NoError(t, err)
	require.NotZero(t, d.ID)

	f, err := svc.AddField(ctx, d.ID, vectorlayer.FieldDef{Keyname: "height", DisplayName: "Height", Datatype: vlschema.Real})
	require.NoError(t, err)
	assert.NotZero(t, f.ID)

	require.NoError(t, svc.RenameField(ctx, d.ID, "name", "title", "Title"))
	require.NoError(t, svc.DeleteField(ctx, d.ID, "height"))
	require.NoError(t, svc.ChangeGeometryType(ctx, d.ID, vlschema.MultiPoint))
	require.NoError(t, svc.SetVersioning(ctx, d.ID, true))

	got, err := svc.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, vlschema.MultiPoint, got.GeometryType)
	assert.True(t, got.Versioning)
	require.Len(t, got.Fields, 1)
	assert.Equal(t, "title", got.Fields[0].Keyname)

	assert.ErrorIs(t, svc.ChangeGeometryType(ctx, d.ID, vlschema.Point), vectorlayer.ErrFVersioningNotImplemented)

	require.NoError(t, svc.Delete(ctx, d.ID))
	_, err = svc.Get(ctx, d.ID)
	assert.ErrorIs(t, err, vectorlayer.ErrLayerNotFound)
}

func TestVectorLayerServiceImport(t *testing.T) {
	svc := openService(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "parcels.geojson")
	require.NoError(t, os.WriteFile(path, []byte(`{"type": "FeatureCollection", "features": [
		{"type": "Feature", "geometry": {"type": "Polygon", "coordinates": [[[0, 0], [1, 0], [1, 1], [0, 0]]]}, "properties": {"地块编号": "A1", "面积": 0.5}}
	]}`), 0o644))

	res, err := svc.CreateFromSource(context.Background(), "", path, true, loader.DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, "parcels", res.Layer.DisplayName)
	assert.Equal(t, vlschema.Polygon, res.Layer.GeometryType)
	assert.Equal(t, int64(1), res.Rows)
	require.Len(t, res.Layer.Fields, 2)
	assert.Equal(t, "dkbh", res.Layer.Fields[0].Keyname)
	assert.Equal(t, "地块编号", res.Layer.Fields[0].DisplayName)
}

func TestVectorLayerServiceReload(t *testing.T) {
	svc := openService(t)
	ctx := context.Background()

	d, err := svc.CreateFromFields(ctx, CreateLayerRequest{
		DisplayName:  "stations",
		GeometryType: vlschema.Point,
		SRID:         4326,
		Fields:       []vectorlayer.FieldDef{{Keyname: "name", Datatype: vlschema.String}},
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "lines.geojson")
	require.NoError(t, os.WriteFile(path, []byte(`{"type": "FeatureCollection", "features": [
		{"type": "Feature", "geometry": {"type": "LineString", "coordinates": [[0, 0], [1, 1]]}, "properties": {"code": 7}},
		{"type": "Feature", "geometry": {"type": "LineString", "coordinates": [[1, 1], [2, 0]]}, "properties": {"code": 8}}
	]}`), 0o644))

	res, err := svc.ReloadFromSource(ctx, d.ID, path, loader.DefaultParams())
	require.NoError(t, err)
	assert.Equal(t, d.ID, res.Layer.ID)
	assert.Equal(t, "stations", res.Layer.DisplayName)
	assert.Equal(t, int64(2), res.Rows)

	got, err := svc.Get(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, vlschema.LineString, got.GeometryType)
	require.Len(t, got.Fields, 1)
	assert.Equal(t, "code", got.Fields[0].Keyname)
}
