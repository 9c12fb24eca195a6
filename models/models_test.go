package models

import (
	"testing"

	"github.com/GrainArc/VectorLayer/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), GormConfig(config.Config{LogLevel: "silent"}))
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	return db
}

func TestLogLevel(t *testing.T) {
	assert.Equal(t, logger.Silent, LogLevel("silent"))
	assert.Equal(t, logger.Info, LogLevel("info"))
	assert.Equal(t, logger.Warn, LogLevel("whatever"))
}

func TestLayerWithFields(t *testing.T) {
	db := openSQLite(t)

	layer := VectorLayer{
		DisplayName:   "roads",
		TblUUID:       "aaaabbbbccccddddeeeeffff00001111",
		GeometryType:  "LINESTRING",
		SRID:          3857,
		FieldSeq:      2,
		SourceOptions: datatypes.JSON(`{"skip_errors":true}`),
		Fields: []VectorLayerField{
			{Idx: 1, Position: 0, FldUUID: "f1", Keyname: "name", DisplayName: "Name", Datatype: "STRING", GridVisibility: true},
			{Idx: 2, Position: 1, FldUUID: "f2", Keyname: "lanes", DisplayName: "Lanes", Datatype: "INTEGER"},
		},
	}
	require.NoError(t, db.Create(&layer).Error)
	require.NotZero(t, layer.ID)

	var loaded VectorLayer
	require.NoError(t, db.Preload("Fields", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("position")
	}).First(&loaded, layer.ID).Error)

	require.Len(t, loaded.Fields, 2)
	assert.Equal(t, "name", loaded.Fields[0].Keyname)
	assert.True(t, loaded.Fields[0].GridVisibility)
	assert.False(t, loaded.Fields[1].GridVisibility)
	assert.JSONEq(t, `{"skip_errors":true}`, string(loaded.SourceOptions))
}

func TestVersionCounter(t *testing.T) {
	db := openSQLite(t)

	require.NoError(t, db.Create(&FVersioning{LayerID: 7, Latest: 0}).Error)
	require.NoError(t, db.Create(&FVersion{LayerID: 7, VersionID: 1}).Error)
	assert.Error(t, db.Create(&FVersion{LayerID: 7, VersionID: 1}).Error, "version ids are unique per layer")
	require.NoError(t, db.Create(&FVersion{LayerID: 8, VersionID: 1}).Error)
}
