package models

import (
	"time"

	"gorm.io/datatypes"
)

// VectorLayer 矢量图层资源，物理数据表由 TblUUID 决定
type VectorLayer struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	DisplayName  string `gorm:"type:varchar(255)"`
	TblUUID      string `gorm:"type:varchar(32);not null"`
	GeometryType string `gorm:"type:varchar(32);not null"`
	SRID         int    `gorm:"not null"`
	FVersioning  bool   `gorm:"not null"`
	// FieldSeq 已分配过的最大字段位图序号，字段删除后序号不复用
	FieldSeq            int
	FeatureLabelFieldID *uint
	// SourceOptions 最近一次从数据源导入时使用的参数
	SourceOptions datatypes.JSON     `gorm:"type:jsonb"`
	Fields        []VectorLayerField `gorm:"foreignKey:LayerID;constraint:OnDelete:CASCADE"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (VectorLayer) TableName() string { return "vector_layer" }

// VectorLayerField 图层字段，列名由 FldUUID 生成
type VectorLayerField struct {
	ID       uint `gorm:"primaryKey;autoIncrement"`
	LayerID  uint `gorm:"index;not null"`
	Position int
	// Idx 字段在版本日志位图中的位置
	Idx            int
	FldUUID        string `gorm:"type:varchar(32);not null"`
	Keyname        string `gorm:"type:varchar(255);not null"`
	DisplayName    string `gorm:"type:varchar(255);not null"`
	Datatype       string `gorm:"type:varchar(16);not null"`
	GridVisibility bool
}

func (VectorLayerField) TableName() string { return "vector_layer_field" }

// FVersioning 图层版本计数器
type FVersioning struct {
	LayerID uint `gorm:"primaryKey;autoIncrement:false"`
	Latest  int  `gorm:"not null"`
}

func (FVersioning) TableName() string { return "vector_layer_fversioning" }

// FVersion 已分配的版本，每个写事务一条
type FVersion struct {
	ID        uint `gorm:"primaryKey;autoIncrement"`
	LayerID   uint `gorm:"uniqueIndex:idx_fversion_layer_vid;not null"`
	VersionID int  `gorm:"uniqueIndex:idx_fversion_layer_vid;not null"`
	CreatedAt time.Time
}

func (FVersion) TableName() string { return "vector_layer_fversion" }

// MetadataModels 需要迁移的元数据表
func MetadataModels() []interface{} {
	return []interface{}{
		&VectorLayer{},
		&VectorLayerField{},
		&FVersioning{},
		&FVersion{},
	}
}
