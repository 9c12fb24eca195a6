package models

import (
	"fmt"
	"log"

	"github.com/GrainArc/VectorLayer/config"
	"github.com/jackc/pgx/v5"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// LogLevel 配置中的日志级别转换为 gorm 日志级别
func LogLevel(level string) logger.LogLevel {
	switch level {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}

// GormConfig 统一的 gorm 配置
func GormConfig(cfg config.Config) *gorm.Config {
	return &gorm.Config{
		Logger: logger.Default.LogMode(LogLevel(cfg.LogLevel)),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	}
}

// InitDB 连接 PostGIS，迁移元数据表并准备图层数据所在的 schema
func InitDB(cfg config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), GormConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := EnsurePostGIS(db); err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}
	if err := EnsureNamespace(db, cfg.Schema); err != nil {
		return nil, err
	}

	log.Printf("vector layer storage ready, schema %s", cfg.Schema)
	return db, nil
}

// Migrate 批量迁移元数据表
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(MetadataModels()...); err != nil {
		return fmt.Errorf("failed to migrate tables: %w", err)
	}
	return nil
}

// EnsurePostGIS 检查并启用 PostGIS 扩展
func EnsurePostGIS(db *gorm.DB) error {
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS postgis").Error; err != nil {
		return fmt.Errorf("failed to enable postgis: %w", err)
	}
	return nil
}

// EnsureNamespace 创建图层数据表所在的 schema
func EnsureNamespace(db *gorm.DB, namespace string) error {
	sql := "CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{namespace}.Sanitize()
	if err := db.Exec(sql).Error; err != nil {
		return fmt.Errorf("failed to create schema %s: %w", namespace, err)
	}
	return nil
}

// DropNamespace 删除 schema 及其中全部图层表
func DropNamespace(db *gorm.DB, namespace string) error {
	sql := "DROP SCHEMA IF EXISTS " + pgx.Identifier{namespace}.Sanitize() + " CASCADE"
	if err := db.Exec(sql).Error; err != nil {
		return fmt.Errorf("failed to drop schema %s: %w", namespace, err)
	}
	return nil
}
