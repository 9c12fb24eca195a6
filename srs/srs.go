// Package srs 按 SRID 查询 PostGIS spatial_ref_sys 中的坐标系定义，判断是否为地理坐标系。
package srs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"github.com/GrainArc/VectorLayer/models"
)

// ErrUnknownSRS spatial_ref_sys 中没有该 SRID
var ErrUnknownSRS = errors.New("unknown spatial reference system")

// Service 坐标系查询服务，查询结果在进程内缓存
type Service struct {
	db    *gorm.DB
	mu    sync.RWMutex
	cache map[int]models.SpatialRefSys
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db, cache: make(map[int]models.SpatialRefSys)}
}

// Get 按 SRID 查询坐标系定义
func (s *Service) Get(ctx context.Context, srid int) (models.SpatialRefSys, error) {
	s.mu.RLock()
	ref, ok := s.cache[srid]
	s.mu.RUnlock()
	if ok {
		return ref, nil
	}

	err := s.db.WithContext(ctx).Where("srid = ?", srid).First(&ref).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ref, fmt.Errorf("SRID %d: %w", srid, ErrUnknownSRS)
	}
	if err != nil {
		return ref, err
	}

	s.mu.Lock()
	s.cache[srid] = ref
	s.mu.Unlock()
	return ref, nil
}

// IsGeographic 坐标系是否为经纬度坐标系
func (s *Service) IsGeographic(ctx context.Context, srid int) (bool, error) {
	ref, err := s.Get(ctx, srid)
	if err != nil {
		return false, err
	}
	return ref.IsGeographic(), nil
}
