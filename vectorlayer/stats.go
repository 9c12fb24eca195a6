package vectorlayer

import (
	"database/sql"

	"github.com/paulmach/orb"
)

// Extent 图层范围（EPSG:4326），空图层返回 nil
func (l *Layer) Extent() (*orb.Bound, error) {
	s, err := l.session(DataRead)
	if err != nil {
		return nil, err
	}
	var ext struct {
		MinLon sql.NullFloat64
		MinLat sql.NullFloat64
		MaxLon sql.NullFloat64
		MaxLat sql.NullFloat64
	}
	if err := s.tx.Raw(l.Schema().SQLExtent()).Scan(&ext).Error; err != nil {
		return nil, wrapDBError(err)
	}
	if !ext.MinLon.Valid || !ext.MinLat.Valid || !ext.MaxLon.Valid || !ext.MaxLat.Valid {
		return nil, nil
	}
	return &orb.Bound{
		Min: orb.Point{ext.MinLon.Float64, ext.MinLat.Float64},
		Max: orb.Point{ext.MaxLon.Float64, ext.MaxLat.Float64},
	}, nil
}

// EstimateDataSize 估算数据占用的字节数：每行定长字段 + 几何WKB长度 + 变长字段长度
func (l *Layer) EstimateDataSize() (int64, error) {
	s, err := l.session(DataRead)
	if err != nil {
		return 0, err
	}
	var size int64
	if err := s.tx.Raw(l.Schema().SQLEstimateSize()).Scan(&size).Error; err != nil {
		return 0, wrapDBError(err)
	}
	return size, nil
}

// ReserveStorage 把估算的数据大小上报给存储配额服务
func (l *Layer) ReserveStorage() (int64, error) {
	size, err := l.EstimateDataSize()
	if err != nil {
		return 0, err
	}
	s := l.sess
	if err := s.store.storage.Reserve(s.ctx, l.ID, size); err != nil {
		return 0, err
	}
	s.tx.Logger.Info(s.ctx, "layer #%d: reserved %d bytes", l.ID, size)
	return size, nil
}
