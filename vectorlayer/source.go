package vectorlayer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/paulmach/orb/encoding/wkb"
	"gorm.io/gorm/clause"

	"github.com/GrainArc/VectorLayer/loader"
	"github.com/GrainArc/VectorLayer/vlschema"
)

// LoadStats 批量导入结果
type LoadStats struct {
	Rows    int64
	Skipped int64
	// Size 导入后估算的数据字节数
	Size int64
}

// FromSource 用外部数据源初始化图层：按数据源设置几何类型、坐标系和字段，建表后批量写入全部行。
// 图层必须没有字段，并且是尚未建表的新图层或者刚 Wipe 并 Flush 过的图层。
func (l *Layer) FromSource(ds loader.Dataset, p loader.Params) (LoadStats, error) {
	var stats LoadStats
	if l.sess == nil {
		return stats, ErrNoSession
	}
	if (!l.IsNew() && !l.wiped) || len(l.Fields) > 0 {
		return stats, validationf("layer must be new or wiped and have no fields before loading from a dataset")
	}
	if err := p.Validate(); err != nil {
		return stats, &ValidationError{Message: err.Error()}
	}
	gt, err := loader.TargetGeomType(ds.GeometryType(), p)
	if err != nil {
		return stats, &ValidationError{Message: err.Error()}
	}
	fidIdx, err := loader.FidIndex(ds.Fields(), p)
	if err != nil {
		return stats, &ValidationError{Message: err.Error()}
	}
	l.GeometryType = gt
	if srid := ds.SRID(); srid > 0 {
		l.SRID = srid
	}

	src := ds.Fields()
	fields := make([]*Field, len(src))
	for i, fi := range src {
		f, err := l.FieldCreate(fi.Keyname, fi.Name, fi.Type)
		if err != nil {
			return stats, err
		}
		fields[i] = f
	}
	opts, err := json.Marshal(p)
	if err != nil {
		return stats, err
	}
	l.SourceOptions = opts

	s, err := l.session(DataWrite)
	if err != nil {
		return stats, err
	}

	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = loader.DefaultParams().BatchSize
	}
	vls := l.Schema()
	table := l.namespace() + "." + vls.TableName()
	batch := make([]map[string]interface{}, 0, batchSize)
	flushBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.tx.Table(table).CreateInBatches(batch, batchSize).Error; err != nil {
			return wrapDBError(err)
		}
		stats.Rows += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	for n := 0; ; n++ {
		row, err := ds.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err == nil {
			var rec map[string]interface{}
			rec, err = l.sourceRecord(vls, fields, fidIdx, row, p)
			if errors.Is(err, errSkipRow) {
				stats.Skipped++
				continue
			}
			if err == nil {
				batch = append(batch, rec)
			}
		}
		if err != nil {
			if p.SkipErrors {
				s.tx.Logger.Warn(s.ctx, "layer %s: skipping row %d: %v", l.TblUUID, n, err)
				stats.Skipped++
				continue
			}
			return stats, fmt.Errorf("row %d: %w", n, err)
		}
		if len(batch) >= batchSize {
			if err := flushBatch(); err != nil {
				return stats, err
			}
		}
	}
	if err := flushBatch(); err != nil {
		return stats, err
	}
	if stats.Rows > 0 {
		s.MarkChanged()
		if fidIdx >= 0 {
			if _, err := s.exec(vls.SQLSyncSequence()); err != nil {
				return stats, err
			}
		}
	}
	s.tx.Logger.Info(s.ctx, "layer %s: loaded %d rows, skipped %d", l.TblUUID, stats.Rows, stats.Skipped)

	if l.FVersioning && stats.Rows > 0 {
		if err := s.initFill(l); err != nil {
			return stats, err
		}
	}
	if stats.Size, err = l.ReserveStorage(); err != nil {
		return stats, err
	}
	return stats, nil
}

var errSkipRow = errors.New("skip row")

// sourceRecord 把数据源的一行转换为写入数据表的列值，fidIdx 不小于 0 时该字段的值作为要素ID
func (l *Layer) sourceRecord(vls *vlschema.Schema, fields []*Field, fidIdx int, row loader.Row, p loader.Params) (map[string]interface{}, error) {
	rec := make(map[string]interface{}, len(fields)+2)
	if row.Geom == nil {
		rec["geom"] = nil
	} else {
		g, ok := loader.CastGeometry(row.Geom, l.GeometryType)
		if !ok {
			if p.SkipOtherGeometryTypes {
				return nil, errSkipRow
			}
			return nil, validationf("geometry %s doesn't match layer geometry type %s", row.Geom.GeoJSONType(), l.GeometryType)
		}
		var data []byte
		var err error
		if l.GeometryType.HasZ() && row.Z != nil {
			data, err = loader.MarshalZ(g, row.Z)
		} else {
			data, err = wkb.Marshal(g)
		}
		if err != nil {
			return nil, validationf("encode geometry: %v", err)
		}
		expr := vls.GeomExpr("?")
		switch p.FixErrors {
		case loader.FixSafe:
			expr = vls.GeomExprMakeValid("?", false)
		case loader.FixLossy:
			expr = vls.GeomExprMakeValid("?", true)
		}
		rec["geom"] = clause.Expr{SQL: expr, Vars: []interface{}{data}}
	}
	for i, f := range fields {
		var v interface{}
		if i < len(row.Values) {
			v = row.Values[i]
		}
		cv, err := coerceValue(f.Datatype, v)
		if err != nil {
			return nil, validationf("field %q: %v", f.Keyname, err)
		}
		rec[vlschema.ColumnName(f.FldUUID)] = cv
		if i == fidIdx {
			fid, err := coerceValue(vlschema.Bigint, v)
			if err != nil || fid == nil {
				return nil, validationf("invalid feature id %v in field %q", v, f.Keyname)
			}
			rec["fid"] = fid
		}
	}
	return rec, nil
}
