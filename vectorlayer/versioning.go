package vectorlayer

import (
	"database/sql"
	"fmt"

	"github.com/GrainArc/VectorLayer/models"
	"github.com/GrainArc/VectorLayer/vlschema"
)

// OpKind 版本日志中的操作类型
type OpKind string

const (
	OpCreate  OpKind = vlschema.OpCreate
	OpUpdate  OpKind = vlschema.OpUpdate
	OpDelete  OpKind = vlschema.OpDelete
	OpRestore OpKind = vlschema.OpRestore
)

// Operation 从版本日志还原的一次要素操作
//
// Create 和 Restore 带有操作后的全部字段，Update 只带有变化的字段和几何，Delete 不带值。
type Operation struct {
	Kind OpKind
	FID  int64
	VID  int
	Geom Geometry
	// Fields 以 keyname 为键，nil 值表示置为NULL
	Fields map[string]interface{}
}

// ChangesRange 读取日志的版本区间 (Initial, Target] 和可选的要素ID范围
type ChangesRange struct {
	Initial int
	Target  int
	FidMin  *int64
	FidMax  *int64
}

func (l *Layer) versioningSession() (*Session, error) {
	s, err := l.session(DataRead)
	if err != nil {
		return nil, err
	}
	if !l.FVersioning {
		return nil, &NotImplementedError{Op: "versioning log", Err: ErrFVersioningDisabled}
	}
	return s, nil
}

// ChangedFids 逐个回调日志中出现过的要素ID
func (l *Layer) ChangedFids(fn func(fid int64) error) error {
	s, err := l.versioningSession()
	if err != nil {
		return err
	}
	rows, err := s.tx.Raw(l.Schema().QueryChangedFids()).Rows()
	if err != nil {
		return wrapDBError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var fid int64
		if err := rows.Scan(&fid); err != nil {
			return wrapDBError(err)
		}
		if err := fn(fid); err != nil {
			return err
		}
	}
	return wrapDBError(rows.Err())
}

// Versions 已分配的版本号，按从小到大排列
func (l *Layer) Versions() ([]models.FVersion, error) {
	s, err := l.versioningSession()
	if err != nil {
		return nil, err
	}
	var versions []models.FVersion
	if err := s.tx.Where("layer_id = ?", l.ID).Order("version_id").Find(&versions).Error; err != nil {
		return nil, wrapDBError(err)
	}
	return versions, nil
}

// CurrentVersion 最近分配的版本号，未分配过时为 0
func (l *Layer) CurrentVersion() (int, error) {
	s, err := l.versioningSession()
	if err != nil {
		return 0, err
	}
	var latest int
	err = s.tx.Raw("SELECT coalesce(max(latest), 0) FROM vector_layer_fversioning WHERE layer_id = ?", l.ID).
		Scan(&latest).Error
	if err != nil {
		return 0, wrapDBError(err)
	}
	return latest, nil
}

// Changes 按要素ID、版本号顺序读取区间内的日志，每个 (fid, vid) 产生一个操作
func (l *Layer) Changes(r ChangesRange) (*ChangeIterator, error) {
	s, err := l.versioningSession()
	if err != nil {
		return nil, err
	}
	if r.Target < r.Initial {
		return nil, validationf("target version %d is lower than initial %d", r.Target, r.Initial)
	}
	vls := l.Schema()
	args := map[string]interface{}{
		vlschema.ParamInitial: r.Initial,
		vlschema.ParamTarget:  r.Target,
	}
	if r.FidMin != nil {
		args[vlschema.ParamFidMin] = *r.FidMin
	}
	if r.FidMax != nil {
		args[vlschema.ParamFidMax] = *r.FidMax
	}
	rows, err := s.tx.Raw(vls.QueryChanges(r.FidMin != nil, r.FidMax != nil), args).Rows()
	if err != nil {
		return nil, wrapDBError(err)
	}
	return &ChangeIterator{rows: rows, layer: l, fields: vls.Fields}, nil
}

// ChangeIterator 日志操作迭代器，用完必须 Close
type ChangeIterator struct {
	rows   *sql.Rows
	layer  *Layer
	fields []vlschema.Field
	cur    Operation
	err    error
}

func (it *ChangeIterator) Next() bool {
	if it.rows == nil {
		return false
	}
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			it.err = wrapDBError(err)
		}
		it.Close()
		return false
	}
	var (
		fid  int64
		vid  int
		op   string
		bits string
		geom []byte
	)
	vals := make([]interface{}, len(it.fields))
	dest := []interface{}{&fid, &vid, &op, &bits, &geom}
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	if err := it.rows.Scan(dest...); err != nil {
		it.err = wrapDBError(err)
		it.Close()
		return false
	}
	cur, err := decodeChange(it.layer, it.fields, fid, vid, op, bits, geom, vals)
	if err != nil {
		it.err = err
		it.Close()
		return false
	}
	it.cur = cur
	return true
}

func (it *ChangeIterator) Operation() Operation { return it.cur }

func (it *ChangeIterator) Err() error { return it.err }

func (it *ChangeIterator) Close() error {
	if it.rows == nil {
		return nil
	}
	err := it.rows.Close()
	it.rows = nil
	return err
}

// decodeChange 把一行日志转换为操作，bits 为位图的文本形式，0号位是几何
func decodeChange(l *Layer, fields []vlschema.Field, fid int64, vid int, op, bits string, geom []byte, vals []interface{}) (Operation, error) {
	o := Operation{Kind: OpKind(op), FID: fid, VID: vid}
	changed := func(idx int) bool { return idx < len(bits) && bits[idx] == '1' }

	switch o.Kind {
	case OpDelete:
		return o, nil
	case OpCreate:
		if geom != nil {
			o.Geom = GeomFromWKB(geom)
		}
		o.Fields = make(map[string]interface{}, len(fields))
		for i, f := range fields {
			if vals[i] != nil {
				o.Fields[f.Key] = normalizeValue(f.Type, vals[i])
			}
		}
	case OpUpdate, OpRestore:
		if changed(0) {
			o.Geom = GeomFromWKB(geom)
		}
		o.Fields = make(map[string]interface{}, len(fields))
		for i, f := range fields {
			if changed(f.Idx) {
				o.Fields[f.Key] = normalizeValue(f.Type, vals[i])
			}
		}
	default:
		return o, fmt.Errorf("layer #%d: unknown log operation %q for feature #%d", l.ID, op, fid)
	}
	return o, nil
}

// Replay 把操作应用到以要素ID为键的状态上，依次应用 (0, V] 的全部操作即得到版本 V 的数据
func Replay(state map[int64]*Feature, op Operation) {
	switch op.Kind {
	case OpDelete:
		delete(state, op.FID)
	case OpCreate, OpRestore:
		f := &Feature{ID: op.FID, Geom: op.Geom, Fields: make(map[string]interface{}, len(op.Fields))}
		if !f.Geom.IsSet() {
			f.Geom = NullGeom()
		}
		for k, v := range op.Fields {
			f.Fields[k] = v
		}
		state[op.FID] = f
	case OpUpdate:
		f, ok := state[op.FID]
		if !ok {
			return
		}
		if op.Geom.IsSet() {
			f.Geom = op.Geom
		}
		for k, v := range op.Fields {
			f.Fields[k] = v
		}
	}
}
