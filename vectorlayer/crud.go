package vectorlayer

import (
	"github.com/GrainArc/VectorLayer/vlschema"
)

// session 检查权限并在要素操作前自动 Flush
func (l *Layer) session(perm Permission) (*Session, error) {
	s := l.sess
	if s == nil {
		return nil, ErrNoSession
	}
	if !s.store.gate.Allowed(s.ctx, l, perm) {
		return nil, ErrForbidden
	}
	if err := s.Flush(); err != nil {
		return nil, err
	}
	if perm == DataWrite {
		l.wiped = false
	}
	return s, nil
}

// bindFields 检查并转换要素字段值，返回的键按图层字段顺序排列
func (l *Layer) bindFields(fields map[string]interface{}) ([]string, map[string]interface{}, error) {
	for k := range fields {
		if _, ok := l.FieldByKeyname(k); !ok {
			return nil, nil, validationf("unknown field %q", k)
		}
	}
	keys := make([]string, 0, len(fields))
	values := make(map[string]interface{}, len(fields))
	for _, fld := range l.Fields {
		v, ok := fields[fld.Keyname]
		if !ok {
			continue
		}
		cv, err := coerceValue(fld.Datatype, v)
		if err != nil {
			return nil, nil, validationf("field %q: %v", fld.Keyname, err)
		}
		keys = append(keys, fld.Keyname)
		values[fld.Keyname] = cv
	}
	return keys, values, nil
}

func stmtArgs(st vlschema.Stmt, values map[string]interface{}) map[string]interface{} {
	args := make(map[string]interface{}, len(st.Params)+4)
	for k, p := range st.Params {
		args[p] = values[k]
	}
	return args
}

// FeatureCreate 新建要素，返回要素ID；未给出的字段为NULL
func (l *Layer) FeatureCreate(f *Feature) (int64, error) {
	s, err := l.session(DataWrite)
	if err != nil {
		return 0, err
	}
	keys, values, err := l.bindFields(f.Fields)
	if err != nil {
		return 0, err
	}
	geom, err := f.Geom.bind()
	if err != nil {
		return 0, err
	}

	vls := l.Schema()
	st, err := vls.DMLInsert(keys)
	if err != nil {
		return 0, err
	}
	args := stmtArgs(st, values)
	args[vlschema.ParamGeom] = geom
	if vls.Versioning {
		vid, err := s.version(l)
		if err != nil {
			return 0, err
		}
		args[vlschema.ParamVid] = vid
		args[vlschema.ParamBits] = vls.FullBits()
	}

	var fid int64
	if err := s.tx.Raw(st.SQL, args).Scan(&fid).Error; err != nil {
		return 0, wrapDBError(err)
	}
	s.MarkChanged()
	f.ID = fid
	return fid, nil
}

// FeaturePut 更新要素，只修改显式给出的字段和几何；要素不存在时返回 false
func (l *Layer) FeaturePut(f *Feature) (bool, error) {
	s, err := l.session(DataWrite)
	if err != nil {
		return false, err
	}
	keys, values, err := l.bindFields(f.Fields)
	if err != nil {
		return false, err
	}
	withGeom := f.Geom.IsSet()
	geom, err := f.Geom.bind()
	if err != nil {
		return false, err
	}

	vls := l.Schema()
	st, err := vls.DMLUpdate(keys, withGeom)
	if err != nil {
		return false, err
	}
	args := stmtArgs(st, values)
	args[vlschema.ParamFid] = f.ID
	if withGeom {
		args[vlschema.ParamGeom] = geom
	}
	touched := withGeom || len(keys) > 0
	if vls.Versioning && touched {
		vid, err := s.version(l)
		if err != nil {
			return false, err
		}
		args[vlschema.ParamVid] = vid
		args[vlschema.ParamBits] = vls.Bits(withGeom, keys)
	}

	n, err := s.exec(st.SQL, args)
	if err != nil {
		return false, err
	}
	if n > 0 && touched {
		s.MarkChanged()
	}
	return n > 0, nil
}

// FeatureDelete 删除要素，版本控制时只做删除标记
func (l *Layer) FeatureDelete(fid int64) error {
	s, err := l.session(DataWrite)
	if err != nil {
		return err
	}
	vls := l.Schema()
	args := map[string]interface{}{vlschema.ParamFid: fid}
	if vls.Versioning {
		vid, err := s.version(l)
		if err != nil {
			return err
		}
		args[vlschema.ParamVid] = vid
	}
	n, err := s.exec(vls.DMLDelete(true), args)
	if err != nil {
		return err
	}
	if n == 0 {
		return &FeatureNotFoundError{LayerID: l.ID, FID: fid}
	}
	s.MarkChanged()
	return nil
}

// FeatureDeleteAll 删除全部要素，版本控制时每个要素各写一条删除日志
func (l *Layer) FeatureDeleteAll() error {
	s, err := l.session(DataWrite)
	if err != nil {
		return err
	}
	vls := l.Schema()
	args := map[string]interface{}{}
	if vls.Versioning {
		vid, err := s.version(l)
		if err != nil {
			return err
		}
		args[vlschema.ParamVid] = vid
	}
	if _, err := s.exec(vls.DMLDelete(false), args); err != nil {
		return err
	}
	s.MarkChanged()
	return nil
}

// FeatureRestore 恢复已删除的要素，可同时更新字段和几何
func (l *Layer) FeatureRestore(f *Feature) error {
	s, err := l.session(DataWrite)
	if err != nil {
		return err
	}
	vls := l.Schema()
	if !vls.Versioning {
		return &NotImplementedError{Op: "feature restore", Err: ErrFVersioningDisabled}
	}
	keys, values, err := l.bindFields(f.Fields)
	if err != nil {
		return err
	}
	withGeom := f.Geom.IsSet()
	geom, err := f.Geom.bind()
	if err != nil {
		return err
	}

	st, err := vls.DMLRestore(keys, withGeom)
	if err != nil {
		return err
	}
	vid, err := s.version(l)
	if err != nil {
		return err
	}
	args := stmtArgs(st, values)
	args[vlschema.ParamFid] = f.ID
	args[vlschema.ParamVid] = vid
	args[vlschema.ParamBits] = vls.FullBits()
	if withGeom {
		args[vlschema.ParamGeom] = geom
	}

	n, err := s.exec(st.SQL, args)
	if err != nil {
		return err
	}
	if n > 0 {
		s.MarkChanged()
		return nil
	}

	var exists bool
	if err := s.tx.Raw(vls.SQLExists(), map[string]interface{}{vlschema.ParamFid: f.ID}).Scan(&exists).Error; err != nil {
		return wrapDBError(err)
	}
	if !exists {
		return &FeatureNotFoundError{LayerID: l.ID, FID: f.ID}
	}
	return &RestoreNotDeletedError{LayerID: l.ID, FID: f.ID}
}
