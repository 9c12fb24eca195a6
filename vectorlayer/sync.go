package vectorlayer

import (
	"fmt"
	"sort"

	"github.com/GrainArc/VectorLayer/vlschema"
)

// ddlPlan 一次同步需要执行的DDL
type ddlPlan struct {
	stmts []string
	// initFill 开启版本控制后需要给已有数据打版本并写入创建日志
	initFill bool
	// rebuilt 旧表被删除，按当前状态建了新表
	rebuilt bool
}

// planDDL 比较图层当前状态与上次同步的状态，生成需要执行的DDL
//
// 换表、版本控制开关、几何类型转换三种结构性变更每次同步最多一种，之后先删字段再加字段。
// 换表后新表按当前状态创建。
func planDDL(l *Layer) (ddlPlan, error) {
	ns := l.namespace()
	if l.known == nil {
		return ddlPlan{stmts: l.Schema().SQLCreate()}, nil
	}
	k := l.known

	var base, added []*Field
	current := make(map[string]bool, len(l.Fields))
	for _, f := range l.Fields {
		current[f.FldUUID] = true
		ks, ok := k.fields[f.FldUUID]
		if !ok {
			added = append(added, f)
			continue
		}
		if ks.datatype != f.Datatype {
			return ddlPlan{}, validationf("can't change datatype of field %q from %s to %s", f.Keyname, ks.datatype, f.Datatype)
		}
		base = append(base, f)
	}
	var removed []vlschema.Field
	for fldUUID, ks := range k.fields {
		if !current[fldUUID] {
			removed = append(removed, vlschema.Field{Key: ks.keyname, UUID: fldUUID, Type: ks.datatype, Idx: ks.idx})
		}
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].Idx < removed[j].Idx })

	tblChanged := k.tblUUID != l.TblUUID
	verChanged := k.versioning != l.FVersioning
	geomChanged := k.geomType != l.GeometryType || k.srid != l.SRID
	structural := 0
	for _, c := range []bool{tblChanged, verChanged, geomChanged} {
		if c {
			structural++
		}
	}
	if structural > 1 {
		return ddlPlan{}, fmt.Errorf("layer %s: %w", l.TblUUID, ErrTooManyOperations)
	}

	var plan ddlPlan
	switch {
	case tblChanged:
		if k.versioning || l.FVersioning {
			return ddlPlan{}, fversioningNotImplemented("table rebuild")
		}
		old := vlschema.New(ns, k.tblUUID, k.geomType, k.srid, k.versioning, nil)
		plan.stmts = append(old.SQLDrop(), l.Schema().SQLCreate()...)
		plan.rebuilt = true
		return plan, nil

	case verChanged:
		vs := vlschema.New(ns, l.TblUUID, l.GeometryType, l.SRID, l.FVersioning, schemaFields(base))
		if l.FVersioning {
			plan.stmts = vs.SQLVersioningEnable()
			plan.initFill = true
		} else {
			plan.stmts = vs.SQLVersioningDisable()
		}

	case geomChanged:
		if l.FVersioning {
			return ddlPlan{}, fversioningNotImplemented("geometry type change")
		}
		if l.wiped {
			// 新表为空，直接换列类型
			plan.stmts = vlschema.New(ns, l.TblUUID, l.GeometryType, l.SRID, false, nil).SQLResetGeomColumnType()
			break
		}
		if k.srid != l.SRID {
			return ddlPlan{}, validationf("can't change SRID of layer from %d to %d", k.srid, l.SRID)
		}
		gs := vlschema.New(ns, l.TblUUID, k.geomType, l.SRID, false, nil)
		stmts, err := gs.SQLConvertGeomColumnType(l.GeometryType)
		if err != nil {
			return ddlPlan{}, &ValidationError{Message: err.Error()}
		}
		plan.stmts = stmts
	}

	if len(removed) > 0 {
		// 日志表在同步前后都存在时才需要删列
		ds := vlschema.New(ns, l.TblUUID, l.GeometryType, l.SRID, k.versioning && l.FVersioning, removed)
		keys := make([]string, 0, len(removed))
		for _, f := range removed {
			keys = append(keys, f.Key)
		}
		stmts, err := ds.SQLDeleteFields(keys)
		if err != nil {
			return ddlPlan{}, err
		}
		plan.stmts = append(plan.stmts, stmts...)
	}

	if len(added) > 0 {
		as := vlschema.New(ns, l.TblUUID, l.GeometryType, l.SRID, l.FVersioning, schemaFields(added))
		keys := make([]string, 0, len(added))
		for _, f := range added {
			keys = append(keys, f.Keyname)
		}
		stmts, err := as.SQLAddFields(keys)
		if err != nil {
			return ddlPlan{}, err
		}
		plan.stmts = append(plan.stmts, stmts...)
	}

	return plan, nil
}

// planDrop 删除图层时的DDL，新图层没有物理表
func planDrop(l *Layer) []string {
	if l.known == nil {
		return nil
	}
	k := l.known
	return vlschema.New(l.namespace(), k.tblUUID, k.geomType, k.srid, k.versioning, nil).SQLDrop()
}
