package vectorlayer

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/GrainArc/VectorLayer/models"
	"github.com/GrainArc/VectorLayer/vlschema"
)

// 保留的字段键，查询中用于要素ID和几何
var reservedKeynames = map[string]bool{"id": true, "geom": true, "fid": true}

// Field 图层字段
type Field struct {
	ID             uint
	Keyname        string
	DisplayName    string
	Datatype       vlschema.FieldType
	GridVisibility bool
	// FldUUID 决定物理列名，创建后不变
	FldUUID string
	// Idx 版本日志位图中的位置，图层内不重复使用
	Idx int
}

// FieldDef 新建字段的描述
type FieldDef struct {
	Keyname     string
	DisplayName string
	Datatype    vlschema.FieldType
}

// Layer 矢量图层
//
// 对图层结构的修改只改变内存状态，在会话 Flush 时与上次同步的状态比较后生成DDL。
type Layer struct {
	ID            uint
	DisplayName   string
	TblUUID       string
	GeometryType  vlschema.GeomType
	SRID          int
	FVersioning   bool
	Fields        []*Field
	LabelField    *Field
	SourceOptions datatypes.JSON

	fieldSeq int
	// known 上次同步到数据库的状态，新图层为 nil
	known *layerState
	// wiped 换表后新表还没有写入数据，可以重新设置几何类型和坐标系
	wiped bool
	sess  *Session
}

type fieldState struct {
	id       uint
	keyname  string
	datatype vlschema.FieldType
	idx      int
}

type layerState struct {
	tblUUID    string
	geomType   vlschema.GeomType
	srid       int
	versioning bool
	fields     map[string]fieldState
	meta       string
}

func newUUID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewLayer 创建尚未保存的图层，需要加入会话后 Flush 才会建表
func NewLayer(displayName string, geomType vlschema.GeomType, srid int) *Layer {
	return &Layer{
		DisplayName:  displayName,
		TblUUID:      newUUID(),
		GeometryType: geomType,
		SRID:         srid,
	}
}

func layerFromModel(m *models.VectorLayer) *Layer {
	l := &Layer{
		ID:            m.ID,
		DisplayName:   m.DisplayName,
		TblUUID:       m.TblUUID,
		GeometryType:  vlschema.GeomType(m.GeometryType),
		SRID:          m.SRID,
		FVersioning:   m.FVersioning,
		SourceOptions: m.SourceOptions,
		fieldSeq:      m.FieldSeq,
	}
	for _, mf := range m.Fields {
		f := &Field{
			ID:             mf.ID,
			Keyname:        mf.Keyname,
			DisplayName:    mf.DisplayName,
			Datatype:       vlschema.FieldType(mf.Datatype),
			GridVisibility: mf.GridVisibility,
			FldUUID:        mf.FldUUID,
			Idx:            mf.Idx,
		}
		l.Fields = append(l.Fields, f)
		if m.FeatureLabelFieldID != nil && *m.FeatureLabelFieldID == mf.ID {
			l.LabelField = f
		}
	}
	l.known = l.snapshot()
	return l
}

func (l *Layer) toModel() models.VectorLayer {
	m := models.VectorLayer{
		ID:            l.ID,
		DisplayName:   l.DisplayName,
		TblUUID:       l.TblUUID,
		GeometryType:  string(l.GeometryType),
		SRID:          l.SRID,
		FVersioning:   l.FVersioning,
		FieldSeq:      l.fieldSeq,
		SourceOptions: l.SourceOptions,
	}
	if l.LabelField != nil && l.LabelField.ID != 0 {
		id := l.LabelField.ID
		m.FeatureLabelFieldID = &id
	}
	return m
}

// IsNew 图层还没有物理表
func (l *Layer) IsNew() bool { return l.known == nil }

func (l *Layer) snapshot() *layerState {
	st := &layerState{
		tblUUID:    l.TblUUID,
		geomType:   l.GeometryType,
		srid:       l.SRID,
		versioning: l.FVersioning,
		fields:     make(map[string]fieldState, len(l.Fields)),
		meta:       l.metaDigest(),
	}
	for _, f := range l.Fields {
		st.fields[f.FldUUID] = fieldState{id: f.ID, keyname: f.Keyname, datatype: f.Datatype, idx: f.Idx}
	}
	return st
}

// metaDigest 元数据摘要，用于判断是否需要写回元数据表
func (l *Layer) metaDigest() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s|%s|%d|%t|%d|%s", l.DisplayName, l.TblUUID, l.GeometryType, l.SRID, l.FVersioning, l.fieldSeq, l.SourceOptions)
	if l.LabelField != nil {
		fmt.Fprintf(&b, "|label=%s", l.LabelField.FldUUID)
	}
	for _, f := range l.Fields {
		fmt.Fprintf(&b, "|%s:%s:%s:%s:%t:%d", f.FldUUID, f.Keyname, f.DisplayName, f.Datatype, f.GridVisibility, f.Idx)
	}
	return b.String()
}

func (l *Layer) namespace() string {
	if l.sess != nil {
		return l.sess.store.namespace
	}
	return vlschema.DefaultNamespace
}

func schemaFields(fields []*Field) []vlschema.Field {
	out := make([]vlschema.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, vlschema.Field{Key: f.Keyname, UUID: f.FldUUID, Type: f.Datatype, Idx: f.Idx})
	}
	return out
}

// Schema 当前状态对应的表结构描述，字段以 keyname 为键
func (l *Layer) Schema() *vlschema.Schema {
	return vlschema.New(l.namespace(), l.TblUUID, l.GeometryType, l.SRID, l.FVersioning, schemaFields(l.Fields))
}

// FieldByKeyname 按 keyname 查找字段
func (l *Layer) FieldByKeyname(keyname string) (*Field, bool) {
	for _, f := range l.Fields {
		if f.Keyname == keyname {
			return f, true
		}
	}
	return nil, false
}

// FieldByID 按字段ID查找
func (l *Layer) FieldByID(id uint) (*Field, bool) {
	for _, f := range l.Fields {
		if f.ID == id {
			return f, true
		}
	}
	return nil, false
}

func checkKeyname(keyname string) error {
	if strings.TrimSpace(keyname) == "" {
		return validationf("field keyname is empty")
	}
	if reservedKeynames[strings.ToLower(keyname)] {
		return validationf("field keyname %q is reserved", keyname)
	}
	return nil
}

// FieldCreate 新增字段，物理列在 Flush 时创建
func (l *Layer) FieldCreate(keyname, displayName string, datatype vlschema.FieldType) (*Field, error) {
	if err := checkKeyname(keyname); err != nil {
		return nil, err
	}
	if !datatype.Valid() {
		return nil, validationf("unsupported field datatype %q", datatype)
	}
	if displayName == "" {
		displayName = keyname
	}
	for _, f := range l.Fields {
		if f.Keyname == keyname {
			return nil, validationf("field keyname %q is not unique", keyname)
		}
		if f.DisplayName == displayName {
			return nil, validationf("field display name %q is not unique", displayName)
		}
	}
	l.fieldSeq++
	f := &Field{
		Keyname:        keyname,
		DisplayName:    displayName,
		Datatype:       datatype,
		GridVisibility: true,
		FldUUID:        newUUID(),
		Idx:            l.fieldSeq,
	}
	l.Fields = append(l.Fields, f)
	return f, nil
}

// FieldDelete 删除字段，物理列在 Flush 时删除
func (l *Layer) FieldDelete(keyname string) error {
	for i, f := range l.Fields {
		if f.Keyname == keyname {
			l.Fields = append(l.Fields[:i:i], l.Fields[i+1:]...)
			if l.LabelField == f {
				l.LabelField = nil
			}
			return nil
		}
	}
	return validationf("field %q not found", keyname)
}

// FieldRename 修改字段 keyname 和显示名称，不产生DDL；空字符串表示不修改
func (l *Layer) FieldRename(keyname, newKeyname, newDisplayName string) error {
	f, ok := l.FieldByKeyname(keyname)
	if !ok {
		return validationf("field %q not found", keyname)
	}
	if newKeyname != "" && newKeyname != f.Keyname {
		if err := checkKeyname(newKeyname); err != nil {
			return err
		}
		if _, dup := l.FieldByKeyname(newKeyname); dup {
			return validationf("field keyname %q is not unique", newKeyname)
		}
		f.Keyname = newKeyname
	}
	if newDisplayName != "" && newDisplayName != f.DisplayName {
		for _, o := range l.Fields {
			if o != f && o.DisplayName == newDisplayName {
				return validationf("field display name %q is not unique", newDisplayName)
			}
		}
		f.DisplayName = newDisplayName
	}
	return nil
}

// SetupFromFields 新图层按字段列表初始化
func (l *Layer) SetupFromFields(defs []FieldDef) error {
	if !l.GeometryType.Valid() {
		return validationf("unsupported geometry type %q", l.GeometryType)
	}
	for _, d := range defs {
		if _, err := l.FieldCreate(d.Keyname, d.DisplayName, d.Datatype); err != nil {
			return err
		}
	}
	return nil
}

// GeometryTypeChange 修改几何类型，只允许同一基础类型之间转换，开启版本控制时不支持
func (l *Layer) GeometryTypeChange(to vlschema.GeomType) error {
	if l.FVersioning {
		return fversioningNotImplemented("geometry type change")
	}
	if err := vlschema.CheckConvertible(l.GeometryType, to); err != nil {
		return &ValidationError{Message: err.Error()}
	}
	l.GeometryType = to
	return nil
}

// SetVersioning 开启或关闭版本控制，Flush 时生效
func (l *Layer) SetVersioning(enabled bool) {
	l.FVersioning = enabled
}

// Wipe 换用新的表UUID并清空字段，Flush 时旧表被删除、新表被创建。
// 重新导入数据时先 Wipe 再 Flush，然后调用 FromSource
func (l *Layer) Wipe() {
	l.TblUUID = newUUID()
	l.Fields = nil
	l.LabelField = nil
}

// validate Flush 前检查字段唯一性等约束
func (l *Layer) validate() error {
	if !l.GeometryType.Valid() {
		return validationf("unsupported geometry type %q", l.GeometryType)
	}
	if l.SRID <= 0 {
		return validationf("invalid SRID %d", l.SRID)
	}
	keys := make(map[string]bool, len(l.Fields))
	names := make(map[string]bool, len(l.Fields))
	idxs := make(map[int]bool, len(l.Fields))
	for _, f := range l.Fields {
		if err := checkKeyname(f.Keyname); err != nil {
			return err
		}
		if !f.Datatype.Valid() {
			return validationf("unsupported field datatype %q", f.Datatype)
		}
		if keys[f.Keyname] {
			return validationf("field keyname %q is not unique", f.Keyname)
		}
		if names[f.DisplayName] {
			return validationf("field display name %q is not unique", f.DisplayName)
		}
		if f.Idx <= 0 || idxs[f.Idx] {
			return fmt.Errorf("field %q has invalid change index %d", f.Keyname, f.Idx)
		}
		keys[f.Keyname], names[f.DisplayName], idxs[f.Idx] = true, true, true
	}
	if l.LabelField != nil {
		if _, ok := l.FieldByKeyname(l.LabelField.Keyname); !ok {
			return validationf("label field %q is not part of the layer", l.LabelField.Keyname)
		}
	}
	return nil
}
