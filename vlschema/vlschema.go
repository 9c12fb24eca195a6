// Package vlschema 根据图层标识、字段、几何类型和版本控制开关生成物理表名、列名及SQL语句。
//
// 表名和列名只由 UUID 派生，用户可见的 keyname 和显示名称不会进入任何标识符，
// 所有标识符都经过 pgx.Identifier 转义。
package vlschema

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// DefaultNamespace 图层表所在的数据库 schema
const DefaultNamespace = "vector_layer"

// Field 参与生成语句的字段描述
type Field struct {
	// Key 调用方用来引用字段的键，通常是 keyname
	Key  string
	UUID string
	Type FieldType
	// Idx 字段在版本日志位图中的位置，从 1 开始，0 号位留给几何
	Idx int
}

// Schema 一个图层表结构的只读描述
type Schema struct {
	Namespace  string
	TblUUID    string
	GeomType   GeomType
	SRID       int
	Versioning bool
	Fields     []Field

	byKey map[string]int
}

// New 创建表结构描述，fields 顺序决定列顺序
func New(namespace, tblUUID string, geomType GeomType, srid int, versioning bool, fields []Field) *Schema {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	s := &Schema{
		Namespace:  namespace,
		TblUUID:    tblUUID,
		GeomType:   geomType,
		SRID:       srid,
		Versioning: versioning,
		Fields:     fields,
		byKey:      make(map[string]int, len(fields)),
	}
	for i, f := range fields {
		s.byKey[f.Key] = i
	}
	return s
}

// TableName 当前数据表名
func (s *Schema) TableName() string { return "layer_" + s.TblUUID }

// LogTableName 版本日志表名
func (s *Schema) LogTableName() string { return s.TableName() + "_vl" }

// SequenceName 要素ID序列名
func (s *Schema) SequenceName() string { return s.TableName() + "_fid_seq" }

func (s *Schema) indexName() string { return s.TableName() + "_geom_idx" }

// ColumnName 字段物理列名，只与字段UUID有关
func ColumnName(fldUUID string) string { return "fld_" + fldUUID }

// Field 按键查找字段
func (s *Schema) Field(key string) (Field, bool) {
	i, ok := s.byKey[key]
	if !ok {
		return Field{}, false
	}
	return s.Fields[i], true
}

// QTable 带 schema 的已转义表名
func (s *Schema) QTable() string {
	return pgx.Identifier{s.Namespace, s.TableName()}.Sanitize()
}

// QLogTable 带 schema 的已转义日志表名
func (s *Schema) QLogTable() string {
	return pgx.Identifier{s.Namespace, s.LogTableName()}.Sanitize()
}

func (s *Schema) qSequence() string {
	return pgx.Identifier{s.Namespace, s.SequenceName()}.Sanitize()
}

// QColumn 字段的已转义列名
func (s *Schema) QColumn(key string) (string, bool) {
	f, ok := s.Field(key)
	if !ok {
		return "", false
	}
	return qident(ColumnName(f.UUID)), true
}

func qident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func (s *Schema) geomColumnType(gt GeomType) string {
	return fmt.Sprintf("geometry(%s, %d)", gt, s.SRID)
}

func (s *Schema) fieldColumnDefs(fields []Field) []string {
	defs := make([]string, 0, len(fields))
	for _, f := range fields {
		defs = append(defs, qident(ColumnName(f.UUID))+" "+f.Type.DBType())
	}
	return defs
}

func (s *Schema) fieldsByKeys(keys []string) ([]Field, error) {
	fields := make([]Field, 0, len(keys))
	for _, k := range keys {
		f, ok := s.Field(k)
		if !ok {
			return nil, fmt.Errorf("field %q is not part of the schema", k)
		}
		fields = append(fields, f)
	}
	return fields, nil
}

// SQLCreate 建表语句：序列、当前表、空间索引，启用版本控制时附带日志表
func (s *Schema) SQLCreate() []string {
	cols := []string{
		fmt.Sprintf("fid integer NOT NULL DEFAULT nextval('%s')", s.qSequence()),
	}
	if s.Versioning {
		cols = append(cols, "vid integer", "deleted boolean NOT NULL DEFAULT false")
	}
	cols = append(cols, "geom "+s.geomColumnType(s.GeomType))
	cols = append(cols, s.fieldColumnDefs(s.Fields)...)
	cols = append(cols, "PRIMARY KEY (fid)")

	stmts := []string{
		"CREATE SEQUENCE " + s.qSequence(),
		fmt.Sprintf("CREATE TABLE %s (%s)", s.QTable(), strings.Join(cols, ", ")),
		fmt.Sprintf("ALTER SEQUENCE %s OWNED BY %s.fid", s.qSequence(), s.QTable()),
		fmt.Sprintf("CREATE INDEX %s ON %s USING GIST (geom)", qident(s.indexName()), s.QTable()),
	}
	if s.Versioning {
		stmts = append(stmts, s.sqlCreateLog())
	}
	return stmts
}

func (s *Schema) sqlCreateLog() string {
	cols := []string{
		"fid integer NOT NULL",
		"vid integer NOT NULL",
		"op char(1) NOT NULL",
		"bits varbit NOT NULL",
		"geom " + s.geomColumnType(s.GeomType),
	}
	cols = append(cols, s.fieldColumnDefs(s.Fields)...)
	cols = append(cols, "PRIMARY KEY (fid, vid)")
	return fmt.Sprintf("CREATE TABLE %s (%s)", s.QLogTable(), strings.Join(cols, ", "))
}

// SQLDrop 删除图层的全部物理对象
func (s *Schema) SQLDrop() []string {
	return []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s", s.QLogTable()),
		fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", s.QTable()),
		fmt.Sprintf("DROP SEQUENCE IF EXISTS %s", s.qSequence()),
	}
}

// SQLAddFields 新增字段列，版本控制开启时日志表同步加列
func (s *Schema) SQLAddFields(keys []string) ([]string, error) {
	fields, err := s.fieldsByKeys(keys)
	if err != nil || len(fields) == 0 {
		return nil, err
	}
	var actions []string
	for _, d := range s.fieldColumnDefs(fields) {
		actions = append(actions, "ADD COLUMN "+d)
	}
	stmts := []string{fmt.Sprintf("ALTER TABLE %s %s", s.QTable(), strings.Join(actions, ", "))}
	if s.Versioning {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s %s", s.QLogTable(), strings.Join(actions, ", ")))
	}
	return stmts, nil
}

// SQLDeleteFields 删除字段列
func (s *Schema) SQLDeleteFields(keys []string) ([]string, error) {
	fields, err := s.fieldsByKeys(keys)
	if err != nil || len(fields) == 0 {
		return nil, err
	}
	var actions []string
	for _, f := range fields {
		actions = append(actions, "DROP COLUMN "+qident(ColumnName(f.UUID)))
	}
	stmts := []string{fmt.Sprintf("ALTER TABLE %s %s", s.QTable(), strings.Join(actions, ", "))}
	if s.Versioning {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s %s", s.QLogTable(), strings.Join(actions, ", ")))
	}
	return stmts, nil
}

// SQLConvertGeomColumnType 几何列类型转换，只允许同一基础类型
//
// 多部件转单部件时只接受恰好一个部件的几何，否则由数据库按列类型报错，整个事务回滚。
func (s *Schema) SQLConvertGeomColumnType(to GeomType) ([]string, error) {
	if err := CheckConvertible(s.GeomType, to); err != nil {
		return nil, err
	}
	from := s.GeomType
	expr := "geom"
	if from.IsMulti() && !to.IsMulti() {
		expr = fmt.Sprintf("CASE WHEN ST_NumGeometries(%[1]s) = 1 THEN ST_GeometryN(%[1]s, 1) ELSE %[1]s END", expr)
	}
	if from.HasZ() && !to.HasZ() {
		expr = fmt.Sprintf("ST_Force2D(%s)", expr)
	} else if !from.HasZ() && to.HasZ() {
		expr = fmt.Sprintf("ST_Force3D(%s)", expr)
	}
	if to.IsMulti() && !from.IsMulti() {
		expr = fmt.Sprintf("ST_Multi(%s)", expr)
	}
	return []string{fmt.Sprintf(
		"ALTER TABLE %s ALTER COLUMN geom TYPE %s USING %s",
		s.QTable(), s.geomColumnType(to), expr,
	)}, nil
}

// SQLResetGeomColumnType 直接修改空表的几何列类型和坐标系，不转换已有数据
func (s *Schema) SQLResetGeomColumnType() []string {
	return []string{fmt.Sprintf(
		"ALTER TABLE %s ALTER COLUMN geom TYPE %s",
		s.QTable(), s.geomColumnType(s.GeomType),
	)}
}

// SQLVersioningEnable 开启版本控制：增加版本列和删除标记，创建日志表
func (s *Schema) SQLVersioningEnable() []string {
	return []string{
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN vid integer, ADD COLUMN deleted boolean NOT NULL DEFAULT false", s.QTable()),
		s.sqlCreateLog(),
	}
}

// SQLVersioningDisable 关闭版本控制：清除软删除的行，删除版本列和日志表
func (s *Schema) SQLVersioningDisable() []string {
	return []string{
		fmt.Sprintf("DELETE FROM %s WHERE deleted", s.QTable()),
		fmt.Sprintf("ALTER TABLE %s DROP COLUMN vid, DROP COLUMN deleted", s.QTable()),
		fmt.Sprintf("DROP TABLE IF EXISTS %s", s.QLogTable()),
	}
}
