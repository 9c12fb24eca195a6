package vlschema

import (
	"fmt"
	"strconv"
	"strings"
)

// 命名参数，配合 gorm 的 @name 占位符使用
const (
	ParamFid     = "p_fid"
	ParamVid     = "p_vid"
	ParamGeom    = "p_geom"
	ParamBits    = "p_bits"
	ParamInitial = "p_initial"
	ParamTarget  = "p_target"
	ParamFidMin  = "p_fid_min"
	ParamFidMax  = "p_fid_max"
)

// 版本日志操作类型
const (
	OpCreate  = "C"
	OpUpdate  = "U"
	OpDelete  = "D"
	OpRestore = "R"
)

// Stmt 带命名参数的DML语句
type Stmt struct {
	SQL string
	// Params 字段键到参数名的映射
	Params map[string]string
}

func param(name string) string { return "@" + name }

func (s *Schema) geomFromParam() string { return s.GeomExpr(param(ParamGeom)) }

// GeomExpr 把占位符中的WKB转换为图层几何：单部件几何写入多部件图层时自动转为多部件，
// 二维几何写入Z图层时补Z
func (s *Schema) GeomExpr(placeholder string) string {
	return s.castGeom(fmt.Sprintf("ST_GeomFromWKB(%s, %d)", placeholder, s.SRID))
}

// GeomExprMakeValid 同 GeomExpr，写入前用 ST_MakeValid 修复无效几何。
// lossy 时只保留与图层基础类型同维度的部件
func (s *Schema) GeomExprMakeValid(placeholder string, lossy bool) string {
	expr := fmt.Sprintf("ST_MakeValid(ST_GeomFromWKB(%s, %d))", placeholder, s.SRID)
	if lossy {
		expr = fmt.Sprintf("ST_CollectionExtract(%s, %d)", expr, collectionType(s.GeomType))
	}
	return s.castGeom(expr)
}

// collectionType ST_CollectionExtract 的类型参数：1 点、2 线、3 面
func collectionType(g GeomType) int {
	switch g.Base() {
	case Point:
		return 1
	case LineString:
		return 2
	}
	return 3
}

func (s *Schema) castGeom(expr string) string {
	if s.GeomType.HasZ() {
		expr = "ST_Force3D(" + expr + ")"
	}
	if s.GeomType.IsMulti() {
		expr = "ST_Multi(" + expr + ")"
	}
	return expr
}

// allColumns 全部字段的已转义列名
func (s *Schema) allColumns() []string {
	cols := make([]string, 0, len(s.Fields))
	for _, f := range s.Fields {
		cols = append(cols, qident(ColumnName(f.UUID)))
	}
	return cols
}

func bindParams(keys []string) map[string]string {
	bmap := make(map[string]string, len(keys))
	for i, k := range keys {
		bmap[k] = "f" + strconv.Itoa(i)
	}
	return bmap
}

// MaxIdx 当前字段中最大的位图位置
func (s *Schema) MaxIdx() int {
	m := 0
	for _, f := range s.Fields {
		if f.Idx > m {
			m = f.Idx
		}
	}
	return m
}

// FullBits 所有位均为1的位图，用于创建和恢复操作
func (s *Schema) FullBits() string {
	return strings.Repeat("1", s.MaxIdx()+1)
}

// Bits 更新操作的位图：0号位表示几何，其余为字段的 Idx
func (s *Schema) Bits(withGeom bool, keys []string) string {
	b := []byte(strings.Repeat("0", s.MaxIdx()+1))
	if withGeom {
		b[0] = '1'
	}
	for _, k := range keys {
		if f, ok := s.Field(k); ok && f.Idx > 0 && f.Idx < len(b) {
			b[f.Idx] = '1'
		}
	}
	return string(b)
}

// logInsert 把 src 中的行写入版本日志，同一版本内对同一要素的多次操作合并为一条
func (s *Schema) logInsert(src, op, bitsExpr string, withValues bool) string {
	cols := []string{"fid", "vid", "op", "bits"}
	sel := []string{"fid", "vid", "'" + op + "'", bitsExpr}
	if withValues {
		cols = append(cols, "geom")
		cols = append(cols, s.allColumns()...)
		sel = append(sel, "geom")
		sel = append(sel, s.allColumns()...)
	}

	padded := func(v string) string {
		return fmt.Sprintf(
			"CAST(rpad(CAST(%s AS text), greatest(bit_length(l.bits), bit_length(EXCLUDED.bits)), '0') AS varbit)", v)
	}
	set := []string{
		"op = CASE WHEN EXCLUDED.op = 'U' THEN l.op ELSE EXCLUDED.op END",
		fmt.Sprintf("bits = CASE WHEN EXCLUDED.op = 'D' THEN EXCLUDED.bits ELSE %s | %s END",
			padded("l.bits"), padded("EXCLUDED.bits")),
		"geom = EXCLUDED.geom",
	}
	for _, c := range s.allColumns() {
		set = append(set, c+" = EXCLUDED."+c)
	}

	return fmt.Sprintf(
		"INSERT INTO %s AS l (%s) SELECT %s FROM %s ON CONFLICT (fid, vid) DO UPDATE SET %s",
		s.QLogTable(), strings.Join(cols, ", "), strings.Join(sel, ", "), src, strings.Join(set, ", "),
	)
}

func (s *Schema) returningAll() string {
	return strings.Join(append([]string{"fid", "vid", "geom"}, s.allColumns()...), ", ")
}

// DMLInsert 插入要素，返回新要素ID
//
// 参数：p_geom（WKB，可为NULL）、字段参数、版本控制时还有 p_vid 和 p_bits。
func (s *Schema) DMLInsert(keys []string) (Stmt, error) {
	fields, err := s.fieldsByKeys(keys)
	if err != nil {
		return Stmt{}, err
	}
	bmap := bindParams(keys)

	cols := []string{"geom"}
	vals := []string{s.geomFromParam()}
	for i, f := range fields {
		cols = append(cols, qident(ColumnName(f.UUID)))
		vals = append(vals, param(bmap[keys[i]]))
	}

	if !s.Versioning {
		return Stmt{SQL: fmt.Sprintf(
			"INSERT INTO %s (%s) VALUES (%s) RETURNING fid",
			s.QTable(), strings.Join(cols, ", "), strings.Join(vals, ", "),
		), Params: bmap}, nil
	}

	cols = append(cols, "vid")
	vals = append(vals, param(ParamVid))
	sql := fmt.Sprintf(
		"WITH ins AS (INSERT INTO %s (%s) VALUES (%s) RETURNING %s) %s RETURNING fid",
		s.QTable(), strings.Join(cols, ", "), strings.Join(vals, ", "), s.returningAll(),
		s.logInsert("ins", OpCreate, "CAST("+param(ParamBits)+" AS varbit)", true),
	)
	return Stmt{SQL: sql, Params: bmap}, nil
}

func (s *Schema) setClause(keys []string, withGeom bool) ([]string, map[string]string, error) {
	fields, err := s.fieldsByKeys(keys)
	if err != nil {
		return nil, nil, err
	}
	bmap := bindParams(keys)
	var set []string
	if withGeom {
		set = append(set, "geom = "+s.geomFromParam())
	}
	for i, f := range fields {
		set = append(set, qident(ColumnName(f.UUID))+" = "+param(bmap[keys[i]]))
	}
	return set, bmap, nil
}

// DMLUpdate 更新要素，只包含显式给出的字段；没有任何字段时只检查要素是否存在
func (s *Schema) DMLUpdate(keys []string, withGeom bool) (Stmt, error) {
	set, bmap, err := s.setClause(keys, withGeom)
	if err != nil {
		return Stmt{}, err
	}

	where := "fid = " + param(ParamFid)
	if s.Versioning {
		where += " AND NOT deleted"
	}

	if len(set) == 0 {
		return Stmt{SQL: fmt.Sprintf("UPDATE %s SET fid = fid WHERE %s", s.QTable(), where), Params: bmap}, nil
	}

	if !s.Versioning {
		return Stmt{SQL: fmt.Sprintf(
			"UPDATE %s SET %s WHERE %s", s.QTable(), strings.Join(set, ", "), where,
		), Params: bmap}, nil
	}

	set = append(set, "vid = "+param(ParamVid))
	sql := fmt.Sprintf(
		"WITH upd AS (UPDATE %s SET %s WHERE %s RETURNING %s) %s",
		s.QTable(), strings.Join(set, ", "), where, s.returningAll(),
		s.logInsert("upd", OpUpdate, "CAST("+param(ParamBits)+" AS varbit)", true),
	)
	return Stmt{SQL: sql, Params: bmap}, nil
}

// DMLDelete 删除要素；byFid 为 false 时删除全部要素。版本控制时只做删除标记。
func (s *Schema) DMLDelete(byFid bool) string {
	var cond []string
	if byFid {
		cond = append(cond, "fid = "+param(ParamFid))
	}

	if !s.Versioning {
		sql := "DELETE FROM " + s.QTable()
		if len(cond) > 0 {
			sql += " WHERE " + strings.Join(cond, " AND ")
		}
		return sql
	}

	cond = append(cond, "NOT deleted")
	return fmt.Sprintf(
		"WITH del AS (UPDATE %s SET deleted = true, vid = %s WHERE %s RETURNING fid, vid) %s",
		s.QTable(), param(ParamVid), strings.Join(cond, " AND "),
		s.logInsert("del", OpDelete, "B''", false),
	)
}

// DMLRestore 恢复已删除的要素，可同时更新字段
func (s *Schema) DMLRestore(keys []string, withGeom bool) (Stmt, error) {
	if !s.Versioning {
		return Stmt{}, fmt.Errorf("restore requires versioning")
	}
	set, bmap, err := s.setClause(keys, withGeom)
	if err != nil {
		return Stmt{}, err
	}
	set = append([]string{"deleted = false", "vid = " + param(ParamVid)}, set...)

	sql := fmt.Sprintf(
		"WITH res AS (UPDATE %s SET %s WHERE fid = %s AND deleted RETURNING %s) %s",
		s.QTable(), strings.Join(set, ", "), param(ParamFid), s.returningAll(),
		s.logInsert("res", OpRestore, "CAST("+param(ParamBits)+" AS varbit)", true),
	)
	return Stmt{SQL: sql, Params: bmap}, nil
}

// SQLExists 要素是否存在（包括已删除标记的行）
func (s *Schema) SQLExists() string {
	return fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE fid = %s)", s.QTable(), param(ParamFid))
}

// DMLInitFill 给已有数据打上版本号并写入创建日志，参数 p_vid、p_bits
func (s *Schema) DMLInitFill() []string {
	src := fmt.Sprintf("(SELECT %s FROM %s WHERE NOT deleted) AS src", s.returningAll(), s.QTable())
	return []string{
		fmt.Sprintf("UPDATE %s SET vid = %s", s.QTable(), param(ParamVid)),
		s.logInsert(src, OpCreate, "CAST("+param(ParamBits)+" AS varbit)", true),
	}
}

// QueryChangedFids 日志中出现过的全部要素ID
func (s *Schema) QueryChangedFids() string {
	return fmt.Sprintf("SELECT DISTINCT fid FROM %s ORDER BY fid", s.QLogTable())
}

// QueryChanges 版本区间 (p_initial, p_target] 内的日志，按要素ID和版本排序
//
// 结果列依次为 fid, vid, op, bits, geom(WKB)，之后是 s.Fields 顺序的字段值。
func (s *Schema) QueryChanges(withFidMin, withFidMax bool) string {
	cols := []string{"fid", "vid", "op", "CAST(bits AS text) AS bits", "ST_AsBinary(geom, 'NDR') AS geom"}
	for i, c := range s.allColumns() {
		cols = append(cols, fmt.Sprintf("%s AS v%d", c, i))
	}
	where := []string{
		"vid > " + param(ParamInitial),
		"vid <= " + param(ParamTarget),
	}
	if withFidMin {
		where = append(where, "fid >= "+param(ParamFidMin))
	}
	if withFidMax {
		where = append(where, "fid <= "+param(ParamFidMax))
	}
	return fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s ORDER BY fid, vid",
		strings.Join(cols, ", "), s.QLogTable(), strings.Join(where, " AND "),
	)
}

// SQLEstimateSize 估算数据占用字节数：
// 每行定长字段字节 + 几何WKB长度 + 变长字段字节长度，对所有行求和
func (s *Schema) SQLEstimateSize() string {
	fixed, _ := Integer.FixedSize() // fid
	dynamic := []string{"coalesce(length(ST_AsBinary(geom)), 0)"}
	for _, f := range s.Fields {
		if n, ok := f.Type.FixedSize(); ok {
			fixed += n
		} else {
			dynamic = append(dynamic, fmt.Sprintf("coalesce(octet_length(%s), 0)", qident(ColumnName(f.UUID))))
		}
	}
	expr := strconv.FormatInt(fixed, 10) + " + " + strings.Join(dynamic, " + ")
	return fmt.Sprintf("SELECT coalesce(sum(%s), 0) FROM %s", expr, s.QTable())
}

// SQLExtent 图层范围（EPSG:4326）
func (s *Schema) SQLExtent() string {
	where := ""
	if s.Versioning {
		where = " WHERE NOT deleted"
	}
	return fmt.Sprintf(
		"SELECT ST_XMin(e) AS min_lon, ST_YMin(e) AS min_lat, ST_XMax(e) AS max_lon, ST_YMax(e) AS max_lat "+
			"FROM (SELECT ST_Extent(ST_Transform(ST_Force2D(geom), 4326)) AS e FROM %s%s) AS sq",
		s.QTable(), where,
	)
}

// SQLSyncSequence 按已有的最大 fid 重置要素ID序列，导入时保留了数据源ID后使用
func (s *Schema) SQLSyncSequence() string {
	return fmt.Sprintf(
		"SELECT setval('%s', coalesce((SELECT max(fid) FROM %s), 0) + 1, false)",
		strings.ReplaceAll(s.qSequence(), "'", "''"), s.QTable(),
	)
}
