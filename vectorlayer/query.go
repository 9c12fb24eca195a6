package vectorlayer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/GrainArc/VectorLayer/srs"
	"github.com/GrainArc/VectorLayer/vlschema"
)

// GeomFormat 查询结果中几何的格式
type GeomFormat string

const (
	FormatWKB GeomFormat = "wkb"
	FormatWKT GeomFormat = "wkt"
)

// 属性过滤支持的操作符，isnull 单独处理
var filterOps = map[string]string{
	"eq":    "=",
	"ne":    "<>",
	"ge":    ">=",
	"gt":    ">",
	"le":    "<=",
	"lt":    "<",
	"like":  "LIKE",
	"ilike": "ILIKE",
}

const opIsNull = "isnull"

// Filter 属性过滤条件，Key 可以是字段 keyname 或 id
type Filter struct {
	Key   string
	Op    string
	Value interface{}
}

// Order 排序条件
type Order struct {
	Key  string
	Desc bool
}

type intersectsFilter struct {
	geom Geometry
	srid int
}

// FeatureQuery 要素查询，各条件可任意组合，执行前统一检查
type FeatureQuery struct {
	layer      *Layer
	srs        int
	geom       bool
	geomFormat GeomFormat
	box        bool
	fields     []string
	limit      int
	offset     int
	filterBy   map[string]interface{}
	filters    []Filter
	like       *string
	intersects *intersectsFilter
	orderBy    []Order
}

// FeatureQuery 创建图层的要素查询
func (l *Layer) FeatureQuery() *FeatureQuery {
	return &FeatureQuery{layer: l, geomFormat: FormatWKB, limit: -1}
}

// SRS 输出几何的坐标系，默认为图层坐标系
func (q *FeatureQuery) SRS(srid int) *FeatureQuery { q.srs = srid; return q }

// Geom 返回几何
func (q *FeatureQuery) Geom() *FeatureQuery { q.geom = true; return q }

func (q *FeatureQuery) GeomFormat(f GeomFormat) *FeatureQuery { q.geomFormat = f; return q }

// Box 返回几何包围盒
func (q *FeatureQuery) Box() *FeatureQuery { q.box = true; return q }

// Fields 只返回指定字段，不调用时返回全部字段
func (q *FeatureQuery) Fields(keys ...string) *FeatureQuery {
	q.fields = append([]string{}, keys...)
	return q
}

func (q *FeatureQuery) Limit(limit, offset int) *FeatureQuery {
	q.limit, q.offset = limit, offset
	return q
}

// FilterBy 等值过滤，键 id 表示要素ID
func (q *FeatureQuery) FilterBy(kv map[string]interface{}) *FeatureQuery {
	if q.filterBy == nil {
		q.filterBy = map[string]interface{}{}
	}
	for k, v := range kv {
		q.filterBy[k] = v
	}
	return q
}

func (q *FeatureQuery) Filter(filters ...Filter) *FeatureQuery {
	q.filters = append(q.filters, filters...)
	return q
}

// Like 在全部字段的文本形式上做不区分大小写的包含匹配，任一字段匹配即可
func (q *FeatureQuery) Like(value string) *FeatureQuery { q.like = &value; return q }

// Intersects 与给定几何相交，srid 为 0 时使用图层坐标系
func (q *FeatureQuery) Intersects(g Geometry, srid int) *FeatureQuery {
	q.intersects = &intersectsFilter{geom: g, srid: srid}
	return q
}

// OrderBy 排序，最后总是按要素ID排序保证结果稳定
func (q *FeatureQuery) OrderBy(orders ...Order) *FeatureQuery {
	q.orderBy = append(q.orderBy, orders...)
	return q
}

// compiledQuery 编译后的查询语句和参数
type compiledQuery struct {
	sql        string
	countSQL   string
	args       map[string]interface{}
	fields     []*Field
	geom       bool
	geomFormat GeomFormat
	box        bool
}

type binder struct {
	args map[string]interface{}
}

func (b *binder) bind(v interface{}) string {
	name := "w" + strconv.Itoa(len(b.args))
	b.args[name] = v
	return "@" + name
}

// column 返回键对应的列表达式和字段，id 对应要素ID
func column(vls *vlschema.Schema, l *Layer, key string) (string, *Field, error) {
	if key == "id" {
		return "t.fid", nil, nil
	}
	f, ok := l.FieldByKeyname(key)
	if !ok {
		return "", nil, validationf("unknown field %q", key)
	}
	col, _ := vls.QColumn(key)
	return "t." + col, f, nil
}

func coerceKeyValue(key string, f *Field, v interface{}) (interface{}, error) {
	var (
		cv  interface{}
		err error
	)
	if f == nil {
		cv, err = toInt64(v)
	} else {
		cv, err = coerceValue(f.Datatype, v)
	}
	if err != nil {
		return nil, validationf("filter on %q: %v", key, err)
	}
	return cv, nil
}

func isNullValue(v interface{}) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case string:
		switch strings.ToLower(x) {
		case "yes", "true":
			return true, nil
		case "no", "false":
			return false, nil
		}
	}
	return false, validationf("invalid isnull value %v", v)
}

// compile 检查查询条件并生成SQL，不访问数据库；geographic 用于判断相交几何的坐标系
func (q *FeatureQuery) compile(geographic func(srid int) (bool, error), latClamp float64) (*compiledQuery, error) {
	l := q.layer
	vls := l.Schema()
	b := &binder{args: map[string]interface{}{}}
	c := &compiledQuery{args: b.args, geom: q.geom, geomFormat: q.geomFormat, box: q.box}

	if q.geomFormat != FormatWKB && q.geomFormat != FormatWKT {
		return nil, validationf("unsupported geometry format %q", q.geomFormat)
	}

	if q.fields == nil {
		c.fields = append(c.fields, l.Fields...)
	} else {
		for _, k := range q.fields {
			f, ok := l.FieldByKeyname(k)
			if !ok {
				return nil, validationf("unknown field %q", k)
			}
			c.fields = append(c.fields, f)
		}
	}

	g := "t.geom"
	if q.srs != 0 && q.srs != l.SRID {
		g = fmt.Sprintf("ST_Transform(%s, %d)", g, q.srs)
	}
	cols := []string{"t.fid AS fid"}
	if q.geom {
		if q.geomFormat == FormatWKT {
			cols = append(cols, fmt.Sprintf("ST_AsText(%s) AS geom", g))
		} else {
			cols = append(cols, fmt.Sprintf("ST_AsBinary(%s, 'NDR') AS geom", g))
		}
	}
	if q.box {
		cols = append(cols,
			fmt.Sprintf("ST_XMin(%s) AS box_left", g), fmt.Sprintf("ST_YMin(%s) AS box_bottom", g),
			fmt.Sprintf("ST_XMax(%s) AS box_right", g), fmt.Sprintf("ST_YMax(%s) AS box_top", g))
	}
	for i, f := range c.fields {
		col, _ := vls.QColumn(f.Keyname)
		cols = append(cols, fmt.Sprintf("t.%s AS f%d", col, i))
	}

	var where []string
	if vls.Versioning {
		where = append(where, "NOT t.deleted")
	}

	keys := make([]string, 0, len(q.filterBy))
	for k := range q.filterBy {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		col, f, err := column(vls, l, k)
		if err != nil {
			return nil, err
		}
		v := q.filterBy[k]
		if v == nil {
			where = append(where, col+" IS NULL")
			continue
		}
		cv, err := coerceKeyValue(k, f, v)
		if err != nil {
			return nil, err
		}
		where = append(where, col+" = "+b.bind(cv))
	}

	for _, flt := range q.filters {
		sqlOp, ok := filterOps[flt.Op]
		if !ok && flt.Op != opIsNull {
			return nil, validationf("unsupported filter operator %q", flt.Op)
		}
		col, f, err := column(vls, l, flt.Key)
		if err != nil {
			return nil, err
		}
		switch {
		case flt.Op == opIsNull:
			null, err := isNullValue(flt.Value)
			if err != nil {
				return nil, err
			}
			if null {
				where = append(where, col+" IS NULL")
			} else {
				where = append(where, col+" IS NOT NULL")
			}
		case flt.Op == "like" || flt.Op == "ilike":
			s, ok := flt.Value.(string)
			if !ok {
				return nil, validationf("filter %s on %q needs a string value", flt.Op, flt.Key)
			}
			if f == nil || f.Datatype != vlschema.String {
				col = "CAST(" + col + " AS text)"
			}
			where = append(where, fmt.Sprintf("%s %s %s", col, sqlOp, b.bind(s)))
		default:
			if flt.Value == nil {
				return nil, validationf("filter %s on %q needs a value, use isnull for NULL", flt.Op, flt.Key)
			}
			cv, err := coerceKeyValue(flt.Key, f, flt.Value)
			if err != nil {
				return nil, err
			}
			where = append(where, fmt.Sprintf("%s %s %s", col, sqlOp, b.bind(cv)))
		}
	}

	if q.like != nil {
		var parts []string
		pattern := "%" + *q.like + "%"
		for _, f := range l.Fields {
			col, _ := vls.QColumn(f.Keyname)
			parts = append(parts, fmt.Sprintf("CAST(t.%s AS text) ILIKE %s", col, b.bind(pattern)))
		}
		if len(parts) == 0 {
			where = append(where, "false")
		} else {
			where = append(where, "("+strings.Join(parts, " OR ")+")")
		}
	}

	if q.intersects != nil {
		wkb, err := q.intersects.geom.bind()
		if err != nil {
			return nil, err
		}
		if wkb == nil {
			return nil, validationf("intersects filter needs a geometry")
		}
		srid := q.intersects.srid
		if srid == 0 {
			srid = l.SRID
		}
		expr := fmt.Sprintf("ST_GeomFromWKB(%s)", b.bind(wkb))
		geo, err := geographic(srid)
		if errors.Is(err, srs.ErrUnknownSRS) {
			return nil, validationf("unknown SRID %d", srid)
		}
		if err != nil {
			return nil, wrapDBError(err)
		}
		if geo {
			lat := strconv.FormatFloat(latClamp, 'f', -1, 64)
			expr = fmt.Sprintf("ST_Intersection(ST_MakeEnvelope(-180, -%s, 180, %s), %s)", lat, lat, expr)
		}
		expr = fmt.Sprintf("ST_SetSRID(%s, %d)", expr, srid)
		if srid != l.SRID {
			expr = fmt.Sprintf("ST_Transform(%s, %d)", expr, l.SRID)
		}
		where = append(where, fmt.Sprintf("ST_Intersects(t.geom, %s)", expr))
	}

	var order []string
	for _, o := range q.orderBy {
		col, _, err := column(vls, l, o.Key)
		if err != nil {
			return nil, err
		}
		if o.Desc {
			col += " DESC"
		}
		order = append(order, col)
	}
	order = append(order, "t.fid")

	from := vls.QTable() + " AS t"
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}
	c.sql = fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s", strings.Join(cols, ", "), from, whereSQL, strings.Join(order, ", "))
	if q.limit >= 0 {
		c.sql += " LIMIT " + strconv.Itoa(q.limit)
	}
	if q.offset > 0 {
		c.sql += " OFFSET " + strconv.Itoa(q.offset)
	}
	c.countSQL = fmt.Sprintf("SELECT count(*) FROM %s%s", from, whereSQL)
	return c, nil
}

func (st *Store) geographic(ctx context.Context) func(int) (bool, error) {
	return func(srid int) (bool, error) {
		if st.srs == nil {
			return srid == 4326 || srid == 4490, nil
		}
		return st.srs.IsGeographic(ctx, srid)
	}
}

func (q *FeatureQuery) prepare() (*Session, *compiledQuery, error) {
	s, err := q.layer.session(DataRead)
	if err != nil {
		return nil, nil, err
	}
	c, err := q.compile(s.store.geographic(s.ctx), s.store.latClamp)
	if err != nil {
		return nil, nil, err
	}
	return s, c, nil
}

// Iter 执行查询，返回逐行读取的迭代器；迭代器占用一个连接，用完必须 Close
func (q *FeatureQuery) Iter() (*FeatureIterator, error) {
	s, c, err := q.prepare()
	if err != nil {
		return nil, err
	}
	rows, err := s.tx.Raw(c.sql, c.args).Rows()
	if err != nil {
		return nil, wrapDBError(err)
	}
	return &FeatureIterator{rows: rows, c: c}, nil
}

// All 读取全部结果
func (q *FeatureQuery) All() ([]*Feature, error) {
	it, err := q.Iter()
	if err != nil {
		return nil, err
	}
	defer it.Close()
	var out []*Feature
	for it.Next() {
		out = append(out, it.Feature())
	}
	return out, it.Err()
}

// TotalCount 相同过滤条件下的要素总数，不受分页影响
func (q *FeatureQuery) TotalCount() (int64, error) {
	s, c, err := q.prepare()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.tx.Raw(c.countSQL, c.args).Scan(&n).Error; err != nil {
		return 0, wrapDBError(err)
	}
	return n, nil
}

// FeatureIterator 查询结果迭代器，只能遍历一次
type FeatureIterator struct {
	rows *sql.Rows
	c    *compiledQuery
	cur  *Feature
	err  error
}

func (it *FeatureIterator) Next() bool {
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
	f, err := it.scan()
	if err != nil {
		it.err = wrapDBError(err)
		it.Close()
		return false
	}
	it.cur = f
	return true
}

func (it *FeatureIterator) scan() (*Feature, error) {
	c := it.c
	var (
		fid                      int64
		gwkb                     []byte
		gwkt                     sql.NullString
		left, bottom, right, top sql.NullFloat64
	)
	dest := []interface{}{&fid}
	if c.geom {
		if c.geomFormat == FormatWKT {
			dest = append(dest, &gwkt)
		} else {
			dest = append(dest, &gwkb)
		}
	}
	if c.box {
		dest = append(dest, &left, &bottom, &right, &top)
	}
	vals := make([]interface{}, len(c.fields))
	for i := range vals {
		dest = append(dest, &vals[i])
	}
	if err := it.rows.Scan(dest...); err != nil {
		return nil, err
	}

	f := &Feature{ID: fid, Fields: make(map[string]interface{}, len(c.fields))}
	if c.geom {
		if c.geomFormat == FormatWKT {
			f.Geom = NullGeom()
			if gwkt.Valid {
				f.Geom = GeomFromWKT(gwkt.String)
			}
		} else {
			f.Geom = GeomFromWKB(gwkb)
		}
	}
	if c.box && left.Valid && bottom.Valid && right.Valid && top.Valid {
		f.Box = &orb.Bound{Min: orb.Point{left.Float64, bottom.Float64}, Max: orb.Point{right.Float64, top.Float64}}
	}
	for i, fld := range c.fields {
		f.Fields[fld.Keyname] = normalizeValue(fld.Datatype, vals[i])
	}
	return f, nil
}

// Feature 当前行
func (it *FeatureIterator) Feature() *Feature { return it.cur }

func (it *FeatureIterator) Err() error { return it.err }

// Close 释放连接，可重复调用
func (it *FeatureIterator) Close() error {
	if it.rows == nil {
		return nil
	}
	err := it.rows.Close()
	it.rows = nil
	return err
}

// FeatureGet 按ID读取要素，包含几何和全部字段
func (l *Layer) FeatureGet(fid int64) (*Feature, error) {
	it, err := l.FeatureQuery().Geom().FilterBy(map[string]interface{}{"id": fid}).Limit(1, 0).Iter()
	if err != nil {
		return nil, err
	}
	defer it.Close()
	if it.Next() {
		return it.Feature(), nil
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return nil, &FeatureNotFoundError{LayerID: l.ID, FID: fid}
}
