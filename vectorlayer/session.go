// Package vectorlayer 矢量图层的要素存储：图层结构同步、要素增删改查、查询编译和版本日志读取。
//
// 所有操作都在 Store.Transaction 打开的会话中进行。对图层结构的修改先在内存中完成，
// 会话在每次要素操作前和提交前执行 Flush，把结构差异转换为DDL并与数据修改在同一事务中提交。
package vectorlayer

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/GrainArc/VectorLayer/config"
	"github.com/GrainArc/VectorLayer/models"
	"github.com/GrainArc/VectorLayer/vlschema"
)

// ErrLayerNotFound 图层不存在
var ErrLayerNotFound = errors.New("layer not found")

// Store 图层存储入口，持有数据库连接和外部协作组件
type Store struct {
	db        *gorm.DB
	namespace string
	latClamp  float64
	srs       SRSResolver
	gate      Gate
	storage   StorageReserver
}

// Option Store 的可选配置
type Option func(*Store)

// WithNamespace 图层表所在的 schema
func WithNamespace(ns string) Option {
	return func(s *Store) {
		if ns != "" {
			s.namespace = ns
		}
	}
}

// WithLatClamp 地理坐标系相交查询前的纬度裁剪范围
func WithLatClamp(v float64) Option {
	return func(s *Store) {
		if v > 0 && v <= 90 {
			s.latClamp = v
		}
	}
}

func WithSRS(r SRSResolver) Option { return func(s *Store) { s.srs = r } }

func WithGate(g Gate) Option { return func(s *Store) { s.gate = g } }

func WithStorage(r StorageReserver) Option { return func(s *Store) { s.storage = r } }

// WithConfig 从配置文件读取 schema 和纬度裁剪范围
func WithConfig(cfg config.Config) Option {
	return func(s *Store) {
		WithNamespace(cfg.Schema)(s)
		WithLatClamp(cfg.LatClamp)(s)
	}
}

// NewStore 创建图层存储
func NewStore(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:        db,
		namespace: vlschema.DefaultNamespace,
		latClamp:  config.DefaultLatClamp,
		gate:      AllowAll{},
		storage:   noopStorage{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Namespace 图层表所在的 schema
func (st *Store) Namespace() string { return st.namespace }

// Transaction 在一个数据库事务中执行 fn，fn 返回后执行 Flush 再提交；任何错误都回滚整个事务
func (st *Store) Transaction(ctx context.Context, fn func(s *Session) error) error {
	return st.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		s := &Session{
			store:    st,
			ctx:      ctx,
			tx:       tx,
			versions: map[uint]int{},
		}
		if err := fn(s); err != nil {
			return err
		}
		if err := s.Flush(); err != nil {
			return err
		}
		if s.changed {
			tx.Logger.Info(ctx, "committing feature changes, versions %v", s.versions)
		}
		return nil
	})
}

// Session 一个事务范围内的图层会话，跟踪加入的图层并在 Flush 时同步结构
type Session struct {
	store    *Store
	ctx      context.Context
	tx       *gorm.DB
	layers   []*Layer
	deleted  []*Layer
	versions map[uint]int
	changed  bool
}

func (s *Session) Context() context.Context { return s.ctx }

// DB 当前事务
func (s *Session) DB() *gorm.DB { return s.tx }

// MarkChanged 标记会话中有绕过ORM直接执行的数据修改
func (s *Session) MarkChanged() { s.changed = true }

// Changed 会话中是否有数据修改
func (s *Session) Changed() bool { return s.changed }

// Add 把图层加入会话，新图层在下次 Flush 时建表
func (s *Session) Add(l *Layer) error {
	if l.sess == s {
		return nil
	}
	if l.sess != nil {
		return errors.New("layer is attached to another session")
	}
	if !s.store.gate.Allowed(s.ctx, l, StructureWrite) && l.IsNew() {
		return ErrForbidden
	}
	l.sess = s
	s.layers = append(s.layers, l)
	return nil
}

// Get 按ID加载图层并加入会话
func (s *Session) Get(id uint) (*Layer, error) {
	for _, l := range s.layers {
		if l.ID == id {
			return l, nil
		}
	}
	var m models.VectorLayer
	err := s.tx.Preload("Fields", func(db *gorm.DB) *gorm.DB {
		return db.Order("position, id")
	}).First(&m, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("layer #%d: %w", id, ErrLayerNotFound)
	}
	if err != nil {
		return nil, wrapDBError(err)
	}
	l := layerFromModel(&m)
	if !s.store.gate.Allowed(s.ctx, l, StructureRead) {
		return nil, ErrForbidden
	}
	l.sess = s
	s.layers = append(s.layers, l)
	return l, nil
}

// Delete 删除图层，物理表和元数据在 Flush 时删除
func (s *Session) Delete(l *Layer) error {
	if l.sess != s {
		return ErrNoSession
	}
	if !s.store.gate.Allowed(s.ctx, l, StructureWrite) {
		return ErrForbidden
	}
	for i, o := range s.layers {
		if o == l {
			s.layers = append(s.layers[:i:i], s.layers[i+1:]...)
			break
		}
	}
	s.deleted = append(s.deleted, l)
	return nil
}

// Flush 把会话中图层的结构变化同步到数据库
func (s *Session) Flush() error {
	for _, l := range s.deleted {
		if err := s.dropLayer(l); err != nil {
			return err
		}
	}
	s.deleted = nil

	for _, l := range s.layers {
		if err := s.syncLayer(l); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) exec(sql string, args ...interface{}) (int64, error) {
	res := s.tx.Exec(sql, args...)
	if res.Error != nil {
		return 0, wrapDBError(res.Error)
	}
	return res.RowsAffected, nil
}

func (s *Session) execDDL(l *Layer, stmts []string) error {
	for _, stmt := range stmts {
		s.tx.Logger.Info(s.ctx, "layer %s: %s", l.TblUUID, stmt)
		if _, err := s.exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) syncLayer(l *Layer) error {
	if l.known != nil && l.metaDigest() == l.known.meta {
		return nil
	}
	if !s.store.gate.Allowed(s.ctx, l, StructureWrite) {
		return ErrForbidden
	}
	if err := l.validate(); err != nil {
		return err
	}

	plan, err := planDDL(l)
	if err != nil {
		if errors.Is(err, ErrTooManyOperations) {
			s.tx.Logger.Warn(s.ctx, "layer %s: rejected structural change: %v", l.TblUUID, err)
		}
		return err
	}
	if err := s.execDDL(l, plan.stmts); err != nil {
		return err
	}
	if err := s.saveMetadata(l); err != nil {
		return err
	}
	if plan.initFill {
		if err := s.initFill(l); err != nil {
			return err
		}
	}
	if plan.rebuilt {
		l.wiped = true
	}
	l.known = l.snapshot()
	return nil
}

func (s *Session) saveMetadata(l *Layer) error {
	m := l.toModel()
	if l.ID == 0 {
		if err := s.tx.Omit(clause.Associations).Create(&m).Error; err != nil {
			return wrapDBError(err)
		}
		l.ID = m.ID
	} else {
		err := s.tx.Model(&m).
			Select("DisplayName", "TblUUID", "GeometryType", "SRID", "FVersioning", "FieldSeq", "SourceOptions", "UpdatedAt").
			Updates(&m).Error
		if err != nil {
			return wrapDBError(err)
		}
	}

	if l.known != nil {
		current := make(map[uint]bool, len(l.Fields))
		for _, f := range l.Fields {
			current[f.ID] = true
		}
		var gone []uint
		for _, fs := range l.known.fields {
			if fs.id != 0 && !current[fs.id] {
				gone = append(gone, fs.id)
			}
		}
		if len(gone) > 0 {
			if err := s.tx.Delete(&models.VectorLayerField{}, gone).Error; err != nil {
				return wrapDBError(err)
			}
		}
	}

	for i, f := range l.Fields {
		mf := models.VectorLayerField{
			ID:             f.ID,
			LayerID:        l.ID,
			Position:       i,
			Idx:            f.Idx,
			FldUUID:        f.FldUUID,
			Keyname:        f.Keyname,
			DisplayName:    f.DisplayName,
			Datatype:       string(f.Datatype),
			GridVisibility: f.GridVisibility,
		}
		if err := s.tx.Save(&mf).Error; err != nil {
			return wrapDBError(err)
		}
		f.ID = mf.ID
	}

	var label *uint
	if l.LabelField != nil {
		label = &l.LabelField.ID
	}
	if err := s.tx.Model(&models.VectorLayer{}).Where("id = ?", l.ID).
		Update("feature_label_field_id", label).Error; err != nil {
		return wrapDBError(err)
	}

	if l.FVersioning {
		err := s.tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&models.FVersioning{LayerID: l.ID}).Error
		if err != nil {
			return wrapDBError(err)
		}
	}
	return nil
}

func (s *Session) dropLayer(l *Layer) error {
	if err := s.execDDL(l, planDrop(l)); err != nil {
		return err
	}
	if l.ID == 0 {
		return nil
	}
	for _, m := range []interface{}{&models.FVersion{}, &models.FVersioning{}, &models.VectorLayerField{}} {
		if err := s.tx.Where("layer_id = ?", l.ID).Delete(m).Error; err != nil {
			return wrapDBError(err)
		}
	}
	if err := s.tx.Delete(&models.VectorLayer{}, l.ID).Error; err != nil {
		return wrapDBError(err)
	}
	delete(s.versions, l.ID)
	l.sess = nil
	return nil
}

// version 本事务中图层的版本号，首次调用时分配
//
// 计数器行在更新时被锁定，同一图层的并发写事务在数据库中串行。
func (s *Session) version(l *Layer) (int, error) {
	if v, ok := s.versions[l.ID]; ok {
		return v, nil
	}
	var latest int
	res := s.tx.Raw(
		"UPDATE vector_layer_fversioning SET latest = latest + 1 WHERE layer_id = ? RETURNING latest",
		l.ID,
	).Scan(&latest)
	if res.Error != nil {
		return 0, wrapDBError(res.Error)
	}
	if res.RowsAffected == 0 {
		latest = 1
		if err := s.tx.Create(&models.FVersioning{LayerID: l.ID, Latest: latest}).Error; err != nil {
			return 0, wrapDBError(err)
		}
	}
	if err := s.tx.Create(&models.FVersion{LayerID: l.ID, VersionID: latest}).Error; err != nil {
		return 0, wrapDBError(err)
	}
	s.tx.Logger.Info(s.ctx, "layer #%d: allocated version %d", l.ID, latest)
	s.versions[l.ID] = latest
	return latest, nil
}

// initFill 给表中已有的行打上当前版本并写入创建日志
func (s *Session) initFill(l *Layer) error {
	vid, err := s.version(l)
	if err != nil {
		return err
	}
	vls := l.Schema()
	args := map[string]interface{}{
		vlschema.ParamVid:  vid,
		vlschema.ParamBits: vls.FullBits(),
	}
	for _, stmt := range vls.DMLInitFill() {
		if _, err := s.exec(stmt, args); err != nil {
			return err
		}
	}
	s.MarkChanged()
	return nil
}
