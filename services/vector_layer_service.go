package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/GrainArc/VectorLayer/config"
	"github.com/GrainArc/VectorLayer/loader"
	"github.com/GrainArc/VectorLayer/models"
	"github.com/GrainArc/VectorLayer/srs"
	"github.com/GrainArc/VectorLayer/vectorlayer"
	"github.com/GrainArc/VectorLayer/vlschema"
)

// VectorLayerService 图层级别的操作，每个方法在一个事务中完成
type VectorLayerService struct {
	store *vectorlayer.Store
	// DataRoot 导入数据源时允许访问的根目录，为空时不限制
	DataRoot string
}

func NewVectorLayerService(store *vectorlayer.Store, dataRoot string) *VectorLayerService {
	if dataRoot != "" {
		if abs, err := filepath.Abs(dataRoot); err == nil {
			dataRoot = abs
		}
	}
	return &VectorLayerService{store: store, DataRoot: dataRoot}
}

// OpenVectorLayerService 按配置连接数据库，坐标系判断使用 spatial_ref_sys
func OpenVectorLayerService(cfg config.Config, dataRoot string) (*VectorLayerService, error) {
	db, err := models.InitDB(cfg)
	if err != nil {
		return nil, err
	}
	store := vectorlayer.NewStore(db, vectorlayer.WithConfig(cfg), vectorlayer.WithSRS(srs.NewService(db)))
	return NewVectorLayerService(store, dataRoot), nil
}

// CreateLayerRequest 按字段列表新建图层的参数
type CreateLayerRequest struct {
	DisplayName  string                 `json:"display_name"`
	GeometryType vlschema.GeomType      `json:"geometry_type"`
	SRID         int                    `json:"srid"`
	Versioning   bool                   `json:"fversioning"`
	Fields       []vectorlayer.FieldDef `json:"fields"`
}

// FieldItem 字段信息
type FieldItem struct {
	ID             uint               `json:"id"`
	Keyname        string             `json:"keyname"`
	DisplayName    string             `json:"display_name"`
	Datatype       vlschema.FieldType `json:"datatype"`
	GridVisibility bool               `json:"grid_visibility"`
}

// LayerDetail 图层信息
type LayerDetail struct {
	ID           uint              `json:"id"`
	DisplayName  string            `json:"display_name"`
	GeometryType vlschema.GeomType `json:"geometry_type"`
	// GeometryName 几何类型显示名称
	GeometryName string      `json:"geometry_type_name"`
	SRID         int         `json:"srid"`
	Versioning   bool        `json:"fversioning"`
	Fields       []FieldItem `json:"fields"`
	LabelField   string      `json:"feature_label_field,omitempty"`
}

// ImportResult 导入结果
type ImportResult struct {
	Layer    *LayerDetail `json:"layer"`
	Rows     int64        `json:"rows"`
	Skipped  int64        `json:"skipped"`
	Size     int64        `json:"size"`
	Duration int64        `json:"duration_ms"`
}

func toLayerDetail(l *vectorlayer.Layer) *LayerDetail {
	d := &LayerDetail{
		ID:           l.ID,
		DisplayName:  l.DisplayName,
		GeometryType: l.GeometryType,
		GeometryName: l.GeometryType.DisplayName(),
		SRID:         l.SRID,
		Versioning:   l.FVersioning,
		Fields:       make([]FieldItem, 0, len(l.Fields)),
	}
	for _, f := range l.Fields {
		d.Fields = append(d.Fields, FieldItem{
			ID:             f.ID,
			Keyname:        f.Keyname,
			DisplayName:    f.DisplayName,
			Datatype:       f.Datatype,
			GridVisibility: f.GridVisibility,
		})
	}
	if l.LabelField != nil {
		d.LabelField = l.LabelField.Keyname
	}
	return d
}

// Transaction 在一个事务中执行任意图层操作
func (s *VectorLayerService) Transaction(ctx context.Context, fn func(sess *vectorlayer.Session) error) error {
	return s.store.Transaction(ctx, fn)
}

// withLayer 加载图层后执行 fn
func (s *VectorLayerService) withLayer(ctx context.Context, id uint, fn func(sess *vectorlayer.Session, l *vectorlayer.Layer) error) error {
	return s.store.Transaction(ctx, func(sess *vectorlayer.Session) error {
		l, err := sess.Get(id)
		if err != nil {
			return err
		}
		return fn(sess, l)
	})
}

// CreateFromFields 新建空图层
func (s *VectorLayerService) CreateFromFields(ctx context.Context, req CreateLayerRequest) (*LayerDetail, error) {
	if strings.TrimSpace(req.DisplayName) == "" {
		return nil, &vectorlayer.ValidationError{Message: "display name is required"}
	}
	var detail *LayerDetail
	err := s.store.Transaction(ctx, func(sess *vectorlayer.Session) error {
		l := vectorlayer.NewLayer(req.DisplayName, req.GeometryType, req.SRID)
		l.SetVersioning(req.Versioning)
		if err := l.SetupFromFields(req.Fields); err != nil {
			return err
		}
		if err := sess.Add(l); err != nil {
			return err
		}
		if err := sess.Flush(); err != nil {
			return err
		}
		detail = toLayerDetail(l)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// CreateFromSource 由 shapefile、GeoJSON 或压缩包新建图层并导入全部要素
func (s *VectorLayerService) CreateFromSource(ctx context.Context, displayName, path string, versioning bool, p loader.Params) (*ImportResult, error) {
	if !s.isPathSafe(path) {
		return nil, os.ErrPermission
	}
	ds, err := loader.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开数据源失败: %w", err)
	}
	defer ds.Close()

	if displayName == "" {
		displayName = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	start := time.Now()
	res := &ImportResult{}
	err = s.store.Transaction(ctx, func(sess *vectorlayer.Session) error {
		l := vectorlayer.NewLayer(displayName, "", 0)
		l.SetVersioning(versioning)
		if err := sess.Add(l); err != nil {
			return err
		}
		stats, err := l.FromSource(ds, p)
		if err != nil {
			return err
		}
		res.Layer = toLayerDetail(l)
		res.Rows, res.Skipped, res.Size = stats.Rows, stats.Skipped, stats.Size
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start).Milliseconds()
	return res, nil
}

// ReloadFromSource 清空已有图层并重新导入数据源，图层 id 不变
func (s *VectorLayerService) ReloadFromSource(ctx context.Context, id uint, path string, p loader.Params) (*ImportResult, error) {
	if !s.isPathSafe(path) {
		return nil, os.ErrPermission
	}
	ds, err := loader.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开数据源失败: %w", err)
	}
	defer ds.Close()

	start := time.Now()
	res := &ImportResult{}
	err = s.withLayer(ctx, id, func(sess *vectorlayer.Session, l *vectorlayer.Layer) error {
		l.Wipe()
		if err := sess.Flush(); err != nil {
			return err
		}
		stats, err := l.FromSource(ds, p)
		if err != nil {
			return err
		}
		res.Layer = toLayerDetail(l)
		res.Rows, res.Skipped, res.Size = stats.Rows, stats.Skipped, stats.Size
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start).Milliseconds()
	return res, nil
}

// Get 读取图层信息
func (s *VectorLayerService) Get(ctx context.Context, id uint) (*LayerDetail, error) {
	var detail *LayerDetail
	err := s.withLayer(ctx, id, func(_ *vectorlayer.Session, l *vectorlayer.Layer) error {
		detail = toLayerDetail(l)
		return nil
	})
	return detail, err
}

// Delete 删除图层及其数据表
func (s *VectorLayerService) Delete(ctx context.Context, id uint) error {
	return s.withLayer(ctx, id, func(sess *vectorlayer.Session, l *vectorlayer.Layer) error {
		return sess.Delete(l)
	})
}

// ChangeGeometryType 转换几何类型
func (s *VectorLayerService) ChangeGeometryType(ctx context.Context, id uint, to vlschema.GeomType) error {
	return s.withLayer(ctx, id, func(_ *vectorlayer.Session, l *vectorlayer.Layer) error {
		return l.GeometryTypeChange(to)
	})
}

// SetVersioning 开启或关闭版本控制
func (s *VectorLayerService) SetVersioning(ctx context.Context, id uint, enabled bool) error {
	return s.withLayer(ctx, id, func(_ *vectorlayer.Session, l *vectorlayer.Layer) error {
		l.SetVersioning(enabled)
		return nil
	})
}

// AddField 新增字段
func (s *VectorLayerService) AddField(ctx context.Context, id uint, def vectorlayer.FieldDef) (*FieldItem, error) {
	var item *FieldItem
	err := s.withLayer(ctx, id, func(sess *vectorlayer.Session, l *vectorlayer.Layer) error {
		f, err := l.FieldCreate(def.Keyname, def.DisplayName, def.Datatype)
		if err != nil {
			return err
		}
		if err := sess.Flush(); err != nil {
			return err
		}
		item = &FieldItem{ID: f.ID, Keyname: f.Keyname, DisplayName: f.DisplayName, Datatype: f.Datatype, GridVisibility: f.GridVisibility}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return item, nil
}

// DeleteField 删除字段
func (s *VectorLayerService) DeleteField(ctx context.Context, id uint, keyname string) error {
	return s.withLayer(ctx, id, func(_ *vectorlayer.Session, l *vectorlayer.Layer) error {
		return l.FieldDelete(keyname)
	})
}

// RenameField 修改字段 keyname 或显示名称
func (s *VectorLayerService) RenameField(ctx context.Context, id uint, keyname, newKeyname, newDisplayName string) error {
	return s.withLayer(ctx, id, func(_ *vectorlayer.Session, l *vectorlayer.Layer) error {
		return l.FieldRename(keyname, newKeyname, newDisplayName)
	})
}

// isPathSafe 检查路径是否在 DataRoot 之下
func (s *VectorLayerService) isPathSafe(path string) bool {
	if s.DataRoot == "" {
		return true
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(s.DataRoot, absPath)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
