package vectorlayer

import "context"

// Permission 图层能力检查的类型
type Permission string

const (
	DataRead       Permission = "data.read"
	DataWrite      Permission = "data.write"
	StructureRead  Permission = "structure.read"
	StructureWrite Permission = "structure.write"
)

// Gate 权限组件提供的能力检查，本包只调用不实现
type Gate interface {
	Allowed(ctx context.Context, layer *Layer, perm Permission) bool
}

// AllowAll 不做任何限制的 Gate
type AllowAll struct{}

func (AllowAll) Allowed(context.Context, *Layer, Permission) bool { return true }

// SRSResolver 空间参考服务：判断 SRID 是否存在、是否为地理坐标系
type SRSResolver interface {
	IsGeographic(ctx context.Context, srid int) (bool, error)
}

// StorageReserver 存储配额服务，批量导入后上报估算的数据大小
type StorageReserver interface {
	Reserve(ctx context.Context, layerID uint, bytes int64) error
}

type noopStorage struct{}

func (noopStorage) Reserve(context.Context, uint, int64) error { return nil }
