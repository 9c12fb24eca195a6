package vectorlayer

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrFeatureNotFound 要素不存在，可用 errors.Is 判断
	ErrFeatureNotFound = errors.New("feature not found")
	// ErrFVersioningNotImplemented 当前操作在开启版本控制时不受支持
	ErrFVersioningNotImplemented = errors.New("operation is not supported while feature versioning is enabled")
	// ErrFVersioningDisabled 操作需要开启版本控制
	ErrFVersioningDisabled = errors.New("feature versioning is disabled")
	// ErrForbidden 权限检查未通过
	ErrForbidden = errors.New("insufficient permissions")
	// ErrTooManyOperations 一次提交中出现多个结构性变更，属于调用方的编程错误
	ErrTooManyOperations = errors.New("too many structural operations in a single flush")
	// ErrNoSession 图层没有绑定到会话
	ErrNoSession = errors.New("layer is not attached to a session")
)

// ValidationError 用户输入错误，在执行任何DML之前返回
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func validationf(format string, args ...interface{}) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// FeatureNotFoundError 指定ID的要素不存在
type FeatureNotFoundError struct {
	LayerID uint
	FID     int64
}

func (e *FeatureNotFoundError) Error() string {
	return fmt.Sprintf("feature #%d not found in layer #%d", e.FID, e.LayerID)
}

func (e *FeatureNotFoundError) Is(target error) bool { return target == ErrFeatureNotFound }

// RestoreNotDeletedError 要恢复的要素并未被删除
type RestoreNotDeletedError struct {
	LayerID uint
	FID     int64
}

func (e *RestoreNotDeletedError) Error() string {
	return fmt.Sprintf("feature #%d in layer #%d is not deleted", e.FID, e.LayerID)
}

// NotImplementedError 在当前图层配置下不支持的操作
type NotImplementedError struct {
	Op  string
	Err error
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NotImplementedError) Unwrap() error { return e.Err }

func fversioningNotImplemented(op string) error {
	return &NotImplementedError{Op: op, Err: ErrFVersioningNotImplemented}
}

// ExternalDatabaseError 数据库驱动返回的错误，统一包装后向上传递
type ExternalDatabaseError struct {
	// Code PostgreSQL SQLSTATE，非服务端错误时为空
	Code  string
	Cause error
}

func (e *ExternalDatabaseError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("external database error (%s): %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("external database error: %v", e.Cause)
}

func (e *ExternalDatabaseError) Unwrap() error { return e.Cause }

// wrapDBError 把驱动错误包装为 ExternalDatabaseError，已分类的错误原样返回
func wrapDBError(err error) error {
	if err == nil {
		return nil
	}
	var ext *ExternalDatabaseError
	var ve *ValidationError
	if errors.As(err, &ext) || errors.As(err, &ve) {
		return err
	}
	wrapped := &ExternalDatabaseError{Cause: err}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		wrapped.Code = pgErr.Code
	}
	return wrapped
}
