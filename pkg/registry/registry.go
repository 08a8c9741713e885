package registry

import (
	"context"
	"errors"

	"github.com/hewenyu/mesh-gateway/pkg/model"
)

// Registry 定义服务注册表接口
type Registry interface {
	// Register 注册服务实例并返回新租约。
	// 同一实例ID已持有未过期租约时返回DuplicateInstance错误。
	Register(ctx context.Context, instance *model.ServiceInstance) (*model.Lease, error)

	// Renew 续约，延长租约过期时间。
	// 不存在有效租约时返回NotFound错误，调用方需要重新注册。
	Renew(ctx context.Context, instanceID string) (*model.Lease, error)

	// Deregister 注销服务实例
	Deregister(ctx context.Context, instanceID string) error

	// Snapshot 返回指定服务的实例快照，只包含UP状态的实例。
	// 快照是某一时刻的一致视图，调用方只读，不会观察到写入中途的状态。
	Snapshot(serviceName string) []model.ServiceInstance

	// Services 返回当前已注册的服务名称列表
	Services() []string

	// Instance 获取实例详情
	Instance(instanceID string) (*model.ServiceInstance, error)

	// Subscribe 订阅注册表变更事件，返回事件通道和取消函数。
	// 消费过慢时事件会被丢弃，不会阻塞注册表。
	Subscribe(buffer int) (<-chan model.ChangeEvent, func())

	// Close 释放注册表资源
	Close() error
}

// RegistryError 定义注册表操作可能返回的错误类型
type RegistryError struct {
	Code    int
	Message string
}

// Error 实现error接口
func (e *RegistryError) Error() string {
	return e.Message
}

// 定义错误代码
const (
	// ErrDuplicateInstance 实例已持有未过期租约
	ErrDuplicateInstance = iota + 1
	// ErrNotFound 实例或租约不存在
	ErrNotFound
	// ErrInvalidArgument 参数无效
	ErrInvalidArgument
	// ErrInternal 内部错误
	ErrInternal
)

// NewDuplicateInstanceError 创建实例重复注册错误
func NewDuplicateInstanceError(message string) *RegistryError {
	return &RegistryError{
		Code:    ErrDuplicateInstance,
		Message: message,
	}
}

// NewNotFoundError 创建实例不存在错误
func NewNotFoundError(message string) *RegistryError {
	return &RegistryError{
		Code:    ErrNotFound,
		Message: message,
	}
}

// NewInvalidArgumentError 创建参数无效错误
func NewInvalidArgumentError(message string) *RegistryError {
	return &RegistryError{
		Code:    ErrInvalidArgument,
		Message: message,
	}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *RegistryError {
	return &RegistryError{
		Code:    ErrInternal,
		Message: message,
	}
}

// IsNotFound 判断错误是否为实例不存在
func IsNotFound(err error) bool {
	var re *RegistryError
	return errors.As(err, &re) && re.Code == ErrNotFound
}

// IsDuplicateInstance 判断错误是否为实例重复注册
func IsDuplicateInstance(err error) bool {
	var re *RegistryError
	return errors.As(err, &re) && re.Code == ErrDuplicateInstance
}
