package backend

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nix-hub/nix-hub/internal/artifact"
)

// ErrNotFound 表示某一层级的所有源均没有该制品。
var ErrNotFound = errors.New("artifact not found")

// SizeUnknown 表示上游未给出 Content-Length。
const SizeUnknown int64 = -1

// Object 组合制品字节流与大小提示，便于调用方直接流式返回。
// Size 为 SizeUnknown 时表示长度未知。
type Object struct {
	Body io.ReadCloser
	Size int64
}

// TierError reports that a tier failed to answer: every source either
// errored or a mix of errors and misses occurred. Transient marks
// timeout/connection-class failures that are worth retrying; fatal
// failures (malformed responses, auth) leave it false.
type TierError struct {
	Tier      string
	Transient bool
	Err       error
}

func (e *TierError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s tier %s error: %v", e.Tier, kind, e.Err)
}

func (e *TierError) Unwrap() error {
	return e.Err
}

// IsTransient 报告错误是否为瞬时失败（超时、连接错误等）。
func IsTransient(err error) bool {
	var tierErr *TierError
	return errors.As(err, &tierErr) && tierErr.Transient
}

// Backend 是三个层级共享的读取能力。实现必须把 404 类结果映射为
// ErrNotFound，把源内部失败聚合为 *TierError。
type Backend interface {
	// Name 返回层级名，用于日志与响应头。
	Name() string

	// Fetch 按源顺序尝试获取制品，返回第一个命中的字节流。
	Fetch(ctx context.Context, key artifact.Key) (*Object, error)

	// Stat 返回制品大小而不拉取正文，用于 HEAD 检查。
	Stat(ctx context.Context, key artifact.Key) (int64, error)
}

// Store 在 Backend 之上增加写入能力，由对象存储层实现。
// Put 必须保证原子可见性：要么完整提交，要么对读取方不可见。
type Store interface {
	Backend

	// Put 将制品写入存储。size 为 SizeUnknown 时按流式分片上传。
	// 对同一 key 重复写入等价于一次写入。
	Put(ctx context.Context, key artifact.Key, body io.Reader, size int64) error

	// Delete 删除制品，键不存在时不视为错误。
	Delete(ctx context.Context, key artifact.Key) error
}
