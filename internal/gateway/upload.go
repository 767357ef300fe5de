package gateway

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nix-hub/nix-hub/internal/artifact"
	"github.com/nix-hub/nix-hub/internal/backend"
)

// uploadPool 给后台写回上传设定预算：同时进行的 UploadTask 数量由
// 信号量约束，预算耗尽时直接放弃本次写回而不是无界堆积。上传任务
// 独立于客户端存活，但受总超时约束，不会跨越进程生命周期。
type uploadPool struct {
	store   backend.Store
	logger  *logrus.Logger
	slots   chan struct{}
	timeout time.Duration
}

func newUploadPool(store backend.Store, logger *logrus.Logger, max int, timeout time.Duration) *uploadPool {
	return &uploadPool{
		store:   store,
		logger:  logger,
		slots:   make(chan struct{}, max),
		timeout: timeout,
	}
}

// tryAcquire 非阻塞申请一个上传名额。
func (p *uploadPool) tryAcquire() bool {
	select {
	case p.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// run 执行一次写回上传并释放名额。body 来自广播流的独立游标：
// 客户端断开不影响本游标；上游中断会以读错误形式到达，存储层随即
// 中止上传，不留半成品。失败只记日志，绝不回传给客户端。
func (p *uploadPool) run(key artifact.Key, body io.ReadCloser, size int64) {
	defer func() { <-p.slots }()
	defer body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	started := time.Now()
	fields := logrus.Fields{
		"action": "upload",
		"key":    key.RequestPath(),
		"kind":   string(key.Kind),
	}

	if err := p.store.Put(ctx, key, body, size); err != nil {
		p.logger.WithFields(fields).
			WithField("elapsed_ms", time.Since(started).Milliseconds()).
			WithError(err).
			Error("upload_failed")
		return
	}

	p.logger.WithFields(fields).
		WithField("elapsed_ms", time.Since(started).Milliseconds()).
		Info("upload_complete")
}
