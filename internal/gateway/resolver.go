package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"github.com/nix-hub/nix-hub/internal/artifact"
	"github.com/nix-hub/nix-hub/internal/backend"
	"github.com/nix-hub/nix-hub/internal/logging"
)

var (
	// ErrNotFound 表示所有层级都没有该制品（权威层明确 404）。
	ErrNotFound = errors.New("artifact not found in any tier")
	// ErrUpstreamFailed 表示权威层全部源失败，区别于"不存在"。
	ErrUpstreamFailed = errors.New("origin tier failed")
	// ErrInterrupted 表示上游连接在传输中途断开，内容不完整。
	ErrInterrupted = errors.New("upstream stream interrupted")
)

// Delivery 是一次成功解析的结果：来源层级、大小提示与字节流。
// Body 必须被调用方关闭，即使中途放弃读取。
type Delivery struct {
	Source    string
	Size      int64
	Coalesced bool
	Body      io.ReadCloser
}

// Options 汇总 Resolver 的依赖与调参项。Origins 与 Logger 必填，
// Mirrors/Store 可为 nil 表示对应层级未配置。
type Options struct {
	Mirrors backend.Backend
	Store   backend.Store
	Origins backend.Backend
	Logger  *logrus.Logger

	ResolveTimeout time.Duration
	NegativeTTL    time.Duration
	TeeWindowBytes int64
	MaxUploads     int
}

// Resolver orchestrates the tiered fallback per request: Mirror →
// Store → Origin, short-circuiting on the first hit. Requests for the
// same key are coalesced so at most one backend chain runs per key;
// origin hits are teed into a background store upload.
type Resolver struct {
	mirrors backend.Backend
	store   backend.Store
	origins backend.Backend
	logger  *logrus.Logger

	flights *table
	misses  *gocache.Cache
	uploads *uploadPool

	resolveTimeout time.Duration
	window         int64
}

// NewResolver 构造解析引擎。
func NewResolver(opts Options) (*Resolver, error) {
	if opts.Origins == nil {
		return nil, errors.New("origin backend is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = 15 * time.Minute
	}
	if opts.TeeWindowBytes <= 0 {
		opts.TeeWindowBytes = 4 * 1024 * 1024
	}

	var misses *gocache.Cache
	if opts.NegativeTTL > 0 {
		misses = gocache.New(opts.NegativeTTL, 2*opts.NegativeTTL)
	}

	var uploads *uploadPool
	if opts.Store != nil && opts.MaxUploads > 0 {
		uploads = newUploadPool(opts.Store, opts.Logger, opts.MaxUploads, opts.ResolveTimeout)
	}

	return &Resolver{
		mirrors:        opts.Mirrors,
		store:          opts.Store,
		origins:        opts.Origins,
		logger:         opts.Logger,
		flights:        newTable(),
		misses:         misses,
		uploads:        uploads,
		resolveTimeout: opts.ResolveTimeout,
		window:         opts.TeeWindowBytes,
	}, nil
}

// Resolve 为一个制品键执行解析：成为 leader 则驱动层级回退，
// 否则挂接到已有 leader 的流上。无法挂接（流头部已被回收）时等待
// 当前解析终结后重新竞选。
func (r *Resolver) Resolve(ctx context.Context, key artifact.Key) (*Delivery, error) {
	id := key.String()
	for {
		f, leader := r.flights.acquire(id)
		if leader {
			return r.lead(ctx, f, key)
		}

		delivery, usable, err := f.follow(ctx)
		if err != nil {
			return nil, err
		}
		if usable {
			r.logger.WithFields(r.fields(key, delivery.Source, true)).
				WithFields(logrus.Fields{"action": "resolve", "followers": f.followers.Load()}).
				Debug("coalesced_delivery")
			return delivery, nil
		}
	}
}

// lead 运行 TryMirror → TryStore → TryOrigin 的回退链。镜像层与
// 存储层的失败一律吸收为继续回退；只有权威层耗尽才产生终结失败。
func (r *Resolver) lead(ctx context.Context, f *flight, key artifact.Key) (*Delivery, error) {
	// 取数与泵送使用脱离单个客户端的上下文：客户端断开不取消
	// leader 的回源，也不取消写回上传；总截止时间仍然兜底。
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.resolveTimeout)

	if r.mirrors != nil && !r.mirrorMissedRecently(key) {
		obj, err := r.mirrors.Fetch(fetchCtx, key)
		if err == nil {
			return r.serve(f, key, "mirror", obj, fetchCtx, cancel, false), nil
		}
		r.noteMirrorMiss(key)
		r.logTierMiss(key, "mirror", err)
	}

	if r.store != nil {
		obj, err := r.store.Fetch(fetchCtx, key)
		if err == nil {
			return r.serve(f, key, "store", obj, fetchCtx, cancel, false), nil
		}
		r.logTierMiss(key, "store", err)
	}

	obj, err := r.origins.Fetch(fetchCtx, key)
	if err == nil {
		return r.serve(f, key, "origin", obj, fetchCtx, cancel, true), nil
	}
	cancel()

	terminal := classifyOriginFailure(err)
	r.logger.WithFields(r.fields(key, "origin", false)).
		WithField("action", "resolve").
		WithError(err).
		Warn("resolve_exhausted")
	f.fail(terminal)
	r.flights.remove(f)
	return nil, terminal
}

// serve 建立广播流：leader 自己的游标先挂接，需要写回时再挂接
// 上传游标，然后才放行等待的 follower 并启动泵送。
func (r *Resolver) serve(f *flight, key artifact.Key, source string, obj *backend.Object, fetchCtx context.Context, cancel context.CancelFunc, writeBack bool) *Delivery {
	str := newStream(r.window)
	leaderSub, _ := str.subscribe()

	uploadDone := make(chan struct{})
	if writeBack && r.uploads != nil {
		if r.uploads.tryAcquire() {
			uploadSub, _ := str.subscribe()
			go func() {
				defer close(uploadDone)
				r.uploads.run(key, uploadSub, obj.Size)
			}()
		} else {
			close(uploadDone)
			r.logger.WithFields(r.fields(key, source, false)).
				WithField("action", "upload").
				Warn("upload_skipped_budget")
		}
	} else {
		close(uploadDone)
	}

	f.serve(source, obj.Size, str)

	// 看门狗：总解析截止时间到期时强制终结流。CloseWithError 会唤醒
	// 被满窗口阻塞的泵送方，确保停读的消费者无法让 flight 滞留在表中。
	pumpDone := make(chan struct{})
	go func() {
		select {
		case <-fetchCtx.Done():
			if str.CloseWithError(fmt.Errorf("%w: %v", ErrInterrupted, fetchCtx.Err())) {
				r.logger.WithFields(r.fields(key, source, false)).
					WithField("action", "stream").
					Warn("resolve_deadline_exceeded")
			}
		case <-pumpDone:
		}
	}()

	go func() {
		defer obj.Body.Close()

		err := pump(obj.Body, str)
		switch {
		case err == nil:
			str.Close()
		case errors.Is(err, errStreamAbandoned):
			// 所有消费方都已离开，静默停止。
			str.Close()
		case errors.Is(err, io.ErrClosedPipe):
			// 流已被看门狗终结并记录过，无需重复。
		default:
			str.CloseWithError(fmt.Errorf("%w: %v", ErrInterrupted, err))
			r.logger.WithFields(r.fields(key, source, false)).
				WithField("action", "stream").
				WithError(err).
				Warn("stream_interrupted")
		}
		close(pumpDone)

		<-uploadDone
		cancel()
		r.flights.remove(f)
	}()

	return &Delivery{Source: source, Size: obj.Size, Body: leaderSub}
}

// Check 按层级顺序探测制品是否存在，用于 HEAD 请求。语义与 Resolve
// 一致但不拉取正文、不参与合并。
func (r *Resolver) Check(ctx context.Context, key artifact.Key) (int64, string, error) {
	if r.mirrors != nil && !r.mirrorMissedRecently(key) {
		if size, err := r.mirrors.Stat(ctx, key); err == nil {
			return size, "mirror", nil
		}
	}
	if r.store != nil {
		if size, err := r.store.Stat(ctx, key); err == nil {
			return size, "store", nil
		}
	}

	size, err := r.origins.Stat(ctx, key)
	if err == nil {
		return size, "origin", nil
	}
	return 0, "", classifyOriginFailure(err)
}

// Inflight 返回当前活跃解析数，供诊断接口使用。
func (r *Resolver) Inflight() int {
	return r.flights.inflight()
}

func (r *Resolver) mirrorMissedRecently(key artifact.Key) bool {
	if r.misses == nil {
		return false
	}
	_, found := r.misses.Get(key.String())
	return found
}

func (r *Resolver) noteMirrorMiss(key artifact.Key) {
	if r.misses == nil {
		return
	}
	r.misses.SetDefault(key.String(), struct{}{})
}

func (r *Resolver) logTierMiss(key artifact.Key, tier string, err error) {
	entry := r.logger.WithFields(r.fields(key, tier, false)).WithField("action", "resolve")
	if errors.Is(err, backend.ErrNotFound) {
		entry.Debug("tier_miss")
		return
	}
	// 层级内部失败吸收为继续回退，但要留下痕迹。
	entry.WithError(err).Warn("tier_error_absorbed")
}

func (r *Resolver) fields(key artifact.Key, source string, coalesced bool) logrus.Fields {
	return logging.RequestFields(key.RequestPath(), string(key.Kind), source, coalesced)
}

func classifyOriginFailure(err error) error {
	if errors.Is(err, backend.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %v", ErrUpstreamFailed, err)
}

// pump 将上游正文逐块写入广播流。
func pump(src io.Reader, dst *stream) error {
	buf := make([]byte, 32*1024)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
	}
}
