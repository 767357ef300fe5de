package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nix-hub/nix-hub/internal/artifact"
)

// HTTPBackend 以 HTTP GET 语义访问一组有序的源地址，镜像层与权威层
// 复用同一实现，仅名称与源列表不同。
type HTTPBackend struct {
	name           string
	sources        []*url.URL
	client         *http.Client
	attemptTimeout time.Duration
}

// NewHTTPBackend 构造按序回退的 HTTP 层。urls 不允许为空串，顺序即
// 尝试顺序。attemptTimeout 约束单个源的响应时间（到响应头为止）。
func NewHTTPBackend(name string, urls []string, client *http.Client, attemptTimeout time.Duration) (*HTTPBackend, error) {
	if client == nil {
		return nil, errors.New("http client required")
	}
	if attemptTimeout <= 0 {
		return nil, errors.New("attempt timeout required")
	}

	sources := make([]*url.URL, 0, len(urls))
	for _, raw := range urls {
		parsed, err := url.Parse(strings.TrimSuffix(raw, "/"))
		if err != nil {
			return nil, fmt.Errorf("parse %s source %q: %w", name, raw, err)
		}
		sources = append(sources, parsed)
	}

	return &HTTPBackend{
		name:           name,
		sources:        sources,
		client:         client,
		attemptTimeout: attemptTimeout,
	}, nil
}

// Name 实现 Backend。
func (b *HTTPBackend) Name() string {
	return b.name
}

// Fetch 按顺序尝试每个源：404/403 视为未命中继续下一个；瞬时失败同样
// 继续，单个异常源不得阻塞回退。仅当全部源都未命中时才报告
// ErrNotFound；存在失败且无命中时聚合为 *TierError。
func (b *HTTPBackend) Fetch(ctx context.Context, key artifact.Key) (*Object, error) {
	var (
		attemptErrs []error
		transient   bool
	)

	for _, source := range b.sources {
		obj, err := b.fetchOne(ctx, source, key)
		switch {
		case err == nil:
			return obj, nil
		case errors.Is(err, ErrNotFound):
			continue
		default:
			attemptErrs = append(attemptErrs, err)
			if ctx.Err() != nil {
				// 调用方的截止时间已到，继续尝试其余源没有意义。
				return nil, &TierError{Tier: b.name, Transient: true, Err: errors.Join(attemptErrs...)}
			}
			if isTransientAttempt(err) {
				transient = true
			}
		}
	}

	if len(attemptErrs) == 0 {
		return nil, ErrNotFound
	}
	return nil, &TierError{Tier: b.name, Transient: transient, Err: errors.Join(attemptErrs...)}
}

// fetchOne 对单个源发起 GET。attemptTimeout 仅覆盖到响应头出现为止，
// 正文读取由调用方的总截止时间约束，避免大归档被中途掐断。
func (b *HTTPBackend) fetchOne(ctx context.Context, source *url.URL, key artifact.Key) (*Object, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	timer := time.AfterFunc(b.attemptTimeout, cancel)

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, source.JoinPath(key.RequestPath()).String(), nil)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		timer.Stop()
		cancel()
		return nil, fmt.Errorf("%s: %w", source.Host, err)
	}
	timer.Stop()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Object{
			Body: &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
			Size: resp.ContentLength,
		}, nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusForbidden:
		// 部分对象存储网关对缺失键返回 403，按未命中处理。
		drainAndClose(resp.Body)
		cancel()
		return nil, ErrNotFound
	default:
		drainAndClose(resp.Body)
		cancel()
		return nil, &statusError{source: source.Host, status: resp.StatusCode}
	}
}

// Stat 按顺序对每个源发起 HEAD，语义与 Fetch 相同。
func (b *HTTPBackend) Stat(ctx context.Context, key artifact.Key) (int64, error) {
	var (
		attemptErrs []error
		transient   bool
	)

	for _, source := range b.sources {
		size, err := b.statOne(ctx, source, key)
		switch {
		case err == nil:
			return size, nil
		case errors.Is(err, ErrNotFound):
			continue
		default:
			attemptErrs = append(attemptErrs, err)
			if isTransientAttempt(err) {
				transient = true
			}
			if ctx.Err() != nil {
				return 0, &TierError{Tier: b.name, Transient: true, Err: errors.Join(attemptErrs...)}
			}
		}
	}

	if len(attemptErrs) == 0 {
		return 0, ErrNotFound
	}
	return 0, &TierError{Tier: b.name, Transient: transient, Err: errors.Join(attemptErrs...)}
}

func (b *HTTPBackend) statOne(ctx context.Context, source *url.URL, key artifact.Key) (int64, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, b.attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodHead, source.JoinPath(key.RequestPath()).String(), nil)
	if err != nil {
		return 0, err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", source.Host, err)
	}
	drainAndClose(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.ContentLength, nil
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusForbidden:
		return 0, ErrNotFound
	default:
		return 0, &statusError{source: source.Host, status: resp.StatusCode}
	}
}

// statusError 记录非 2xx/404 的响应状态，按状态段区分瞬时与致命。
type statusError struct {
	source string
	status int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.source, e.status)
}

func (e *statusError) transient() bool {
	return e.status >= 500
}

func isTransientAttempt(err error) bool {
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.transient()
	}
	// 连接失败、超时等网络层错误一律按瞬时处理。
	return true
}

// cancelOnClose 把 attempt context 的生命周期绑定到正文流上。
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

// drainAndClose 读尽剩余正文以便复用连接。
func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4*1024))
	_ = body.Close()
}
