package gateway

import (
	"context"
	"sync"
	"sync/atomic"
)

// flight 代表一个键上正在进行的解析（InFlightResolution）。同一键
// 任意时刻至多存在一个 flight；只有在上一个 flight 的取数与写回
// 均已结束之后才会产生新的 flight。已挂接的订阅者可以在 flight
// 移除后继续读尽缓冲内容。
type flight struct {
	key string

	// ready 在结果确定后关闭；之后 source/size/stream/err 不再变化。
	ready chan struct{}
	// done 在条目从表中移除后关闭，等待者可据此重新发起解析。
	done chan struct{}

	source string
	size   int64
	str    *stream
	err    error

	followers atomic.Int32
}

// serve 记录成功结果并放行所有等待者。
func (f *flight) serve(source string, size int64, str *stream) {
	f.source = source
	f.size = size
	f.str = str
	close(f.ready)
}

// fail 记录终结错误（NotFound 或上游失败）并放行所有等待者。
func (f *flight) fail(err error) {
	f.err = err
	close(f.ready)
}

// table deduplicates concurrent resolutions per artifact key. Entry
// creation and removal are atomic under one mutex; the mutex is never
// held while streaming, so unrelated keys do not serialize.
type table struct {
	mu      sync.Mutex
	flights map[string]*flight
}

func newTable() *table {
	return &table{flights: make(map[string]*flight)}
}

// acquire returns the flight for key and whether the caller is the
// leader. Exactly one caller per resolution epoch becomes leader; all
// others get the existing flight to follow.
func (t *table) acquire(key string) (*flight, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.flights[key]; ok {
		existing.followers.Add(1)
		return existing, false
	}

	f := &flight{
		key:   key,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	t.flights[key] = f
	return f, true
}

// remove 终结 flight：从表中摘除并关闭 done，解除等待者的阻塞。
// 只能由 leader 的收尾逻辑调用一次。
func (t *table) remove(f *flight) {
	t.mu.Lock()
	delete(t.flights, f.key)
	t.mu.Unlock()
	close(f.done)
}

// inflight 返回当前活跃的解析数量，仅用于诊断。
func (t *table) inflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.flights)
}

// follow waits for the leader's outcome and attaches to its stream. The
// boolean reports whether the flight yielded a usable result: false
// means the stream could no longer be joined (its head was already
// reclaimed) and the caller should re-acquire once the flight is done.
func (f *flight) follow(ctx context.Context) (*Delivery, bool, error) {
	select {
	case <-f.ready:
	case <-ctx.Done():
		return nil, true, ctx.Err()
	}

	if f.err != nil {
		return nil, true, f.err
	}

	sub, ok := f.str.subscribe()
	if !ok {
		select {
		case <-f.done:
		case <-ctx.Done():
			return nil, true, ctx.Err()
		}
		return nil, false, nil
	}

	return &Delivery{
		Source:    f.source,
		Size:      f.size,
		Coalesced: true,
		Body:      sub,
	}, true, nil
}
