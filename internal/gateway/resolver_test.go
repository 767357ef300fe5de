package gateway

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nix-hub/nix-hub/internal/artifact"
	"github.com/nix-hub/nix-hub/internal/backend"
)

var narKey = artifact.Key{Hash: "1bq93kfnqd2f3z7m9cgvnc4ckk4p0nszhbg9sfxqg7w0vfh8gdqs", Kind: artifact.KindNar, Compression: "xz"}

// fakeTier 以内存 map 模拟一个层级。bodies 允许为单个键注入自定义
// 字节流（例如 io.Pipe），用于控制传输节奏。
type fakeTier struct {
	name       string
	mu         sync.Mutex
	objects    map[string][]byte
	bodies     map[string]io.ReadCloser
	failWith   error
	fetchCalls atomic.Int32
	statCalls  atomic.Int32
}

func newFakeTier(name string) *fakeTier {
	return &fakeTier{
		name:    name,
		objects: map[string][]byte{},
		bodies:  map[string]io.ReadCloser{},
	}
}

func (f *fakeTier) Name() string { return f.name }

func (f *fakeTier) Fetch(ctx context.Context, key artifact.Key) (*backend.Object, error) {
	f.fetchCalls.Add(1)
	if f.failWith != nil {
		return nil, &backend.TierError{Tier: f.name, Transient: true, Err: f.failWith}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if body, ok := f.bodies[key.String()]; ok {
		return &backend.Object{Body: body, Size: backend.SizeUnknown}, nil
	}
	data, ok := f.objects[key.String()]
	if !ok {
		return nil, backend.ErrNotFound
	}
	return &backend.Object{Body: io.NopCloser(bytes.NewReader(data)), Size: int64(len(data))}, nil
}

func (f *fakeTier) Stat(ctx context.Context, key artifact.Key) (int64, error) {
	f.statCalls.Add(1)
	if f.failWith != nil {
		return 0, &backend.TierError{Tier: f.name, Transient: true, Err: f.failWith}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key.String()]
	if !ok {
		return 0, backend.ErrNotFound
	}
	return int64(len(data)), nil
}

func (f *fakeTier) set(key artifact.Key, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key.String()] = data
}

func (f *fakeTier) get(key artifact.Key) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key.String()]
	return data, ok
}

// fakeStore 在 fakeTier 基础上加可写能力。
type fakeStore struct {
	fakeTier
	putErr   error
	putCalls atomic.Int32
}

func newFakeStore() *fakeStore {
	s := &fakeStore{}
	s.name = "store"
	s.objects = map[string][]byte{}
	s.bodies = map[string]io.ReadCloser{}
	return s
}

func (s *fakeStore) Put(ctx context.Context, key artifact.Key, body io.Reader, size int64) error {
	s.putCalls.Add(1)
	data, err := io.ReadAll(body)
	if err != nil {
		// 上游中断：不留任何可见对象。
		return err
	}
	if s.putErr != nil {
		return s.putErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key.String()] = data
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, key artifact.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key.String())
	return nil
}

func discardLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestResolver(t *testing.T, opts Options) *Resolver {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.ResolveTimeout == 0 {
		opts.ResolveTimeout = 5 * time.Second
	}
	if opts.MaxUploads == 0 {
		opts.MaxUploads = 4
	}
	r, err := NewResolver(opts)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	return r
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never met: %s", what)
}

// streamSubscribers 返回某个键的在途流当前挂接的订阅者数量。
func streamSubscribers(r *Resolver, key string) int {
	r.flights.mu.Lock()
	f := r.flights.flights[key]
	r.flights.mu.Unlock()
	if f == nil {
		return 0
	}
	select {
	case <-f.ready:
	default:
		return 0
	}
	if f.str == nil {
		return 0
	}
	f.str.mu.Lock()
	defer f.str.mu.Unlock()
	return len(f.str.subs)
}

func readDelivery(t *testing.T, d *Delivery) []byte {
	t.Helper()
	defer d.Body.Close()
	data, err := io.ReadAll(d.Body)
	if err != nil {
		t.Fatalf("delivery read error: %v", err)
	}
	return data
}

func TestResolveMirrorHitSkipsLowerTiers(t *testing.T) {
	mirrors := newFakeTier("mirror")
	store := newFakeStore()
	origins := newFakeTier("origin")
	mirrors.set(narKey, []byte("mirror content"))

	r := newTestResolver(t, Options{Mirrors: mirrors, Store: store, Origins: origins})
	d, err := r.Resolve(context.Background(), narKey)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if d.Source != "mirror" {
		t.Fatalf("source mismatch: %s", d.Source)
	}
	if string(readDelivery(t, d)) != "mirror content" {
		t.Fatal("content mismatch")
	}
	if store.fetchCalls.Load() != 0 || origins.fetchCalls.Load() != 0 {
		t.Fatal("lower tiers must not be contacted on mirror hit")
	}
	if store.putCalls.Load() != 0 {
		t.Fatal("mirror hits must not trigger write-back")
	}
}

func TestResolveStoreHitSkipsOrigin(t *testing.T) {
	store := newFakeStore()
	origins := newFakeTier("origin")
	store.set(narKey, []byte("cached content"))

	r := newTestResolver(t, Options{Store: store, Origins: origins})
	d, err := r.Resolve(context.Background(), narKey)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if d.Source != "store" {
		t.Fatalf("source mismatch: %s", d.Source)
	}
	if string(readDelivery(t, d)) != "cached content" {
		t.Fatal("content mismatch")
	}
	if origins.fetchCalls.Load() != 0 {
		t.Fatal("origin must not be contacted on store hit")
	}
}

func TestResolveOriginHitStreamsAndPopulatesStore(t *testing.T) {
	store := newFakeStore()
	origins := newFakeTier("origin")
	payload := bytes.Repeat([]byte("origin-bytes"), 1024)
	origins.set(narKey, payload)

	r := newTestResolver(t, Options{Store: store, Origins: origins})
	d, err := r.Resolve(context.Background(), narKey)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if d.Source != "origin" {
		t.Fatalf("source mismatch: %s", d.Source)
	}
	if !bytes.Equal(readDelivery(t, d), payload) {
		t.Fatal("client content mismatch")
	}

	eventually(t, "write-back lands in the store tier", func() bool {
		data, ok := store.get(narKey)
		return ok && bytes.Equal(data, payload)
	})
	if origins.fetchCalls.Load() != 1 {
		t.Fatalf("origin fetch count mismatch: %d", origins.fetchCalls.Load())
	}
}

func TestResolveMirrorErrorsAbsorbedIntoFallback(t *testing.T) {
	mirrors := newFakeTier("mirror")
	mirrors.failWith = errors.New("mirror down")
	origins := newFakeTier("origin")
	origins.set(narKey, []byte("from origin"))

	r := newTestResolver(t, Options{Mirrors: mirrors, Origins: origins})
	d, err := r.Resolve(context.Background(), narKey)
	if err != nil {
		t.Fatalf("mirror failure must not fail the request: %v", err)
	}
	if string(readDelivery(t, d)) != "from origin" {
		t.Fatal("content mismatch")
	}
}

func TestResolveOriginNotFoundIsTerminal(t *testing.T) {
	r := newTestResolver(t, Options{Origins: newFakeTier("origin")})
	if _, err := r.Resolve(context.Background(), narKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	eventually(t, "flight table drains", func() bool { return r.Inflight() == 0 })
}

func TestResolveOriginFailureIsNotNotFound(t *testing.T) {
	origins := newFakeTier("origin")
	origins.failWith = errors.New("timeout")

	r := newTestResolver(t, Options{Origins: origins})
	_, err := r.Resolve(context.Background(), narKey)
	if !errors.Is(err, ErrUpstreamFailed) {
		t.Fatalf("expected ErrUpstreamFailed, got %v", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatal("timeouts must not masquerade as not-found")
	}
}

func TestResolveCoalescesConcurrentRequests(t *testing.T) {
	store := newFakeStore()
	origins := newFakeTier("origin")
	pr, pw := io.Pipe()
	origins.mu.Lock()
	origins.bodies[narKey.String()] = pr
	origins.mu.Unlock()

	r := newTestResolver(t, Options{Store: store, Origins: origins})

	leader, err := r.Resolve(context.Background(), narKey)
	if err != nil {
		t.Fatalf("leader resolve error: %v", err)
	}

	const followers = 3
	var wg sync.WaitGroup
	results := make([][]byte, followers)
	for i := range followers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := r.Resolve(context.Background(), narKey)
			if err != nil {
				t.Errorf("follower resolve error: %v", err)
				return
			}
			if !d.Coalesced {
				t.Error("expected a coalesced delivery")
			}
			results[i] = readDelivery(t, d)
		}()
	}

	// 等所有 follower 挂上广播流再送出正文，避免正文在挂接前就被
	// 读完回收。leader + 上传游标 + 3 个 follower 共 5 个订阅者。
	eventually(t, "followers attach to the flight", func() bool {
		return streamSubscribers(r, narKey.String()) == followers+2
	})
	payload := bytes.Repeat([]byte("shared"), 512)
	go func() {
		_, _ = pw.Write(payload)
		pw.Close()
	}()

	leaderData := readDelivery(t, leader)
	wg.Wait()

	if !bytes.Equal(leaderData, payload) {
		t.Fatal("leader content mismatch")
	}
	for i, data := range results {
		if !bytes.Equal(data, payload) {
			t.Fatalf("follower %d content mismatch (%d bytes)", i, len(data))
		}
	}
	if origins.fetchCalls.Load() != 1 {
		t.Fatalf("coalescing must yield exactly one origin fetch, got %d", origins.fetchCalls.Load())
	}

	eventually(t, "store receives the shared payload", func() bool {
		data, ok := store.get(narKey)
		return ok && bytes.Equal(data, payload)
	})
}

func TestResolveClientDisconnectDoesNotAbortUpload(t *testing.T) {
	store := newFakeStore()
	origins := newFakeTier("origin")
	pr, pw := io.Pipe()
	origins.mu.Lock()
	origins.bodies[narKey.String()] = pr
	origins.mu.Unlock()

	r := newTestResolver(t, Options{Store: store, Origins: origins})
	d, err := r.Resolve(context.Background(), narKey)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}

	payload := bytes.Repeat([]byte("durable"), 512)
	go func() {
		_, _ = pw.Write(payload)
		pw.Close()
	}()

	// 客户端只读一小段就断开。
	buf := make([]byte, 16)
	if _, err := io.ReadFull(d.Body, buf); err != nil {
		t.Fatalf("partial read error: %v", err)
	}
	d.Body.Close()

	eventually(t, "upload completes despite client disconnect", func() bool {
		data, ok := store.get(narKey)
		return ok && bytes.Equal(data, payload)
	})

	// 后续请求应直接命中存储层，不再回源。
	eventually(t, "flight table drains", func() bool { return r.Inflight() == 0 })
	second, err := r.Resolve(context.Background(), narKey)
	if err != nil {
		t.Fatalf("second resolve error: %v", err)
	}
	if second.Source != "store" {
		t.Fatalf("expected store hit, got %s", second.Source)
	}
	if !bytes.Equal(readDelivery(t, second), payload) {
		t.Fatal("round-trip content mismatch")
	}
	if origins.fetchCalls.Load() != 1 {
		t.Fatalf("origin must be fetched exactly once, got %d", origins.fetchCalls.Load())
	}
}

func TestResolveUploadFailureInvisibleToClient(t *testing.T) {
	store := newFakeStore()
	store.putErr = errors.New("bucket unavailable")
	origins := newFakeTier("origin")
	payload := bytes.Repeat([]byte("survives"), 256)
	origins.set(narKey, payload)

	r := newTestResolver(t, Options{Store: store, Origins: origins})
	d, err := r.Resolve(context.Background(), narKey)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if !bytes.Equal(readDelivery(t, d), payload) {
		t.Fatal("client must receive full content despite upload failure")
	}

	eventually(t, "flight table drains", func() bool { return r.Inflight() == 0 })
	if _, ok := store.get(narKey); ok {
		t.Fatal("no partial object may be visible after a failed upload")
	}
}

func TestResolveInterruptedOriginReportsStreamError(t *testing.T) {
	origins := newFakeTier("origin")
	pr, pw := io.Pipe()
	origins.mu.Lock()
	origins.bodies[narKey.String()] = pr
	origins.mu.Unlock()

	r := newTestResolver(t, Options{Origins: origins})
	d, err := r.Resolve(context.Background(), narKey)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}

	go func() {
		_, _ = pw.Write([]byte("incomplete"))
		pw.CloseWithError(errors.New("connection reset by peer"))
	}()

	_, readErr := io.ReadAll(d.Body)
	d.Body.Close()
	if !errors.Is(readErr, ErrInterrupted) {
		t.Fatalf("truncated delivery must be flagged, got %v", readErr)
	}
}

// endlessBody 是永不结束的上游正文，用于模拟超大归档。
type endlessBody struct{}

func (endlessBody) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

func TestResolveDeadlineTerminatesStalledFlight(t *testing.T) {
	origins := newFakeTier("origin")
	origins.mu.Lock()
	origins.bodies[narKey.String()] = io.NopCloser(endlessBody{})
	origins.mu.Unlock()

	r := newTestResolver(t, Options{
		Origins:        origins,
		ResolveTimeout: 200 * time.Millisecond,
		TeeWindowBytes: 1024,
	})

	d, err := r.Resolve(context.Background(), narKey)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	defer d.Body.Close()

	// 客户端读一小段后停住但不关闭：窗口填满，泵送方阻塞。
	buf := make([]byte, 512)
	if _, err := io.ReadFull(d.Body, buf); err != nil {
		t.Fatalf("partial read error: %v", err)
	}

	eventually(t, "stalled flight torn down after the resolve deadline", func() bool {
		return r.Inflight() == 0
	})

	// 残余缓冲读尽后必须收到截断错误，而不是正常 EOF。
	if _, err := io.ReadAll(d.Body); !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
}

func TestResolveNegativeCacheSkipsMirrorProbe(t *testing.T) {
	mirrors := newFakeTier("mirror")
	origins := newFakeTier("origin")
	origins.set(narKey, []byte("content"))

	r := newTestResolver(t, Options{
		Mirrors:     mirrors,
		Origins:     origins,
		NegativeTTL: time.Minute,
	})

	for range 2 {
		d, err := r.Resolve(context.Background(), narKey)
		if err != nil {
			t.Fatalf("resolve error: %v", err)
		}
		readDelivery(t, d)
		eventually(t, "flight table drains", func() bool { return r.Inflight() == 0 })
	}

	if mirrors.fetchCalls.Load() != 1 {
		t.Fatalf("second resolve must skip the mirror probe, got %d calls", mirrors.fetchCalls.Load())
	}
}

func TestResolveUploadBudgetExhaustedStillServesClient(t *testing.T) {
	store := newFakeStore()
	origins := newFakeTier("origin")
	payload := []byte("served anyway")
	origins.set(narKey, payload)

	r := newTestResolver(t, Options{Store: store, Origins: origins, MaxUploads: 1})
	// 占满唯一的上传名额。
	if !r.uploads.tryAcquire() {
		t.Fatal("failed to occupy the upload slot")
	}
	defer func() { <-r.uploads.slots }()

	d, err := r.Resolve(context.Background(), narKey)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if !bytes.Equal(readDelivery(t, d), payload) {
		t.Fatal("content mismatch")
	}

	eventually(t, "flight table drains", func() bool { return r.Inflight() == 0 })
	if store.putCalls.Load() != 0 {
		t.Fatal("exhausted budget must skip the write-back entirely")
	}
}

func TestCheckProbesTiersInOrder(t *testing.T) {
	mirrors := newFakeTier("mirror")
	store := newFakeStore()
	origins := newFakeTier("origin")
	store.set(narKey, []byte("12345"))

	r := newTestResolver(t, Options{Mirrors: mirrors, Store: store, Origins: origins})
	size, source, err := r.Check(context.Background(), narKey)
	if err != nil {
		t.Fatalf("check error: %v", err)
	}
	if source != "store" || size != 5 {
		t.Fatalf("check mismatch: source=%s size=%d", source, size)
	}
	if origins.statCalls.Load() != 0 {
		t.Fatal("origin must not be probed when the store has the key")
	}
}

func TestCheckMissEverywhere(t *testing.T) {
	r := newTestResolver(t, Options{Origins: newFakeTier("origin")})
	if _, _, err := r.Check(context.Background(), narKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
