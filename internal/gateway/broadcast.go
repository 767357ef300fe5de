package gateway

import (
	"errors"
	"io"
	"sync"
)

// errStreamAbandoned 表示所有订阅者都已离开，生产者应停止泵送。
var errStreamAbandoned = errors.New("stream abandoned: no subscribers left")

// errSubscriberClosed 表示订阅句柄已被关闭后仍被读取。
var errSubscriberClosed = errors.New("subscriber closed")

// stream is a single-producer, multi-subscriber byte stream with a
// bounded retention window. The producer appends chunks; each
// subscriber reads through its own cursor at its own pace. Chunks are
// reclaimed only once every cursor has advanced past them, and the
// producer blocks whenever it is more than window bytes ahead of the
// slowest subscriber. Nothing is ever buffered beyond window bytes
// plus one write.
type stream struct {
	mu   sync.Mutex
	cond *sync.Cond

	window int64

	chunks [][]byte
	base   int64 // absolute offset of chunks[0]
	length int64 // absolute offset of the stream end

	subs      map[*subscriber]struct{}
	closed    bool
	err       error // terminal error; nil means clean end of stream
	reclaimed bool  // head chunk dropped, late subscription impossible
}

func newStream(window int64) *stream {
	s := &stream{
		window: window,
		subs:   make(map[*subscriber]struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// subscribe attaches a new cursor at the start of the stream. It fails
// once the head of the stream has been reclaimed: a late joiner could
// no longer observe the full content.
func (s *stream) subscribe() (*subscriber, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.reclaimed {
		return nil, false
	}
	sub := &subscriber{stream: s}
	s.subs[sub] = struct{}{}
	return sub, true
}

// Write appends a copy of p, blocking while the retention window is
// full. It fails with errStreamAbandoned once every subscriber has
// detached, so an unwatched fetch does not keep pumping bytes.
func (s *stream) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.closed {
			return 0, io.ErrClosedPipe
		}
		if len(s.subs) == 0 {
			return 0, errStreamAbandoned
		}
		if s.length-s.slowestLocked() < s.window {
			break
		}
		s.cond.Wait()
	}

	chunk := make([]byte, len(p))
	copy(chunk, p)
	s.chunks = append(s.chunks, chunk)
	s.length += int64(len(chunk))
	s.cond.Broadcast()
	return len(p), nil
}

// CloseWithError 终结字节流并唤醒所有等待方，包括被满窗口阻塞的
// 生产者。err 为 nil 表示完整结束，订阅者读尽后收到 io.EOF；否则
// 所有订阅者在读尽已缓冲内容后收到该错误，保证截断不会被静默当作
// 正常结束。返回值报告本次调用是否真正完成了终结（流尚未关闭）。
func (s *stream) CloseWithError(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	s.err = err
	s.cond.Broadcast()
	return true
}

// Close 表示生产者正常写完。
func (s *stream) Close() {
	s.CloseWithError(nil)
}

// slowestLocked 返回最慢订阅者的游标位置；无订阅者时返回流末尾。
func (s *stream) slowestLocked() int64 {
	slowest := s.length
	for sub := range s.subs {
		if sub.pos < slowest {
			slowest = sub.pos
		}
	}
	return slowest
}

// reclaimLocked 丢弃所有订阅者都已越过的块。
func (s *stream) reclaimLocked() {
	slowest := s.slowestLocked()
	for len(s.chunks) > 0 && s.base+int64(len(s.chunks[0])) <= slowest {
		s.base += int64(len(s.chunks[0]))
		s.chunks[0] = nil
		s.chunks = s.chunks[1:]
		s.reclaimed = true
	}
}

// subscriber 是流上的一个独立读取游标。
type subscriber struct {
	stream *stream
	pos    int64
	closed bool
}

// Read 实现 io.Reader：有数据时拷贝并推进游标，无数据时等待生产者；
// 到达流末尾时返回生产者的终结错误或 io.EOF。
func (r *subscriber) Read(p []byte) (int, error) {
	s := r.stream
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if r.closed {
			return 0, errSubscriberClosed
		}
		if r.pos < s.length {
			break
		}
		if s.closed {
			if s.err != nil {
				return 0, s.err
			}
			return 0, io.EOF
		}
		s.cond.Wait()
	}

	// 定位游标所在块并拷贝可用部分。
	offset := r.pos - s.base
	idx := 0
	for offset >= int64(len(s.chunks[idx])) {
		offset -= int64(len(s.chunks[idx]))
		idx++
	}
	n := copy(p, s.chunks[idx][offset:])
	r.pos += int64(n)

	s.reclaimLocked()
	s.cond.Broadcast()
	return n, nil
}

// Close 分离游标。必定被调用：消费方读完或中途放弃都要关闭，
// 否则生产者的窗口无法滑动。
func (r *subscriber) Close() error {
	s := r.stream
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	delete(s.subs, r)
	s.reclaimLocked()
	s.cond.Broadcast()
	return nil
}
