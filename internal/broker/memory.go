// ============================================================================
// fairshare 記憶體訊息代理
// ============================================================================
//
// Package: internal/broker
// 文件: memory.go
//
// 職責說明：
// 1. 行程內的 append-only 訊息流，每個群組有自己的讀取游標與待確認集合
// 2. 待確認訊息超過可見逾時 (visibility timeout) 後重新投遞
// 3. 所有群組都已越過的訊息會被裁掉
//
// ============================================================================

package broker

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

const DefaultVisibilityTimeout = 30 * time.Second

// Memory 記憶體訊息代理
type Memory struct {
	streams    *xsync.Map[string, *memStream]
	visibility time.Duration
	closed     chan struct{}
	closeOnce  sync.Once
	now        func() time.Time
}

type memEntry struct {
	seq  uint64
	data []byte
}

type memDelivery struct {
	consumer    string
	deliveredAt time.Time
	deliveries  int
}

type memGroup struct {
	next    uint64 // 下一筆要投遞的序號
	pending map[uint64]*memDelivery
}

type memStream struct {
	mu      sync.Mutex
	entries []memEntry // 依 seq 遞增
	lastSeq uint64
	groups  map[string]*memGroup
	notify  chan struct{} // Append 時關閉並換新，喚醒等待中的讀取者
}

func NewMemory(visibility time.Duration) *Memory {
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &Memory{
		streams:    xsync.NewMap[string, *memStream](),
		visibility: visibility,
		closed:     make(chan struct{}),
		now:        time.Now,
	}
}

func (m *Memory) stream(name string) *memStream {
	if s, ok := m.streams.Load(name); ok {
		return s
	}
	s, _ := m.streams.LoadOrStore(name, &memStream{
		groups: make(map[string]*memGroup),
		notify: make(chan struct{}),
	})
	return s
}

func (m *Memory) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *Memory) Append(_ context.Context, stream string, data []byte) (string, error) {
	if m.isClosed() {
		return "", ErrClosed
	}
	s := m.stream(stream)

	s.mu.Lock()
	s.lastSeq++
	seq := s.lastSeq
	s.entries = append(s.entries, memEntry{seq: seq, data: append([]byte(nil), data...)})
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()

	return strconv.FormatUint(seq, 10), nil
}

func (m *Memory) ReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]Message, error) {
	if count <= 0 {
		count = 1
	}
	s := m.stream(stream)
	deadline := time.NewTimer(block)
	defer deadline.Stop()

	for {
		if m.isClosed() {
			return nil, ErrClosed
		}

		s.mu.Lock()
		msgs := s.claim(stream, group, consumer, count, m.now(), m.visibility)
		wait := s.notify
		s.mu.Unlock()

		if len(msgs) > 0 || block <= 0 {
			return msgs, nil
		}

		// 等待新訊息、逾時重投或截止時間
		retry := time.NewTimer(m.visibility / 4)
		select {
		case <-ctx.Done():
			retry.Stop()
			return nil, ctx.Err()
		case <-m.closed:
			retry.Stop()
			return nil, ErrClosed
		case <-deadline.C:
			retry.Stop()
			return nil, nil
		case <-wait:
		case <-retry.C:
		}
		retry.Stop()
	}
}

// claim 先取逾時的待確認訊息，再取新訊息；呼叫端持有 s.mu
func (s *memStream) claim(stream, group, consumer string, count int, now time.Time, visibility time.Duration) []Message {
	g, ok := s.groups[group]
	if !ok {
		g = &memGroup{next: s.firstSeq(), pending: make(map[uint64]*memDelivery)}
		s.groups[group] = g
	}

	out := make([]Message, 0, count)
	for _, e := range s.entries {
		if len(out) >= count {
			return out
		}
		d, ok := g.pending[e.seq]
		if !ok || now.Sub(d.deliveredAt) < visibility {
			continue
		}
		d.consumer = consumer
		d.deliveredAt = now
		d.deliveries++
		out = append(out, s.message(stream, e, d.deliveries))
	}

	for _, e := range s.entries {
		if len(out) >= count {
			break
		}
		if e.seq < g.next {
			continue
		}
		g.pending[e.seq] = &memDelivery{consumer: consumer, deliveredAt: now, deliveries: 1}
		g.next = e.seq + 1
		out = append(out, s.message(stream, e, 1))
	}
	return out
}

func (s *memStream) message(stream string, e memEntry, deliveries int) Message {
	return Message{
		ID:         strconv.FormatUint(e.seq, 10),
		Stream:     stream,
		Data:       append([]byte(nil), e.data...),
		Deliveries: deliveries,
	}
}

func (s *memStream) firstSeq() uint64 {
	if len(s.entries) > 0 {
		return s.entries[0].seq
	}
	return s.lastSeq + 1
}

func (m *Memory) Ack(_ context.Context, stream, group, id string) error {
	seq, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return ErrUnknownMessage
	}
	s := m.stream(stream)

	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.groups[group]
	if !ok {
		return ErrUnknownMessage
	}
	if _, ok := g.pending[seq]; !ok {
		return ErrUnknownMessage
	}
	delete(g.pending, seq)
	s.compact()
	return nil
}

// compact 移除所有群組都已投遞且確認的訊息
func (s *memStream) compact() {
	if len(s.groups) == 0 {
		return
	}
	low := s.lastSeq + 1
	for _, g := range s.groups {
		if g.next < low {
			low = g.next
		}
		for seq := range g.pending {
			if seq < low {
				low = seq
			}
		}
	}
	i := 0
	for i < len(s.entries) && s.entries[i].seq < low {
		i++
	}
	if i > 0 {
		s.entries = append(s.entries[:0:0], s.entries[i:]...)
	}
}

// Len 積壓量：各群組中「未投遞 + 待確認」的最大值；沒有群組時為全部訊息數
func (m *Memory) Len(_ context.Context, stream string) (int, error) {
	s, ok := m.streams.Load(stream)
	if !ok {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.groups) == 0 {
		return len(s.entries), nil
	}
	backlog := 0
	for _, g := range s.groups {
		n := len(g.pending)
		if s.lastSeq >= g.next {
			n += int(s.lastSeq - g.next + 1)
		}
		if n > backlog {
			backlog = n
		}
	}
	return backlog, nil
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}
