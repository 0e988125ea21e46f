// ============================================================================
// fairshare JetStream 訊息代理
// ============================================================================
//
// Package: internal/broker
// 文件: jetstream.go
//
// 職責說明：
// 1. 每個 stream 對應一個 JetStream stream（subject = <prefix>.<stream>），
//    WorkQueue 保留策略：確認後即刪除
// 2. 每個群組對應一個 durable pull consumer，第一次 ReadGroup 時建立；
//    WorkQueue 只允許一個群組消費同一 stream
// 3. Fetch 最多等待 block；取回的訊息暫存在 inflight，Ack 時以序號找回
// 4. Len 以 stream 目前的訊息數作為積壓量
//
// ============================================================================

package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v4"
)

// JetStreamConfig JetStream 代理設定
type JetStreamConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	StreamPrefix  string        `yaml:"stream_prefix"`
	AckWait       time.Duration `yaml:"ack_wait"`
	MaxDeliver    int           `yaml:"max_deliver"`
	Replicas      int           `yaml:"replicas"`
	MemoryStorage bool          `yaml:"memory_storage"`
}

func (c *JetStreamConfig) applyDefaults() {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "fairshare"
	}
	if c.StreamPrefix == "" {
		c.StreamPrefix = "FAIRSHARE"
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultVisibilityTimeout
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = -1
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
}

// JetStream NATS JetStream 訊息代理
type JetStream struct {
	nc      *nats.Conn
	ownConn bool
	js      jetstream.JetStream
	cfg     JetStreamConfig

	mu        sync.Mutex // 序列化 stream / consumer 的建立
	streams   *xsync.Map[string, jetstream.Stream]
	consumers *xsync.Map[string, jetstream.Consumer]
	inflight  *xsync.Map[string, jetstream.Msg]
	closeOnce sync.Once
	closed    chan struct{}
}

// ConnectJetStream 連線到 cfg.URL 並建立代理；Close 時一併關閉連線
func ConnectJetStream(cfg JetStreamConfig) (*JetStream, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url,
		nats.Name("fairshare"),
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats %s: %w", url, err)
	}
	b, err := NewJetStream(nc, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	b.ownConn = true
	return b, nil
}

// NewJetStream 使用既有連線建立代理
func NewJetStream(nc *nats.Conn, cfg JetStreamConfig) (*JetStream, error) {
	cfg.applyDefaults()
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}
	return &JetStream{
		nc:        nc,
		js:        js,
		cfg:       cfg,
		streams:   xsync.NewMap[string, jetstream.Stream](),
		consumers: xsync.NewMap[string, jetstream.Consumer](),
		inflight:  xsync.NewMap[string, jetstream.Msg](),
		closed:    make(chan struct{}),
	}, nil
}

func (b *JetStream) subject(stream string) string {
	return b.cfg.SubjectPrefix + "." + stream
}

func (b *JetStream) streamName(stream string) string {
	return sanitize(b.cfg.StreamPrefix + "_" + stream)
}

func (b *JetStream) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

func (b *JetStream) ensureStream(ctx context.Context, stream string) (jetstream.Stream, error) {
	if s, ok := b.streams.Load(stream); ok {
		return s, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.streams.Load(stream); ok {
		return s, nil
	}

	storage := jetstream.FileStorage
	if b.cfg.MemoryStorage {
		storage = jetstream.MemoryStorage
	}
	s, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      b.streamName(stream),
		Subjects:  []string{b.subject(stream)},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   storage,
		Replicas:  b.cfg.Replicas,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stream %s: %w", stream, err)
	}
	b.streams.Store(stream, s)
	return s, nil
}

func (b *JetStream) ensureConsumer(ctx context.Context, stream, group string) (jetstream.Consumer, error) {
	key := stream + "/" + group
	if c, ok := b.consumers.Load(key); ok {
		return c, nil
	}
	if _, err := b.ensureStream(ctx, stream); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.consumers.Load(key); ok {
		return c, nil
	}

	durable := sanitize(group)
	c, err := b.js.CreateOrUpdateConsumer(ctx, b.streamName(stream), jetstream.ConsumerConfig{
		Name:          durable,
		Durable:       durable,
		FilterSubject: b.subject(stream),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.cfg.AckWait,
		MaxDeliver:    b.cfg.MaxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group %s on %s: %w", group, stream, err)
	}
	b.consumers.Store(key, c)
	return c, nil
}

func (b *JetStream) Append(ctx context.Context, stream string, data []byte) (string, error) {
	if b.isClosed() {
		return "", ErrClosed
	}
	if _, err := b.ensureStream(ctx, stream); err != nil {
		return "", err
	}
	ack, err := b.js.Publish(ctx, b.subject(stream), data)
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", stream, err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

// ReadGroup 沒有訊息時最多等待 block 後回傳空批次
//
// consumer 名稱只用於紀錄；JetStream 的 pull consumer 本身就是競爭消費者。
func (b *JetStream) ReadGroup(ctx context.Context, stream, group, _ string, count int, block time.Duration) ([]Message, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	if count <= 0 {
		count = 1
	}
	if block <= 0 {
		block = 100 * time.Millisecond
	}
	cons, err := b.ensureConsumer(ctx, stream, group)
	if err != nil {
		return nil, err
	}

	batch, err := cons.Fetch(count, jetstream.FetchMaxWait(block))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from %s: %w", stream, err)
	}

	out := make([]Message, 0, count)
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			_ = msg.Nak()
			continue
		}
		id := strconv.FormatUint(meta.Sequence.Stream, 10)
		b.inflight.Store(inflightKey(stream, group, id), msg)
		out = append(out, Message{
			ID:         id,
			Stream:     stream,
			Data:       msg.Data(),
			Deliveries: int(meta.NumDelivered),
		})
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		if len(out) == 0 {
			return nil, fmt.Errorf("fetch from %s: %w", stream, err)
		}
	}
	return out, nil
}

func (b *JetStream) Ack(ctx context.Context, stream, group, id string) error {
	msg, ok := b.inflight.LoadAndDelete(inflightKey(stream, group, id))
	if !ok {
		return ErrUnknownMessage
	}
	if err := msg.DoubleAck(ctx); err != nil {
		return fmt.Errorf("failed to ack %s/%s: %w", stream, id, err)
	}
	return nil
}

func (b *JetStream) Len(ctx context.Context, stream string) (int, error) {
	s, err := b.ensureStream(ctx, stream)
	if err != nil {
		return 0, err
	}
	info, err := s.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read stream info %s: %w", stream, err)
	}
	return int(info.State.Msgs), nil
}

func (b *JetStream) Close() error {
	b.closeOnce.Do(func() {
		close(b.closed)
		if b.ownConn {
			b.nc.Close()
		}
	})
	return nil
}

func inflightKey(stream, group, id string) string {
	return stream + "/" + group + "/" + id
}

// sanitize JetStream 名稱不可含 . * > 與空白
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '/', '\\':
			return '_'
		}
		return r
	}, name)
}
