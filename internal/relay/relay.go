package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HoodyNetwork/hoody-agent-server-sub001/internal/event"
	"github.com/HoodyNetwork/hoody-agent-server-sub001/pkg/logger"
)

// Publisher 将编码后的事件投递到外部消息系统。
type Publisher interface {
	Name() string
	Publish(ctx context.Context, data []byte) error
	Close() error
}

// Relay 在后台协程中把事件转发给外部系统，Sink 永远不会阻塞事件的产生方。
type Relay struct {
	pub     Publisher
	queue   chan []byte
	timeout time.Duration
	log     *slog.Logger

	dropped   atomic.Int64
	published atomic.Int64

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// Option 定义 Relay 的可选配置。
type Option func(*Relay)

// WithBuffer 设置待转发队列长度。
func WithBuffer(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.queue = make(chan []byte, n)
		}
	}
}

// WithPublishTimeout 设置单次投递的超时时间。
func WithPublishTimeout(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// New 创建 Relay 并启动转发协程。
func New(pub Publisher, opts ...Option) *Relay {
	r := &Relay{
		pub:     pub,
		queue:   make(chan []byte, 1024),
		timeout: 3 * time.Second,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.log = logger.Named("relay").With("driver", pub.Name())
	go r.run()
	return r
}

// Sink 返回事件接收器，队列满时丢弃事件并计数。
func (r *Relay) Sink() event.Sink {
	return func(env event.Envelope) {
		data, err := env.Encode()
		if err != nil {
			r.log.Error("事件序列化失败", "type", env.Type, "error", err)
			return
		}
		r.mu.RLock()
		defer r.mu.RUnlock()
		if r.closed {
			return
		}
		select {
		case r.queue <- data:
		default:
			if r.dropped.Add(1)%100 == 1 {
				r.log.Warn("转发队列已满，丢弃事件", "type", env.Type, "dropped", r.dropped.Load())
			}
		}
	}
}

func (r *Relay) run() {
	defer close(r.done)
	for data := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.pub.Publish(ctx, data)
		cancel()
		if err != nil {
			r.log.Warn("事件转发失败", "error", err)
			continue
		}
		r.published.Add(1)
	}
}

// Stats 返回已转发与已丢弃的事件数量。
func (r *Relay) Stats() (published, dropped int64) {
	return r.published.Load(), r.dropped.Load()
}

// Close 停止接收事件，等待队列中的事件转发完毕后关闭底层连接。
func (r *Relay) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		_ = r.pub.Close()
		return fmt.Errorf("等待事件转发完成超时: %w", ctx.Err())
	}
	return r.pub.Close()
}
