package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	ierrors "github.com/nmxmxh/inhalteselektor/pkg/errors"
)

// LocalTransport is an in-process hub. Every subscriber of a topic receives
// every frame published to it, each delivery on its own goroutine.
type LocalTransport struct {
	mu       sync.RWMutex
	subs     map[string][]FrameHandler
	wg       sync.WaitGroup
	closed   atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	received atomic.Int64
}

// NewLocalTransport returns an empty hub.
func NewLocalTransport() *LocalTransport {
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalTransport{
		subs:   make(map[string][]FrameHandler),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (t *LocalTransport) Protocol() string { return ProtocolLocal }

func (t *LocalTransport) Endpoint() string { return "inproc" }

func (t *LocalTransport) Connect(_ context.Context) error {
	if t.closed.Load() {
		return ierrors.ErrTransportClosed
	}
	return nil
}

// Publish hands frame to all current subscribers of topic.
func (t *LocalTransport) Publish(_ context.Context, topic string, frame []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed.Load() {
		return ierrors.ErrTransportClosed
	}
	for _, h := range t.subs[topic] {
		data := append([]byte(nil), frame...)
		t.wg.Add(1)
		go func(h FrameHandler) {
			defer t.wg.Done()
			t.received.Add(1)
			h(t.ctx, data)
		}(h)
	}
	return nil
}

func (t *LocalTransport) Subscribe(_ context.Context, topic string, handler FrameHandler) error {
	if t.closed.Load() {
		return ierrors.ErrTransportClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[topic] = append(t.subs[topic], handler)
	return nil
}

// HasSubscribers reports whether anything listens on topic.
func (t *LocalTransport) HasSubscribers(topic string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs[topic]) > 0
}

func (t *LocalTransport) HealthCheck() HealthStatus {
	status := StatusUp
	if t.closed.Load() {
		status = StatusDown
	}
	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Metrics:   Metrics{MessagesReceived: t.received.Load()},
	}
}

// Close stops accepting frames and waits for in-flight deliveries.
func (t *LocalTransport) Close() error {
	t.mu.Lock()
	if !t.closed.CompareAndSwap(false, true) {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	t.cancel()
	t.wg.Wait()
	return nil
}
