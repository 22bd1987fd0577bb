package bus

import (
	"context"
	"sync"
	"time"

	ierrors "github.com/nmxmxh/inhalteselektor/pkg/errors"
	"github.com/nmxmxh/inhalteselektor/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures the Redis Pub/Sub transport.
type RedisConfig = redis.Config

// RedisTransport carries frames over Redis Pub/Sub channels named after
// the bus address.
type RedisTransport struct {
	cfg    RedisConfig
	log    *zap.Logger
	client *redis.Client

	mu     sync.Mutex
	subs   []*goredis.PubSub
	wg     sync.WaitGroup
	closed bool
}

func NewRedisTransport(cfg RedisConfig, log *zap.Logger) *RedisTransport {
	return &RedisTransport{cfg: cfg, log: log.With(zap.String("transport", ProtocolRedis))}
}

func (t *RedisTransport) Protocol() string { return ProtocolRedis }

func (t *RedisTransport) Endpoint() string { return t.cfg.Addr() }

func (t *RedisTransport) Connect(ctx context.Context) error {
	client, err := redis.NewClient(ctx, t.cfg, t.log)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.client = client
	t.mu.Unlock()
	t.log.Info("connected to redis", zap.String("addr", t.cfg.Addr()))
	return nil
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, frame []byte) error {
	client, err := t.ready()
	if err != nil {
		return err
	}
	return client.Publish(ctx, topic, frame).Err()
}

// Subscribe waits for the subscription to be confirmed before returning so
// that a request published right after cannot race its reply listener.
func (t *RedisTransport) Subscribe(ctx context.Context, topic string, handler FrameHandler) error {
	client, err := t.ready()
	if err != nil {
		return err
	}
	pubsub := client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}

	t.mu.Lock()
	t.subs = append(t.subs, pubsub)
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for msg := range pubsub.Channel() {
			handler(context.Background(), []byte(msg.Payload))
		}
	}()
	return nil
}

func (t *RedisTransport) HealthCheck() HealthStatus {
	status := StatusUp
	client, err := t.ready()
	if err != nil {
		status = StatusDown
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if client.IsAvailable(ctx) != nil {
			status = StatusDown
		}
	}
	return HealthStatus{Status: status, Timestamp: time.Now()}
}

func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	client := t.client
	t.mu.Unlock()

	for _, s := range subs {
		if err := s.Close(); err != nil {
			t.log.Warn("failed to close redis subscription", zap.Error(err))
		}
	}
	t.wg.Wait()
	if client != nil {
		return client.Close()
	}
	return nil
}

func (t *RedisTransport) ready() (*redis.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ierrors.ErrTransportClosed
	}
	if t.client == nil {
		return nil, ierrors.New("redis transport not connected")
	}
	return t.client, nil
}
