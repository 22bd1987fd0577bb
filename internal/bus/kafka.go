package bus

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	ierrors "github.com/nmxmxh/inhalteselektor/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaConfig configures the Kafka transport. Each subscription reads with
// its own consumer group, so every instance sees every frame of a topic.
type KafkaConfig struct {
	Brokers []string
	GroupID string
}

type KafkaTransport struct {
	cfg    KafkaConfig
	log    *zap.Logger
	writer *kafka.Writer

	mu      sync.Mutex
	readers []*kafka.Reader
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
}

func NewKafkaTransport(cfg KafkaConfig, log *zap.Logger) *KafkaTransport {
	if cfg.GroupID == "" {
		cfg.GroupID = "ihs"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &KafkaTransport{
		cfg: cfg,
		log: log.With(zap.String("transport", ProtocolKafka)),
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
			BatchTimeout:           10 * time.Millisecond,
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

func (a *KafkaTransport) Protocol() string { return ProtocolKafka }

func (a *KafkaTransport) Endpoint() string { return strings.Join(a.cfg.Brokers, ",") }

// Connect dials the first broker once to fail fast on a bad address;
// kafka-go otherwise connects lazily.
func (a *KafkaTransport) Connect(ctx context.Context) error {
	if len(a.cfg.Brokers) == 0 {
		return ierrors.New("kafka transport has no brokers")
	}
	conn, err := kafka.DialContext(ctx, "tcp", a.cfg.Brokers[0])
	if err != nil {
		return err
	}
	return conn.Close()
}

func (a *KafkaTransport) Publish(ctx context.Context, topic string, frame []byte) error {
	a.mu.Lock()
	closed := a.closed
	a.mu.Unlock()
	if closed {
		return ierrors.ErrTransportClosed
	}
	return a.writer.WriteMessages(ctx, kafka.Message{Topic: kafkaTopic(topic), Value: frame})
}

func (a *KafkaTransport) Subscribe(_ context.Context, topic string, handler FrameHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ierrors.ErrTransportClosed
	}
	name := kafkaTopic(topic)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     a.cfg.Brokers,
		Topic:       name,
		GroupID:     a.cfg.GroupID + "." + name,
		StartOffset: kafka.LastOffset,
	})
	a.readers = append(a.readers, reader)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			m, err := reader.ReadMessage(a.ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
					return
				}
				a.log.Warn("read error", zap.String("topic", name), zap.Error(err))
				select {
				case <-a.ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			handler(a.ctx, m.Value)
		}
	}()
	return nil
}

func (a *KafkaTransport) HealthCheck() HealthStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	status := StatusUp
	if a.closed {
		status = StatusDown
	}
	stats := a.writer.Stats()
	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Metrics: Metrics{
			MessagesSent: stats.Messages,
			Errors:       stats.Errors,
		},
	}
}

func (a *KafkaTransport) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	readers := a.readers
	a.mu.Unlock()

	a.cancel()
	for _, r := range readers {
		if err := r.Close(); err != nil {
			a.log.Warn("reader close error", zap.Error(err))
		}
	}
	a.wg.Wait()
	return a.writer.Close()
}

// kafkaTopic maps an address onto the legal Kafka topic alphabet
// [a-zA-Z0-9._-].
func kafkaTopic(address string) string {
	return sanitizeTopic(address, func(r rune) bool {
		return isAlnum(r) || r == '.' || r == '_' || r == '-'
	}, '.')
}
