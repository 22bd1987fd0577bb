package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	ierrors "github.com/nmxmxh/inhalteselektor/pkg/errors"
	"go.uber.org/zap"
)

// Transport moves encoded frames between processes. Implementations exist
// for an in-process hub, Redis Pub/Sub, AMQP, MQTT and Kafka.
type Transport interface {
	Protocol() string
	Endpoint() string
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, frame []byte) error
	Subscribe(ctx context.Context, topic string, handler FrameHandler) error
	HealthCheck() HealthStatus
	Close() error
}

// FrameHandler receives one raw frame from a subscribed topic.
type FrameHandler func(ctx context.Context, frame []byte)

// subscriberCounter is implemented by transports that know whether anyone
// listens on a topic. Requests to an empty topic fail immediately.
type subscriberCounter interface {
	HasSubscribers(topic string) bool
}

// HealthStatus reports transport liveness.
type HealthStatus struct {
	Status    string    `json:"status"` // UP, DOWN
	Timestamp time.Time `json:"timestamp"`
	Metrics   Metrics   `json:"metrics"`
}

// Metrics counts traffic seen by a Bus.
type Metrics struct {
	MessagesSent     int64  `json:"messagesSent"`
	MessagesReceived int64  `json:"messagesReceived"`
	Errors           int64  `json:"errors"`
	LastError        string `json:"lastError,omitempty"`
}

const (
	StatusUp   = "UP"
	StatusDown = "DOWN"
)

// Supported transport names.
const (
	ProtocolLocal = "local"
	ProtocolRedis = "redis"
	ProtocolAMQP  = "amqp"
	ProtocolMQTT  = "mqtt"
	ProtocolKafka = "kafka"
)

// TransportConfig selects and configures one transport.
type TransportConfig struct {
	Protocol string
	Redis    RedisConfig
	AMQP     AMQPConfig
	MQTT     MQTTConfig
	Kafka    KafkaConfig
}

// NewTransport builds the transport named by cfg.Protocol. Connect is not called.
func NewTransport(cfg TransportConfig, log *zap.Logger) (Transport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch strings.ToLower(cfg.Protocol) {
	case "", ProtocolLocal:
		return NewLocalTransport(), nil
	case ProtocolRedis:
		return NewRedisTransport(cfg.Redis, log), nil
	case ProtocolAMQP:
		return NewAMQPTransport(cfg.AMQP, log), nil
	case ProtocolMQTT:
		return NewMQTTTransport(cfg.MQTT, log), nil
	case ProtocolKafka:
		return NewKafkaTransport(cfg.Kafka, log), nil
	default:
		return nil, fmt.Errorf("%q: %w", cfg.Protocol, ierrors.ErrUnknownTransport)
	}
}

// sanitizeTopic maps an address onto a transport's topic alphabet. Runes
// rejected by allowed are replaced with repl.
func sanitizeTopic(address string, allowed func(r rune) bool, repl rune) string {
	return strings.Map(func(r rune) rune {
		if allowed(r) {
			return r
		}
		return repl
	}, address)
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
