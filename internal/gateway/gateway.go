// Package gateway holds the typed clients for the backends the service talks
// to over the bus: the knowledge store, the user model and the step channel.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nmxmxh/inhalteselektor/pkg/contextx"
	ierrors "github.com/nmxmxh/inhalteselektor/pkg/errors"
	"github.com/nmxmxh/inhalteselektor/pkg/metrics"
	"github.com/nmxmxh/inhalteselektor/pkg/tracing"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Requester sends a request and waits for its reply. *bus.Bus implements it.
type Requester interface {
	Request(ctx context.Context, address string, body []byte, headers map[string]string) ([]byte, error)
}

// Publisher broadcasts without waiting. *bus.Bus implements it.
type Publisher interface {
	Publish(ctx context.Context, address string, body []byte, headers map[string]string) error
}

// Config names the backend addresses and bounds each call.
type Config struct {
	Prefix         string        `mapstructure:"prefix"`
	Namespace      string        `mapstructure:"namespace"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
	SessionID      string        `mapstructure:"sessionId"`
	Token          string        `mapstructure:"token"`
}

// DefaultConfig matches the addresses the platform's services listen on.
func DefaultConfig() Config {
	return Config{
		Prefix:         "appsist:",
		Namespace:      "semwiki",
		RequestTimeout: 10 * time.Second,
		SessionID:      "sessionId",
		Token:          "token",
	}
}

func (c Config) KnowledgeStoreAddress() string { return c.Prefix + "requests:" + c.Namespace }

func (c Config) UserModelAddress() string {
	return c.Prefix + "service:usermodel#getUserInformation"
}

func (c Config) StepChannelAddress() string { return c.Prefix + "services:kvdconnection:stepid" }

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Prefix == "" {
		c.Prefix = d.Prefix
	}
	if c.Namespace == "" {
		c.Namespace = d.Namespace
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	return c
}

// Option configures a client.
type Option func(*settings)

type settings struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	breaker gobreaker.Settings
}

func WithLogger(log *zap.Logger) Option {
	return func(s *settings) {
		if log != nil {
			s.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithBreakerSettings replaces the circuit breaker settings. Name and
// OnStateChange are filled in per address.
func WithBreakerSettings(st gobreaker.Settings) Option {
	return func(s *settings) { s.breaker = st }
}

func newSettings(opts []Option) settings {
	s := settings{
		log: zap.NewNop(),
		breaker: gobreaker.Settings{
			MaxRequests: 3,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
		},
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// caller runs requests through one circuit breaker per address.
type caller struct {
	requester Requester
	timeout   time.Duration
	settings

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newCaller(r Requester, timeout time.Duration, s settings) *caller {
	return &caller{
		requester: r,
		timeout:   timeout,
		settings:  s,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *caller) breaker(address string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[address]; ok {
		return cb
	}
	st := c.settings.breaker
	st.Name = address
	log := c.log
	st.OnStateChange = func(name string, from, to gobreaker.State) {
		log.Warn("Circuit breaker state change", zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
	}
	cb := gobreaker.NewCircuitBreaker(st)
	c.breakers[address] = cb
	return cb
}

func (c *caller) request(ctx context.Context, address string, body []byte) ([]byte, error) {
	ctx, span := tracing.Tracer().Start(ctx, "bus.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("messaging.destination.name", address)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	headers := map[string]string{}
	if id := contextx.RequestID(ctx); id != "" {
		headers["requestId"] = id
	}
	if uid := contextx.UserID(ctx); uid != "" {
		headers["userId"] = uid
	}

	start := time.Now()
	out, err := c.breaker(address).Execute(func() (interface{}, error) {
		return c.requester.Request(ctx, address, body, headers)
	})
	c.metrics.ObserveBackend(address, backendStatus(err), time.Since(start))
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%s: %w: %w", address, ierrors.ErrBackendUnavailable, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	reply, _ := out.([]byte)
	span.SetAttributes(attribute.Int("messaging.message.body.size", len(reply)))
	return reply, nil
}

func backendStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ierrors.ErrBackendTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "open"
	default:
		return "error"
	}
}
