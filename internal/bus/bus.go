// Package bus provides address-based messaging with request/reply and
// broadcast publish on top of a pluggable Transport.
//
// A request frame carries a correlation id and the reply topic of the
// sending instance; responders publish their answer there and the waiting
// Request call picks it up by id.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	ierrors "github.com/nmxmxh/inhalteselektor/pkg/errors"
	"github.com/nmxmxh/inhalteselektor/pkg/json"
	"go.uber.org/zap"
)

var errNotStarted = errors.New("bus not started")

// Message is the frame exchanged on every transport.
type Message struct {
	ID        string            `json:"id"`
	Address   string            `json:"address"`
	ReplyTo   string            `json:"replyTo,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      json.RawMessage   `json:"body,omitempty"`
	Failure   string            `json:"failure,omitempty"`
	Timestamp int64             `json:"ts"`
}

// Handler answers a request. The returned bytes become the reply body; a
// returned error is sent back as a failure reply.
type Handler func(ctx context.Context, msg *Message) ([]byte, error)

// Listener consumes published messages. Nothing is sent back.
type Listener func(ctx context.Context, msg *Message)

// Option configures a Bus.
type Option func(*Bus)

// WithReplyPrefix sets the topic prefix for this instance's reply topic.
func WithReplyPrefix(prefix string) Option {
	return func(b *Bus) { b.replyPrefix = prefix }
}

// WithDefaultTimeout bounds requests whose context carries no deadline.
func WithDefaultTimeout(d time.Duration) Option {
	return func(b *Bus) { b.defaultTimeout = d }
}

// WithConnectTimeout bounds the total time Start spends retrying Connect.
func WithConnectTimeout(d time.Duration) Option {
	return func(b *Bus) { b.connectTimeout = d }
}

type Bus struct {
	transport      Transport
	log            *zap.Logger
	instanceID     string
	replyPrefix    string
	replyTopic     string
	defaultTimeout time.Duration
	connectTimeout time.Duration

	mu      sync.Mutex
	pending map[string]chan *Message
	started bool
	closed  bool
	done    chan struct{}

	inflight sync.WaitGroup
	sent     atomic.Int64
	received atomic.Int64
	errs     atomic.Int64
	lastErr  atomic.Value
}

// New wraps t. Start must be called before use.
func New(t Transport, log *zap.Logger, opts ...Option) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bus{
		transport:      t,
		log:            log.With(zap.String("module", "bus"), zap.String("transport", t.Protocol())),
		instanceID:     uuid.NewString(),
		replyPrefix:    "ihs.reply.",
		defaultTimeout: 30 * time.Second,
		connectTimeout: time.Minute,
		pending:        make(map[string]chan *Message),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.replyTopic = b.replyPrefix + b.instanceID
	return b
}

// Start connects the transport, retrying with exponential backoff, and
// subscribes to the reply topic.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ierrors.ErrTransportClosed
	}
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = b.connectTimeout
	err := backoff.RetryNotify(func() error {
		return b.transport.Connect(ctx)
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		b.log.Warn("transport connect failed, retrying", zap.Error(err), zap.Duration("retry_in", next))
	})
	if err != nil {
		return fmt.Errorf("connect %s transport: %w", b.transport.Protocol(), err)
	}

	if err := b.transport.Subscribe(ctx, b.replyTopic, b.onReply); err != nil {
		return fmt.Errorf("subscribe reply topic: %w", err)
	}

	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	b.log.Info("bus started",
		zap.String("endpoint", b.transport.Endpoint()),
		zap.String("reply_topic", b.replyTopic))
	return nil
}

// Request sends body to address and waits for the reply body.
func (b *Bus) Request(ctx context.Context, address string, body []byte, headers map[string]string) ([]byte, error) {
	if sc, ok := b.transport.(subscriberCounter); ok && !sc.HasSubscribers(address) {
		return nil, fmt.Errorf("%s: %w", address, ierrors.ErrNoHandler)
	}
	if _, ok := ctx.Deadline(); !ok && b.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.defaultTimeout)
		defer cancel()
	}

	msg := &Message{
		ID:        uuid.NewString(),
		Address:   address,
		ReplyTo:   b.replyTopic,
		Headers:   headers,
		Body:      rawBody(body),
		Timestamp: time.Now().UnixMilli(),
	}
	ch := make(chan *Message, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ierrors.ErrTransportClosed
	}
	if !b.started {
		b.mu.Unlock()
		return nil, errNotStarted
	}
	b.pending[msg.ID] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, msg.ID)
		b.mu.Unlock()
	}()

	if err := b.send(ctx, address, msg); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.Failure != "" {
			return nil, fmt.Errorf("%s: %s: %w", address, reply.Failure, ierrors.ErrRemoteFailure)
		}
		return reply.Body, nil
	case <-b.done:
		return nil, ierrors.ErrTransportClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", address, ierrors.ErrBackendTimeout)
		}
		return nil, ctx.Err()
	}
}

// Publish broadcasts body to every listener of address without waiting.
func (b *Bus) Publish(ctx context.Context, address string, body []byte, headers map[string]string) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ierrors.ErrTransportClosed
	}
	return b.send(ctx, address, &Message{
		ID:        uuid.NewString(),
		Address:   address,
		Headers:   headers,
		Body:      rawBody(body),
		Timestamp: time.Now().UnixMilli(),
	})
}

// Handle registers h as responder for address.
func (b *Bus) Handle(ctx context.Context, address string, h Handler) error {
	return b.transport.Subscribe(ctx, address, func(ctx context.Context, frame []byte) {
		msg, ok := b.decode(frame)
		if !ok {
			return
		}
		if !b.track() {
			return
		}
		defer b.inflight.Done()

		resp, err := h(ctx, msg)
		if msg.ReplyTo == "" {
			return
		}
		reply := &Message{
			ID:        msg.ID,
			Address:   msg.ReplyTo,
			Body:      rawBody(resp),
			Timestamp: time.Now().UnixMilli(),
		}
		if err != nil {
			reply.Failure = err.Error()
			reply.Body = nil
		}
		if err := b.send(ctx, msg.ReplyTo, reply); err != nil {
			b.log.Warn("failed to send reply", zap.String("address", address), zap.Error(err))
		}
	})
}

// Listen registers l for messages published to address.
func (b *Bus) Listen(ctx context.Context, address string, l Listener) error {
	return b.transport.Subscribe(ctx, address, func(ctx context.Context, frame []byte) {
		msg, ok := b.decode(frame)
		if !ok {
			return
		}
		if !b.track() {
			return
		}
		defer b.inflight.Done()
		l(ctx, msg)
	})
}

// Health combines the transport's status with the bus counters.
func (b *Bus) Health() HealthStatus {
	h := b.transport.HealthCheck()
	h.Metrics.MessagesSent += b.sent.Load()
	h.Metrics.MessagesReceived = b.received.Load()
	h.Metrics.Errors += b.errs.Load()
	if v, ok := b.lastErr.Load().(string); ok {
		h.Metrics.LastError = v
	}
	return h
}

// Protocol names the underlying transport.
func (b *Bus) Protocol() string { return b.transport.Protocol() }

// Close fails pending requests, waits for running handlers and closes the transport.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.inflight.Wait()
	return b.transport.Close()
}

func (b *Bus) track() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	b.inflight.Add(1)
	return true
}

func (b *Bus) send(ctx context.Context, topic string, msg *Message) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		b.recordErr(err)
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := b.transport.Publish(ctx, topic, frame); err != nil {
		b.recordErr(err)
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	b.sent.Add(1)
	return nil
}

func (b *Bus) onReply(_ context.Context, frame []byte) {
	msg, ok := b.decode(frame)
	if !ok {
		return
	}
	b.mu.Lock()
	ch, found := b.pending[msg.ID]
	b.mu.Unlock()
	if !found {
		b.log.Debug("dropping late or unknown reply", zap.String("id", msg.ID))
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (b *Bus) decode(frame []byte) (*Message, bool) {
	b.received.Add(1)
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		b.recordErr(err)
		b.log.Warn("dropping undecodable frame", zap.Error(err))
		return nil, false
	}
	return &msg, true
}

func (b *Bus) recordErr(err error) {
	b.errs.Add(1)
	b.lastErr.Store(err.Error())
}

// rawBody embeds body as-is when it is JSON and as a JSON string otherwise.
func rawBody(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, err := json.Marshal(string(body))
	if err != nil {
		return nil
	}
	return json.RawMessage(quoted)
}
