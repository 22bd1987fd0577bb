package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	ierrors "github.com/nmxmxh/inhalteselektor/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPConfig configures the AMQP transport. Frames are published to a
// direct exchange with the address as routing key; every subscription owns
// an exclusive auto-delete queue bound to that key.
type AMQPConfig struct {
	URL         string
	Exchange    string
	ConsumerTag string
}

type AMQPTransport struct {
	cfg AMQPConfig
	log *zap.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	wg      sync.WaitGroup
	closed  bool
}

func NewAMQPTransport(cfg AMQPConfig, log *zap.Logger) *AMQPTransport {
	if cfg.Exchange == "" {
		cfg.Exchange = "appsist"
	}
	return &AMQPTransport{cfg: cfg, log: log.With(zap.String("transport", ProtocolAMQP))}
}

func (a *AMQPTransport) Protocol() string { return ProtocolAMQP }

func (a *AMQPTransport) Endpoint() string { return a.cfg.URL }

func (a *AMQPTransport) Connect(_ context.Context) error {
	conn, err := amqp.Dial(a.cfg.URL)
	if err != nil {
		return fmt.Errorf("AMQP connect error: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("AMQP channel error: %w", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		conn.Close()
		return fmt.Errorf("AMQP exchange declare error: %w", err)
	}

	a.mu.Lock()
	a.conn = conn
	a.channel = ch
	a.mu.Unlock()
	a.log.Info("connected to broker", zap.String("exchange", a.cfg.Exchange))
	return nil
}

func (a *AMQPTransport) Publish(ctx context.Context, topic string, frame []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.readyLocked(); err != nil {
		return err
	}
	return a.channel.PublishWithContext(
		ctx,
		a.cfg.Exchange,
		topic,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        frame,
			Timestamp:   time.Now(),
		},
	)
}

func (a *AMQPTransport) Subscribe(_ context.Context, topic string, handler FrameHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.readyLocked(); err != nil {
		return err
	}
	q, err := a.channel.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("AMQP queue declare error: %w", err)
	}
	if err := a.channel.QueueBind(q.Name, topic, a.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("AMQP queue bind error: %w", err)
	}
	deliveries, err := a.channel.Consume(
		q.Name,
		a.cfg.ConsumerTag+"."+q.Name,
		true, // auto-ack
		true, // exclusive
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("AMQP consume error: %w", err)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for d := range deliveries {
			handler(context.Background(), d.Body)
		}
	}()
	return nil
}

func (a *AMQPTransport) HealthCheck() HealthStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	status := StatusUp
	if a.conn == nil || a.conn.IsClosed() {
		status = StatusDown
	}
	return HealthStatus{Status: status, Timestamp: time.Now()}
}

func (a *AMQPTransport) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	ch, conn := a.channel, a.conn
	a.mu.Unlock()

	if ch != nil {
		if err := ch.Close(); err != nil {
			a.log.Warn("channel close error", zap.Error(err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			a.log.Warn("connection close error", zap.Error(err))
		}
	}
	a.wg.Wait()
	return nil
}

func (a *AMQPTransport) readyLocked() error {
	if a.closed {
		return ierrors.ErrTransportClosed
	}
	if a.channel == nil {
		return ierrors.New("amqp transport not connected")
	}
	return nil
}
