package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	ierrors "github.com/nmxmxh/inhalteselektor/pkg/errors"
	"go.uber.org/zap"
)

// MQTTConfig configures the MQTT transport.
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QOS      int
	Timeout  time.Duration
}

type MQTTTransport struct {
	cfg    MQTTConfig
	log    *zap.Logger
	mu     sync.Mutex
	client mqtt.Client
	closed bool
}

func NewMQTTTransport(cfg MQTTConfig, log *zap.Logger) *MQTTTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &MQTTTransport{cfg: cfg, log: log.With(zap.String("transport", ProtocolMQTT))}
}

func (a *MQTTTransport) Protocol() string { return ProtocolMQTT }

func (a *MQTTTransport) Endpoint() string { return a.cfg.Broker }

func (a *MQTTTransport) Connect(_ context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(a.cfg.Broker)
	opts.SetClientID(a.cfg.ClientID)
	if a.cfg.Username != "" {
		opts.SetUsername(a.cfg.Username)
		opts.SetPassword(a.cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		a.log.Warn("connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(a.cfg.Timeout) {
		return fmt.Errorf("MQTT connect to %s: %w", a.cfg.Broker, ierrors.ErrBackendTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("MQTT connect error: %w", err)
	}

	a.mu.Lock()
	a.client = client
	a.mu.Unlock()
	a.log.Info("connected to broker", zap.String("broker", a.cfg.Broker))
	return nil
}

func (a *MQTTTransport) Publish(_ context.Context, topic string, frame []byte) error {
	client, err := a.ready()
	if err != nil {
		return err
	}
	token := client.Publish(mqttTopic(topic), byte(a.cfg.QOS), false, frame)
	if !token.WaitTimeout(a.cfg.Timeout) {
		return fmt.Errorf("MQTT publish: %w", ierrors.ErrBackendTimeout)
	}
	return token.Error()
}

func (a *MQTTTransport) Subscribe(_ context.Context, topic string, handler FrameHandler) error {
	client, err := a.ready()
	if err != nil {
		return err
	}
	token := client.Subscribe(mqttTopic(topic), byte(a.cfg.QOS), func(_ mqtt.Client, m mqtt.Message) {
		handler(context.Background(), m.Payload())
	})
	if !token.WaitTimeout(a.cfg.Timeout) {
		return fmt.Errorf("MQTT subscribe: %w", ierrors.ErrBackendTimeout)
	}
	return token.Error()
}

func (a *MQTTTransport) HealthCheck() HealthStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	status := StatusUp
	if a.client == nil || !a.client.IsConnected() {
		status = StatusDown
	}
	return HealthStatus{Status: status, Timestamp: time.Now()}
}

func (a *MQTTTransport) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.client != nil {
		a.client.Disconnect(250)
	}
	return nil
}

func (a *MQTTTransport) ready() (mqtt.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, ierrors.ErrTransportClosed
	}
	if a.client == nil {
		return nil, ierrors.New("mqtt transport not connected")
	}
	return a.client, nil
}

// mqttTopic replaces the MQTT wildcard characters, which are not allowed
// in published topic names.
func mqttTopic(address string) string {
	return sanitizeTopic(address, func(r rune) bool { return r != '#' && r != '+' }, '_')
}
