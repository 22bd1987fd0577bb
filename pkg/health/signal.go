package health

import (
	"context"
	"fmt"
	"time"

	"github.com/nmxmxh/inhalteselektor/pkg/json"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Publisher broadcasts a message on an address.
type Publisher interface {
	Publish(ctx context.Context, address string, body []byte, headers map[string]string) error
}

// Signal is the periodic liveness message other platform services watch.
type Signal struct {
	Service   string            `json:"service"`
	Status    Status            `json:"status"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// SignalSender publishes a Signal on a fixed schedule.
type SignalSender struct {
	service   string
	address   string
	interval  time.Duration
	checker   *HealthChecker
	publisher Publisher
	log       *zap.Logger
	cron      *cron.Cron
}

func NewSignalSender(service, address string, interval time.Duration, checker *HealthChecker, p Publisher, log *zap.Logger) *SignalSender {
	if log == nil {
		log = zap.NewNop()
	}
	if checker == nil {
		checker = NewHealthChecker()
	}
	return &SignalSender{
		service:   service,
		address:   address,
		interval:  interval,
		checker:   checker,
		publisher: p,
		log:       log.With(zap.String("module", "status_signal")),
		cron:      cron.New(),
	}
}

// Start sends one signal right away and schedules the rest.
func (s *SignalSender) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() { s.Send(ctx) }); err != nil {
		return fmt.Errorf("schedule status signal: %w", err)
	}
	s.Send(ctx)
	s.cron.Start()
	s.log.Info("status signal started", zap.String("address", s.address), zap.Duration("interval", s.interval))
	return nil
}

// Send publishes the current status once.
func (s *SignalSender) Send(ctx context.Context) {
	report := s.checker.Report(ctx)
	body, err := json.Marshal(Signal{
		Service:   s.service,
		Status:    report.Status,
		Checks:    report.Checks,
		Timestamp: report.Timestamp.UnixMilli(),
	})
	if err != nil {
		s.log.Warn("failed to encode status signal", zap.Error(err))
		return
	}
	if err := s.publisher.Publish(ctx, s.address, body, nil); err != nil {
		s.log.Warn("failed to publish status signal", zap.Error(err))
	}
}

// Stop unschedules the sender and waits for a running send.
func (s *SignalSender) Stop() {
	<-s.cron.Stop().Done()
}
