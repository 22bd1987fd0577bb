package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/nmxmxh/inhalteselektor/pkg/contextx"
	"github.com/nmxmxh/inhalteselektor/pkg/json"
	"github.com/nmxmxh/inhalteselektor/pkg/metrics"
	"go.uber.org/zap"
)

// StepNotification tells the platform which step a user is working on.
type StepNotification struct {
	UserID    string `json:"userId"`
	StepID    string `json:"stepId"`
	StepLabel string `json:"stepLabel"`
}

// StepChannel publishes step notifications in the background. Failures are
// logged and never reported to the caller.
type StepChannel struct {
	publisher Publisher
	address   string
	timeout   time.Duration
	settings

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewStepChannel(p Publisher, cfg Config, opts ...Option) *StepChannel {
	cfg = cfg.withDefaults()
	return &StepChannel{
		publisher: p,
		address:   cfg.StepChannelAddress(),
		timeout:   cfg.RequestTimeout,
		settings:  newSettings(opts),
	}
}

// NotifyStep publishes n without blocking the caller. The publish outlives
// ctx's cancellation but not the channel's Close.
func (s *StepChannel) NotifyStep(ctx context.Context, n StepNotification) {
	log := contextx.Logger(ctx, s.log)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		log.Debug("step channel closed, dropping notification", zap.String("step_id", n.StepID))
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	body, err := json.Marshal(n)
	if err != nil {
		s.wg.Done()
		s.metrics.ObserveNotification(metrics.NotifyFailed)
		log.Warn("failed to encode step notification", zap.Error(err))
		return
	}

	go func() {
		defer s.wg.Done()
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if err := s.publisher.Publish(pubCtx, s.address, body, nil); err != nil {
			s.metrics.ObserveNotification(metrics.NotifyFailed)
			log.Warn("failed to publish step notification",
				zap.String("step_id", n.StepID),
				zap.String("user_id", n.UserID),
				zap.Error(err))
			return
		}
		s.metrics.ObserveNotification(metrics.NotifyPublished)
		log.Debug("step notification published", zap.String("step_id", n.StepID))
	}()
}

// Close stops accepting notifications and waits for pending publishes.
func (s *StepChannel) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}
