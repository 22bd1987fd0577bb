// Package steplabel keeps the process-wide map from canonical step
// identifiers to their display labels. The map is loaded once, shortly after
// startup, and swapped in whole so readers never see a partial load.
package steplabel

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nmxmxh/inhalteselektor/internal/sparql"
	"github.com/nmxmxh/inhalteselektor/pkg/metrics"
	"go.uber.org/zap"
)

// UnknownStep is returned by Lookup for steps without a label.
const UnknownStep = "Unbekannter Schritt"

// Querier runs a query against the knowledge store.
type Querier interface {
	Query(ctx context.Context, query string) ([]byte, error)
}

type Option func(*Cache)

// WithLanguage selects the label language. Defaults to German.
func WithLanguage(lang string) Option {
	return func(c *Cache) { c.lang = lang }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Cache) {
		if log != nil {
			c.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

// WithSnapshot keeps a copy of every successful load in s and restores it
// when a scheduled load starts with an empty cache.
func WithSnapshot(s Snapshot) Option {
	return func(c *Cache) { c.snapshot = s }
}

// WithRetry bounds how long a scheduled load keeps retrying. Zero disables
// retries.
func WithRetry(maxElapsed time.Duration) Option {
	return func(c *Cache) { c.maxElapsed = maxElapsed }
}

type Cache struct {
	querier    Querier
	query      string
	lang       string
	log        *zap.Logger
	metrics    *metrics.Metrics
	maxElapsed time.Duration
	snapshot   Snapshot

	labels atomic.Pointer[map[string]string]
}

func New(q Querier, b *sparql.Builder, opts ...Option) *Cache {
	c := &Cache{
		querier:    q,
		lang:       sparql.DefaultLabelLanguage,
		log:        zap.NewNop(),
		maxElapsed: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	if b == nil {
		b = sparql.NewBuilder("")
	}
	c.query = b.StepLabelQuery(c.lang)
	c.log = c.log.With(zap.String("module", "steplabel"))
	return c
}

// Populate loads all labels and replaces the current map. On error the
// previous map stays in place.
func (c *Cache) Populate(ctx context.Context) error {
	reply, err := c.querier.Query(ctx, c.query)
	if err != nil {
		return fmt.Errorf("query step labels: %w", err)
	}
	res, err := sparql.ParseResult(reply)
	if err != nil {
		return fmt.Errorf("parse step labels: %w", err)
	}

	labels := make(map[string]string, len(res.Bindings))
	skipped := 0
	for _, row := range res.Bindings {
		uri, okURI := row[sparql.VarURI]
		label, okLabel := row[sparql.VarLabel]
		if !okURI || !okLabel {
			skipped++
			continue
		}
		key, ok := sparql.CanonicalStepKey(uri.Value)
		if !ok {
			skipped++
			continue
		}
		labels[key] = label.Value
	}
	c.labels.Store(&labels)
	c.metrics.SetLabelCacheSize(len(labels))
	c.log.Info("step labels loaded", zap.Int("labels", len(labels)), zap.Int("skipped", skipped))
	if c.snapshot != nil {
		if err := c.snapshot.SaveLabels(ctx, labels); err != nil {
			c.log.Warn("failed to save step label snapshot", zap.Error(err))
		}
	}
	return nil
}

// Schedule loads the labels in the background after delay, retrying with
// exponential backoff while the knowledge store is unavailable. The returned
// channel is closed when the load has finished or been given up.
func (c *Cache) Schedule(ctx context.Context, delay time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.restore(ctx)
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		var bo backoff.BackOff = &backoff.StopBackOff{}
		if c.maxElapsed > 0 {
			exp := backoff.NewExponentialBackOff()
			exp.MaxElapsedTime = c.maxElapsed
			bo = exp
		}
		err := backoff.RetryNotify(func() error {
			return c.Populate(ctx)
		}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
			c.log.Warn("step label load failed, retrying", zap.Error(err), zap.Duration("retry_in", next))
		})
		if err != nil {
			c.log.Warn("giving up on step labels, every step is unknown", zap.Error(err))
		}
	}()
	return done
}

// restore seeds an empty cache from the snapshot. The scheduled load still
// runs and replaces it.
func (c *Cache) restore(ctx context.Context) {
	if c.snapshot == nil || c.Ready() {
		return
	}
	labels, err := c.snapshot.LoadLabels(ctx)
	if err != nil {
		c.log.Warn("failed to load step label snapshot", zap.Error(err))
		return
	}
	if len(labels) == 0 {
		return
	}
	c.labels.CompareAndSwap(nil, &labels)
	c.metrics.SetLabelCacheSize(c.Len())
	c.log.Info("step labels restored from snapshot", zap.Int("labels", len(labels)))
}

// Lookup returns the label for a canonical step id, or UnknownStep.
func (c *Cache) Lookup(stepID string) string {
	m := c.labels.Load()
	if m == nil {
		return UnknownStep
	}
	if label, ok := (*m)[stepID]; ok {
		return label
	}
	return UnknownStep
}

// Len is the number of cached labels.
func (c *Cache) Len() int {
	m := c.labels.Load()
	if m == nil {
		return 0
	}
	return len(*m)
}

// Ready reports whether a load has completed.
func (c *Cache) Ready() bool {
	return c.labels.Load() != nil
}
