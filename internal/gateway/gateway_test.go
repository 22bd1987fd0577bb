package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nmxmxh/inhalteselektor/internal/bus"
	"github.com/nmxmxh/inhalteselektor/pkg/contextx"
	ierrors "github.com/nmxmxh/inhalteselektor/pkg/errors"
	"github.com/nmxmxh/inhalteselektor/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newBus(t *testing.T) *bus.Bus {
	t.Helper()
	b := bus.New(bus.NewLocalTransport(), nil)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

type stubRequester struct {
	mu    sync.Mutex
	calls int
	reply []byte
	err   error
}

func (s *stubRequester) Request(_ context.Context, _ string, _ []byte, _ map[string]string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.reply, s.err
}

func TestConfigAddresses(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "appsist:requests:semwiki", cfg.KnowledgeStoreAddress())
	assert.Equal(t, "appsist:service:usermodel#getUserInformation", cfg.UserModelAddress())
	assert.Equal(t, "appsist:services:kvdconnection:stepid", cfg.StepChannelAddress())

	cfg = Config{Prefix: "test:", Namespace: "wiki"}.withDefaults()
	assert.Equal(t, "test:requests:wiki", cfg.KnowledgeStoreAddress())
	assert.Equal(t, 10*time.Second, cfg.RequestTimeout)
}

func TestKnowledgeStoreQuery(t *testing.T) {
	b := newBus(t)
	seen := make(chan *bus.Message, 1)
	require.NoError(t, b.Handle(context.Background(), "appsist:requests:semwiki", func(_ context.Context, msg *bus.Message) ([]byte, error) {
		seen <- msg
		return []byte(`{"results":{"bindings":[{"uri":{"type":"uri","value":"http://x/ns/M1Full"}}]}}`), nil
	}))

	m := metrics.New("test")
	store := NewKnowledgeStore(b, DefaultConfig(), WithMetrics(m))
	ctx := contextx.WithRequestID(context.Background(), "req-1")
	ctx = contextx.WithUserID(ctx, "U1")

	reply, err := store.Query(ctx, "SELECT ?uri WHERE {}")
	require.NoError(t, err)
	assert.Contains(t, string(reply), "M1Full")

	msg := <-seen
	assert.JSONEq(t, `{"sparql":{"query":"SELECT ?uri WHERE {}"}}`, string(msg.Body))
	assert.Equal(t, "req-1", msg.Headers["requestId"])
	assert.Equal(t, "U1", msg.Headers["userId"])
	assert.Equal(t, 1, testutil.CollectAndCount(m.BackendDuration))
}

func TestKnowledgeStoreTimeout(t *testing.T) {
	b := newBus(t)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, b.Handle(context.Background(), "appsist:requests:semwiki", func(context.Context, *bus.Message) ([]byte, error) {
		<-release
		return nil, nil
	}))

	cfg := DefaultConfig()
	cfg.RequestTimeout = 30 * time.Millisecond
	store := NewKnowledgeStore(b, cfg)

	_, err := store.Query(context.Background(), "SELECT * WHERE {}")
	assert.ErrorIs(t, err, ierrors.ErrBackendTimeout)
}

func TestCircuitBreakerOpens(t *testing.T) {
	stub := &stubRequester{err: ierrors.ErrNoHandler}
	store := NewKnowledgeStore(stub, DefaultConfig(), WithBreakerSettings(gobreaker.Settings{
		Timeout: time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 2
		},
	}))

	for i := 0; i < 2; i++ {
		_, err := store.Query(context.Background(), "q")
		assert.ErrorIs(t, err, ierrors.ErrNoHandler)
	}
	_, err := store.Query(context.Background(), "q")
	assert.ErrorIs(t, err, ierrors.ErrBackendUnavailable)
	assert.Equal(t, 2, stub.calls)
}

func TestCanceledRequestsDoNotTrip(t *testing.T) {
	stub := &stubRequester{err: context.Canceled}
	store := NewKnowledgeStore(stub, DefaultConfig(), WithBreakerSettings(gobreaker.Settings{
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 1 },
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}))
	for i := 0; i < 3; i++ {
		_, err := store.Query(context.Background(), "q")
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, 3, stub.calls)
}

func TestBackendStatus(t *testing.T) {
	assert.Equal(t, "ok", backendStatus(nil))
	assert.Equal(t, "timeout", backendStatus(ierrors.ErrBackendTimeout))
	assert.Equal(t, "open", backendStatus(gobreaker.ErrOpenState))
	assert.Equal(t, "error", backendStatus(ierrors.ErrNoHandler))
}
