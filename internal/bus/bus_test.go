package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	ierrors "github.com/nmxmxh/inhalteselektor/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newStartedBus(t *testing.T, opts ...Option) (*Bus, *LocalTransport) {
	t.Helper()
	transport := NewLocalTransport()
	b := New(transport, zap.NewNop(), opts...)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b, transport
}

func TestRequestReply(t *testing.T) {
	b, _ := newStartedBus(t)
	ctx := context.Background()

	require.NoError(t, b.Handle(ctx, "appsist:requests:semwiki", func(_ context.Context, msg *Message) ([]byte, error) {
		assert.JSONEq(t, `{"sparql":{"query":"SELECT ?uri WHERE {}"}}`, string(msg.Body))
		assert.Equal(t, "v1", msg.Headers["h"])
		return []byte(`{"results":{"bindings":[]}}`), nil
	}))

	reply, err := b.Request(ctx, "appsist:requests:semwiki", []byte(`{"sparql":{"query":"SELECT ?uri WHERE {}"}}`), map[string]string{"h": "v1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"results":{"bindings":[]}}`, string(reply))
}

func TestRequestNonJSONReplyIsQuoted(t *testing.T) {
	b, _ := newStartedBus(t)
	ctx := context.Background()

	require.NoError(t, b.Handle(ctx, "echo", func(_ context.Context, _ *Message) ([]byte, error) {
		return []byte("plain text"), nil
	}))

	reply, err := b.Request(ctx, "echo", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, `"plain text"`, string(reply))
}

func TestRequestWithoutHandler(t *testing.T) {
	b, _ := newStartedBus(t)

	_, err := b.Request(context.Background(), "nobody:home", []byte(`{}`), nil)
	assert.ErrorIs(t, err, ierrors.ErrNoHandler)
}

func TestRequestTimeout(t *testing.T) {
	b, _ := newStartedBus(t)
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, b.Handle(context.Background(), "slow", func(_ context.Context, _ *Message) ([]byte, error) {
		<-release
		return nil, nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.Request(ctx, "slow", []byte(`{}`), nil)
	assert.ErrorIs(t, err, ierrors.ErrBackendTimeout)
}

func TestRequestDefaultTimeout(t *testing.T) {
	b, _ := newStartedBus(t, WithDefaultTimeout(30*time.Millisecond))
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, b.Handle(context.Background(), "slow", func(_ context.Context, _ *Message) ([]byte, error) {
		<-release
		return nil, nil
	}))

	start := time.Now()
	_, err := b.Request(context.Background(), "slow", nil, nil)
	assert.ErrorIs(t, err, ierrors.ErrBackendTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRequestRemoteFailure(t *testing.T) {
	b, _ := newStartedBus(t)

	require.NoError(t, b.Handle(context.Background(), "broken", func(_ context.Context, _ *Message) ([]byte, error) {
		return nil, errors.New("store offline")
	}))

	_, err := b.Request(context.Background(), "broken", nil, nil)
	assert.ErrorIs(t, err, ierrors.ErrRemoteFailure)
	assert.Contains(t, err.Error(), "store offline")
}

func TestRequestBeforeStart(t *testing.T) {
	transport := NewLocalTransport()
	b := New(transport, nil)
	defer b.Close()

	require.NoError(t, transport.Subscribe(context.Background(), "x", func(context.Context, []byte) {}))
	_, err := b.Request(context.Background(), "x", nil, nil)
	assert.ErrorIs(t, err, errNotStarted)
}

func TestPublishReachesEveryListener(t *testing.T) {
	b, _ := newStartedBus(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	var mu sync.Mutex
	var got []string
	for i := 0; i < 2; i++ {
		require.NoError(t, b.Listen(ctx, "appsist:services:kvdconnection:stepid", func(_ context.Context, msg *Message) {
			defer wg.Done()
			mu.Lock()
			got = append(got, string(msg.Body))
			mu.Unlock()
		}))
	}

	require.NoError(t, b.Publish(ctx, "appsist:services:kvdconnection:stepid", []byte(`{"stepId":"M1Full/E1"}`), nil))
	wg.Wait()
	assert.Equal(t, []string{`{"stepId":"M1Full/E1"}`, `{"stepId":"M1Full/E1"}`}, got)
}

func TestPublishWithoutListenersIsNotAnError(t *testing.T) {
	b, _ := newStartedBus(t)
	assert.NoError(t, b.Publish(context.Background(), "nobody", []byte(`{}`), nil))
}

func TestClosedBus(t *testing.T) {
	transport := NewLocalTransport()
	b := New(transport, nil)
	require.NoError(t, b.Start(context.Background()))
	require.NoError(t, b.Handle(context.Background(), "x", func(context.Context, *Message) ([]byte, error) { return nil, nil }))
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.Request(context.Background(), "x", nil, nil)
	assert.ErrorIs(t, err, ierrors.ErrTransportClosed)
	assert.ErrorIs(t, b.Publish(context.Background(), "x", nil, nil), ierrors.ErrTransportClosed)
	assert.ErrorIs(t, b.Start(context.Background()), ierrors.ErrTransportClosed)
	assert.Equal(t, StatusDown, b.Health().Status)
}

func TestHealthCountsTraffic(t *testing.T) {
	b, _ := newStartedBus(t)
	require.NoError(t, b.Handle(context.Background(), "ping", func(context.Context, *Message) ([]byte, error) {
		return []byte(`"pong"`), nil
	}))
	_, err := b.Request(context.Background(), "ping", nil, nil)
	require.NoError(t, err)

	h := b.Health()
	assert.Equal(t, StatusUp, h.Status)
	assert.GreaterOrEqual(t, h.Metrics.MessagesSent, int64(2))
	assert.GreaterOrEqual(t, h.Metrics.MessagesReceived, int64(2))
}

func TestUndecodableFrameIsDropped(t *testing.T) {
	b, transport := newStartedBus(t)
	require.NoError(t, transport.Publish(context.Background(), b.replyTopic, []byte("garbage")))

	assert.Eventually(t, func() bool {
		return b.Health().Metrics.Errors == 1
	}, time.Second, 10*time.Millisecond)
}
