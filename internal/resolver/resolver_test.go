package resolver

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/nmxmxh/inhalteselektor/internal/gateway"
	"github.com/nmxmxh/inhalteselektor/internal/steplabel"
	ierrors "github.com/nmxmxh/inhalteselektor/pkg/errors"
	"github.com/nmxmxh/inhalteselektor/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func bindings(variable string, values ...string) string {
	rows := make([]string, 0, len(values))
	for _, v := range values {
		rows = append(rows, `{"`+variable+`":{"type":"uri","value":"`+v+`"}}`)
	}
	return `{"head":{"vars":["` + variable + `"]},"results":{"bindings":[` + strings.Join(rows, ",") + `]}}`
}

// fakeStore answers by query kind.
type fakeStore struct {
	mu         sync.Mutex
	queries    []string
	measure    string
	content    string
	additional string
	err        error
}

func (f *fakeStore) Query(_ context.Context, q string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	switch {
	case strings.Contains(q, "REGEX"):
		return []byte(f.measure), nil
	case strings.Contains(q, "VALUES ?p"):
		return []byte(f.additional), nil
	default:
		return []byte(f.content), nil
	}
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

type fakeUsers struct {
	calls int
	user  gateway.UserContext
	err   error
}

func (f *fakeUsers) UserInformation(context.Context, string) (gateway.UserContext, error) {
	f.calls++
	return f.user, f.err
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []gateway.StepNotification
}

func (f *fakeNotifier) NotifyStep(_ context.Context, n gateway.StepNotification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
}

type labelMap map[string]string

func (m labelMap) Lookup(id string) string {
	if l, ok := m[id]; ok {
		return l
	}
	return steplabel.UnknownStep
}

type fixture struct {
	store    *fakeStore
	users    *fakeUsers
	notifier *fakeNotifier
	metrics  *metrics.Metrics
	svc      *Service
}

func newFixture(t *testing.T, labels labelMap) *fixture {
	f := &fixture{
		store: &fakeStore{
			measure:    bindings("uri", "http://x/ns/M1Full"),
			content:    bindings("inhalt", "http://x/content/C42"),
			additional: bindings("inhalt", "http://x/content/A7"),
		},
		users:    &fakeUsers{user: gateway.UserContext{EmployeeType: "http://www.appsist.de/ontology/Fachkraft"}},
		notifier: &fakeNotifier{},
		metrics:  metrics.New("test"),
	}
	f.svc = New(f.store, f.users, f.notifier, labels,
		WithLogger(zaptest.NewLogger(t)),
		WithMetrics(f.metrics))
	return f
}

func taskRequest() Request {
	return Request{ContentType: Task, MeasureID: "M1", ElementID: "E1", UserID: "U1"}
}

func TestResolveTask(t *testing.T) {
	f := newFixture(t, nil)

	answer := f.svc.Resolve(context.Background(), taskRequest())

	assert.Equal(t, Answer{ContentID: "C42"}, answer)
	require.Len(t, f.store.queries, 2)
	assert.Contains(t, f.store.queries[0], "REGEX(str(?uri),'M1$')")
	assert.Contains(t, f.store.queries[1], "app:informiertUeber <http://x/ns/M1Full/E1>")
	assert.Contains(t, f.store.queries[1], "rdf:type app:Instruktion")
	assert.Equal(t, 0, f.users.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Resolutions.WithLabelValues("task", metrics.OutcomeFound)))
}

func TestResolveActivityUsesCalledProcess(t *testing.T) {
	f := newFixture(t, labelMap{"M1Full/P3": "Prozess drei"})

	answer := f.svc.Resolve(context.Background(), Request{
		ContentType: Activity, MeasureID: "M1", ElementID: "ignored", CalledProcessID: "P3", UserID: "U1",
	})

	assert.Equal(t, "C42", answer.ContentID)
	assert.Contains(t, f.store.queries[1], "<http://x/ns/M1Full/P3>")
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, gateway.StepNotification{UserID: "U1", StepID: "M1Full/P3", StepLabel: "Prozess drei"}, f.notifier.sent[0])
}

func TestUnknownContentTypeContactsNoBackend(t *testing.T) {
	for _, ct := range []ContentType{Unknown, ContentType(42), ContentType(-1)} {
		f := newFixture(t, labelMap{"M1Full/E1": "x"})
		req := taskRequest()
		req.ContentType = ct

		assert.Equal(t, Answer{}, f.svc.Resolve(context.Background(), req))
		assert.Equal(t, 0, f.store.count())
		assert.Equal(t, 0, f.users.calls)
		assert.Empty(t, f.notifier.sent)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Resolutions.WithLabelValues("unknown", metrics.OutcomeInvalid)))
	}
}

func TestMissingParameters(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"task without element", Request{ContentType: Task, MeasureID: "M1", UserID: "U1"}},
		{"task without measure", Request{ContentType: Task, ElementID: "E1", UserID: "U1"}},
		{"activity without called process", Request{ContentType: Activity, MeasureID: "M1", ElementID: "E1"}},
		{"additional without user", Request{ContentType: Additional, MeasureID: "M1", ElementID: "E1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			assert.Equal(t, Answer{}, f.svc.Resolve(context.Background(), tt.req))
			assert.Equal(t, 0, f.store.count())
			assert.Equal(t, 0, f.users.calls)
		})
	}
}

func TestNoMeasureMatchYieldsEmptyAnswer(t *testing.T) {
	for _, req := range []Request{
		taskRequest(),
		{ContentType: Activity, MeasureID: "M1", CalledProcessID: "P1", UserID: "U1"},
		{ContentType: Additional, MeasureID: "M1", ElementID: "E1", UserID: "U1"},
	} {
		t.Run(req.ContentType.String(), func(t *testing.T) {
			f := newFixture(t, labelMap{"M1Full/E1": "x", "M1Full/P1": "y"})
			f.store.measure = bindings("uri")

			assert.Equal(t, Answer{}, f.svc.Resolve(context.Background(), req))
			assert.Equal(t, 1, f.store.count())
			assert.Equal(t, 0, f.users.calls)
			assert.Empty(t, f.notifier.sent)
		})
	}
}

func TestNoContentMatchYieldsEmptyAnswer(t *testing.T) {
	f := newFixture(t, nil)
	f.store.content = bindings("inhalt")

	assert.Equal(t, Answer{}, f.svc.Resolve(context.Background(), taskRequest()))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Resolutions.WithLabelValues("task", metrics.OutcomeEmpty)))
}

func TestFirstMatchWins(t *testing.T) {
	f := newFixture(t, nil)
	f.store.measure = bindings("uri", "http://x/ns/M1Full", "http://y/ns/M1", "http://z/M1")
	f.store.content = bindings("inhalt", "http://x/content/V1", "http://x/content/V2", "http://x/content/V3")

	answer := f.svc.Resolve(context.Background(), taskRequest())

	assert.Equal(t, "V1", answer.ContentID)
	assert.Contains(t, f.store.queries[1], "<http://x/ns/M1Full/E1>")
}

func TestResolveIsIdempotent(t *testing.T) {
	f := newFixture(t, labelMap{"M1Full/E1": "Filter wechseln"})

	first := f.svc.Resolve(context.Background(), taskRequest())
	second := f.svc.Resolve(context.Background(), taskRequest())

	assert.Equal(t, first, second)
	assert.Equal(t, "C42", first.ContentID)
	require.Len(t, f.store.queries, 4)
	assert.Equal(t, f.store.queries[:2], f.store.queries[2:])
}

func TestStepNotificationGating(t *testing.T) {
	t.Run("unknown step is not published", func(t *testing.T) {
		f := newFixture(t, labelMap{"Other/E1": "x"})
		f.svc.Resolve(context.Background(), taskRequest())
		assert.Empty(t, f.notifier.sent)
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StepNotifications.WithLabelValues(metrics.NotifySkipped)))
	})

	t.Run("known step is published once", func(t *testing.T) {
		f := newFixture(t, labelMap{"M1Full/E1": "Filter wechseln"})
		f.svc.Resolve(context.Background(), taskRequest())
		require.Len(t, f.notifier.sent, 1)
		assert.Equal(t, gateway.StepNotification{UserID: "U1", StepID: "M1Full/E1", StepLabel: "Filter wechseln"}, f.notifier.sent[0])
	})

	t.Run("published even when content is missing", func(t *testing.T) {
		f := newFixture(t, labelMap{"M1Full/E1": "Filter wechseln"})
		f.store.content = bindings("inhalt")
		assert.Equal(t, Answer{}, f.svc.Resolve(context.Background(), taskRequest()))
		assert.Len(t, f.notifier.sent, 1)
	})

	t.Run("additional content never notifies", func(t *testing.T) {
		f := newFixture(t, labelMap{"M1Full/E1": "Filter wechseln"})
		f.svc.Resolve(context.Background(), Request{ContentType: Additional, MeasureID: "M1", ElementID: "E1", UserID: "U1"})
		assert.Empty(t, f.notifier.sent)
	})
}

func TestResolveAdditional(t *testing.T) {
	f := newFixture(t, nil)

	answer := f.svc.Resolve(context.Background(), Request{ContentType: Additional, MeasureID: "M1", ElementID: "E1", UserID: "U1"})

	assert.Equal(t, Answer{ContentID: "A7"}, answer)
	assert.Equal(t, 1, f.users.calls)
	require.Len(t, f.store.queries, 2)
	assert.Contains(t, f.store.queries[1], "VALUES ?p {<http://x/ns/M1Full/E1>}")
	assert.Contains(t, f.store.queries[1], "app:hatZielgruppe <http://www.appsist.de/ontology/Fachkraft>")
}

func TestAdditionalShortCircuits(t *testing.T) {
	tests := []struct {
		name string
		user gateway.UserContext
		err  error
	}{
		{name: "empty user information reply", err: ierrors.ErrNoMatch},
		{name: "no employee type", user: gateway.UserContext{}},
		{name: "user model unreachable", err: ierrors.ErrBackendTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.users.user, f.users.err = tt.user, tt.err

			answer := f.svc.Resolve(context.Background(), Request{ContentType: Additional, MeasureID: "M1", ElementID: "E1", UserID: "U1"})

			assert.Equal(t, Answer{}, answer)
			require.Len(t, f.store.queries, 1, "additional-content query must not be issued")
			assert.Contains(t, f.store.queries[0], "REGEX")
		})
	}
}

func TestBackendFailuresYieldEmptyAnswer(t *testing.T) {
	t.Run("store error", func(t *testing.T) {
		f := newFixture(t, nil)
		f.store.err = ierrors.ErrBackendTimeout
		assert.Equal(t, Answer{}, f.svc.Resolve(context.Background(), taskRequest()))
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Resolutions.WithLabelValues("task", metrics.OutcomeError)))
	})

	t.Run("malformed measure reply", func(t *testing.T) {
		f := newFixture(t, nil)
		f.store.measure = `<html>busy</html>`
		assert.Equal(t, Answer{}, f.svc.Resolve(context.Background(), taskRequest()))
		assert.Equal(t, 1, f.store.count())
	})

	t.Run("malformed content reply", func(t *testing.T) {
		f := newFixture(t, nil)
		f.store.content = `{"head":{}}`
		assert.Equal(t, Answer{}, f.svc.Resolve(context.Background(), taskRequest()))
	})
}

func TestInjectionIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	req := taskRequest()
	req.ElementID = "E1> . ?x ?y ?z } #"

	assert.Equal(t, Answer{}, f.svc.Resolve(context.Background(), req))
	assert.Equal(t, 1, f.store.count(), "content query must not be sent")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Resolutions.WithLabelValues("task", metrics.OutcomeInvalid)))
}

func TestMeasureFragmentIsQuoted(t *testing.T) {
	f := newFixture(t, nil)
	req := taskRequest()
	req.MeasureID = "M.1'"

	f.svc.Resolve(context.Background(), req)
	require.NotEmpty(t, f.store.queries)
	assert.Contains(t, f.store.queries[0], `M\\.1\'$`)
}
