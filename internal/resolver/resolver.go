// Package resolver turns a content request into at most one content id.
//
// Every request runs the same linear sequence: resolve the measure id from
// its fragment, then run the flow for the content type. Task and activity
// content is looked up directly after a best-effort step notification;
// additional content is filtered by the caller's employee type, which is
// fetched from the user model first. Any failure along the way ends the
// sequence with the empty answer.
package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/nmxmxh/inhalteselektor/internal/gateway"
	"github.com/nmxmxh/inhalteselektor/internal/sparql"
	"github.com/nmxmxh/inhalteselektor/internal/steplabel"
	"github.com/nmxmxh/inhalteselektor/pkg/contextx"
	ierrors "github.com/nmxmxh/inhalteselektor/pkg/errors"
	"github.com/nmxmxh/inhalteselektor/pkg/metrics"
	"github.com/nmxmxh/inhalteselektor/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// KnowledgeStore runs SPARQL queries and returns the raw result envelope.
type KnowledgeStore interface {
	Query(ctx context.Context, query string) ([]byte, error)
}

// UserDirectory returns profile information. An unknown user yields ErrNoMatch.
type UserDirectory interface {
	UserInformation(ctx context.Context, userID string) (gateway.UserContext, error)
}

// StepNotifier broadcasts the step a user is working on. It must not block.
type StepNotifier interface {
	NotifyStep(ctx context.Context, n gateway.StepNotification)
}

// LabelLookup maps canonical step ids to labels, answering
// steplabel.UnknownStep when it has none.
type LabelLookup interface {
	Lookup(stepID string) string
}

type Option func(*Service)

func WithBuilder(b *sparql.Builder) Option {
	return func(s *Service) {
		if b != nil {
			s.builder = b
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

type Service struct {
	store    KnowledgeStore
	users    UserDirectory
	notifier StepNotifier
	labels   LabelLookup
	builder  *sparql.Builder
	log      *zap.Logger
	metrics  *metrics.Metrics
}

func New(store KnowledgeStore, users UserDirectory, notifier StepNotifier, labels LabelLookup, opts ...Option) *Service {
	s := &Service{
		store:    store,
		users:    users,
		notifier: notifier,
		labels:   labels,
		builder:  sparql.NewBuilder(""),
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("module", "resolver"))
	return s
}

// Resolve never fails; every error is logged and folded into the empty answer.
func (s *Service) Resolve(ctx context.Context, req Request) Answer {
	ctx, span := tracing.Tracer().Start(ctx, "resolver.Resolve",
		trace.WithAttributes(
			attribute.String("ihs.content_type", req.ContentType.String()),
			attribute.String("ihs.measure_id", req.MeasureID)))
	defer span.End()

	log := contextx.Logger(ctx, s.log).With(
		zap.String("content_type", req.ContentType.String()),
		zap.String("measure_id", req.MeasureID))
	start := time.Now()

	answer, err := s.resolve(ctx, log, req)
	outcome := outcomeOf(answer, err)
	s.metrics.ObserveResolution(req.ContentType.String(), outcome)
	span.SetAttributes(attribute.String("ihs.outcome", outcome))

	switch outcome {
	case metrics.OutcomeError:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("resolution failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
	case metrics.OutcomeInvalid:
		log.Info("rejected content request", zap.Error(err))
	default:
		log.Debug("resolution finished",
			zap.String("content_id", answer.ContentID),
			zap.String("outcome", outcome),
			zap.Duration("elapsed", time.Since(start)))
	}
	return answer
}

func (s *Service) resolve(ctx context.Context, log *zap.Logger, req Request) (Answer, error) {
	if err := req.Validate(); err != nil {
		return Answer{}, err
	}

	measureURI, err := s.resolveMeasure(ctx, req.MeasureID)
	if err != nil {
		return Answer{}, err
	}
	compositeID := measureURI + "/" + req.SubElementID()

	switch req.ContentType {
	case Task, Activity:
		s.notifyStep(ctx, log, req.UserID, sparql.LocalID(measureURI)+"/"+req.SubElementID())
		q, err := s.builder.InstructionQuery(compositeID)
		if err != nil {
			return Answer{}, err
		}
		return s.firstContent(ctx, "content", q)
	case Additional:
		user, err := s.lookupUser(ctx, req.UserID)
		if err != nil {
			return Answer{}, err
		}
		if user.EmployeeType == "" {
			return Answer{}, ierrors.ErrNoMatch
		}
		q, err := s.builder.AdditionalQuery([]string{compositeID}, user.EmployeeType)
		if err != nil {
			return Answer{}, err
		}
		return s.firstContent(ctx, "additional_content", q)
	default:
		return Answer{}, ierrors.ErrUnknownContentType
	}
}

// resolveMeasure returns the first IRI ending with fragment.
func (s *Service) resolveMeasure(ctx context.Context, fragment string) (string, error) {
	q, err := s.builder.MeasureQuery(fragment)
	if err != nil {
		return "", err
	}
	reply, err := s.query(ctx, "measure", q)
	if err != nil {
		return "", err
	}
	uri, ok, err := sparql.FirstValue(reply, sparql.VarURI)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ierrors.ErrNoMatch
	}
	return uri, nil
}

func (s *Service) firstContent(ctx context.Context, hop, q string) (Answer, error) {
	reply, err := s.query(ctx, hop, q)
	if err != nil {
		return Answer{}, err
	}
	id, ok, err := sparql.FirstLocalID(reply, sparql.VarContent)
	if err != nil {
		return Answer{}, err
	}
	if !ok || id == "" {
		return Answer{}, ierrors.ErrNoMatch
	}
	return Answer{ContentID: id}, nil
}

func (s *Service) query(ctx context.Context, hop, q string) ([]byte, error) {
	ctx, span := tracing.Tracer().Start(ctx, "resolver."+hop)
	defer span.End()
	reply, err := s.store.Query(ctx, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return reply, err
}

func (s *Service) lookupUser(ctx context.Context, userID string) (gateway.UserContext, error) {
	ctx, span := tracing.Tracer().Start(ctx, "resolver.user")
	defer span.End()
	user, err := s.users.UserInformation(ctx, userID)
	if err != nil && !errors.Is(err, ierrors.ErrNoMatch) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return user, err
}

// notifyStep publishes the step unless its label is unknown.
func (s *Service) notifyStep(ctx context.Context, log *zap.Logger, userID, stepID string) {
	label := s.labels.Lookup(stepID)
	if label == steplabel.UnknownStep {
		s.metrics.ObserveNotification(metrics.NotifySkipped)
		log.Info("unknown step", zap.String("step_id", stepID))
		return
	}
	s.notifier.NotifyStep(ctx, gateway.StepNotification{
		UserID:    userID,
		StepID:    stepID,
		StepLabel: label,
	})
}

func outcomeOf(a Answer, err error) string {
	switch {
	case err == nil && a.Found():
		return metrics.OutcomeFound
	case err == nil, errors.Is(err, ierrors.ErrNoMatch):
		return metrics.OutcomeEmpty
	case errors.Is(err, ierrors.ErrUnknownContentType),
		errors.Is(err, ierrors.ErrMissingParameter),
		errors.Is(err, ierrors.ErrInvalidIdentifier):
		return metrics.OutcomeInvalid
	default:
		return metrics.OutcomeError
	}
}
