// Package ingest authenticates, validates, persists and evaluates telemetry
// batches sent by node agents.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bc-dunia/satori/internal/anomaly"
	"github.com/bc-dunia/satori/internal/codec"
	"github.com/bc-dunia/satori/internal/otel"
	"github.com/bc-dunia/satori/internal/store"
	"github.com/bc-dunia/satori/internal/types"
)

// DefaultMaxClockSkew bounds how far in the future a batch timestamp may be.
const DefaultMaxClockSkew = 5 * time.Minute

// Publisher fans accepted items out to live subscribers.
type Publisher interface {
	PublishSamples(ctx context.Context, samples []types.MetricSample)
	PublishEvents(ctx context.Context, events []types.Event)
	PublishStatus(ctx context.Context, node *types.Node)
}

// Recorder receives ingestion metrics.
type Recorder interface {
	RecordIngest(outcome string, d time.Duration)
	RecordSamples(samples []types.MetricSample)
	RecordEvents(events []types.Event)
}

// Result describes an accepted batch.
type Result struct {
	NodeID   string
	Accepted int
	Events   []types.Event
	Status   types.NodeStatus
}

// Service is the server-side ingestion pipeline.
type Service struct {
	store     store.Store
	evaluator *anomaly.Evaluator
	codec     *codec.Codec
	publisher Publisher
	recorder  Recorder
	tracer    *otel.Tracer
	logger    *slog.Logger

	maxSkew time.Duration
	now     func() time.Time
	newID   func() string
}

// Option configures a Service.
type Option func(*Service)

// WithCodec enables encrypted payloads. Without a codec they are rejected.
func WithCodec(c *codec.Codec) Option {
	return func(s *Service) { s.codec = c }
}

// WithPublisher sets where accepted items are published.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithTracer sets the tracer.
func WithTracer(t *otel.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMaxClockSkew overrides DefaultMaxClockSkew.
func WithMaxClockSkew(d time.Duration) Option {
	return func(s *Service) { s.maxSkew = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides the identifier source.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// NewService creates the pipeline over st and ev.
func NewService(st store.Store, ev *anomaly.Evaluator, opts ...Option) *Service {
	s := &Service{
		store:     st,
		evaluator: ev,
		tracer:    otel.NoopTracer(),
		logger:    slog.New(slog.DiscardHandler),
		maxSkew:   DefaultMaxClockSkew,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EncryptedEnvelope is the body of an encrypted ingestion request.
type EncryptedEnvelope struct {
	Data string `json:"data"`
}

// Ingest runs one batch through authenticate, decode, validate, evaluate,
// commit and publish. On error nothing has been persisted.
func (s *Service) Ingest(ctx context.Context, credential string, payload []byte, encrypted bool) (*Result, error) {
	start := s.now()
	ctx, span := s.tracer.StartIngestSpan(ctx, encrypted)
	defer span.End()

	res, err := s.ingest(ctx, credential, payload, encrypted)
	outcome := "success"
	if err != nil {
		kind := KindInternal
		if e, ok := AsError(err); ok {
			kind = e.Kind
		}
		outcome = kind.String()
		otel.RecordError(span, err, outcome, kind == KindInternal)
		level := slog.LevelWarn
		if kind == KindInternal {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "ingest rejected", "kind", outcome, "encrypted", encrypted, "error", err)
	} else {
		span.SetAttributes(
			attribute.String("satori.node_id", res.NodeID),
			attribute.Int("satori.samples", res.Accepted),
			attribute.Int("satori.events", len(res.Events)),
		)
		s.logger.Debug("ingest accepted", "node_id", res.NodeID, "samples", res.Accepted, "events", len(res.Events))
	}
	if s.recorder != nil {
		s.recorder.RecordIngest(outcome, s.now().Sub(start))
	}
	return res, err
}

func (s *Service) ingest(ctx context.Context, credential string, payload []byte, encrypted bool) (*Result, error) {
	node, err := s.authenticate(ctx, credential)
	if err != nil {
		return nil, err
	}

	snap, err := s.decode(node.ID, credential, payload, encrypted)
	if err != nil {
		return nil, err
	}
	if snap.NodeID != "" && snap.NodeID != node.ID {
		return nil, newAuthError(node.ID, "payload node_id does not match the credential")
	}
	if s.maxSkew > 0 && snap.Timestamp.After(s.now().Add(s.maxSkew)) {
		return nil, newValidationError(node.ID, &types.ValidationError{Fields: []types.FieldError{
			{Field: "timestamp", Reason: "is too far in the future"},
		}})
	}

	samples := s.samples(node.ID, snap)
	history, err := s.history(ctx, node.ID, snap.Timestamp, samples)
	if err != nil {
		return nil, newInternalError(node.ID, "load anomaly history", err)
	}
	drafts := s.evaluator.Evaluate(node, anomaly.Batch{Timestamp: snap.Timestamp, Samples: samples}, history)
	events := make([]types.Event, 0, len(drafts))
	worst := types.SeverityInfo
	for _, d := range drafts {
		events = append(events, types.Event{
			ID:        s.newID(),
			NodeID:    node.ID,
			OrgID:     node.OrgID,
			Severity:  d.Severity,
			Title:     d.Title,
			Message:   d.Message,
			Data:      d.Data,
			Timestamp: snap.Timestamp,
		})
		if d.Severity.Rank() > worst.Rank() {
			worst = d.Severity
		}
	}

	updated, err := s.store.CommitBatch(ctx, store.Batch{
		NodeID:    node.ID,
		Heartbeat: snap.Timestamp,
		Status:    worst.NodeStatus(),
		Samples:   samples,
		Events:    events,
	})
	switch {
	case errors.Is(err, store.ErrRetired), errors.Is(err, store.ErrNotFound):
		return nil, newAuthError(node.ID, "node is no longer active")
	case err != nil:
		return nil, newInternalError(node.ID, "commit batch", err)
	}

	if s.recorder != nil {
		s.recorder.RecordSamples(samples)
		s.recorder.RecordEvents(events)
	}
	if s.publisher != nil {
		s.publisher.PublishSamples(ctx, samples)
		s.publisher.PublishEvents(ctx, events)
		if updated.Status != node.Status {
			s.publisher.PublishStatus(ctx, updated)
		}
	}
	return &Result{NodeID: node.ID, Accepted: len(samples), Events: events, Status: updated.Status}, nil
}

// authenticate resolves a credential to an active node.
func (s *Service) authenticate(ctx context.Context, credential string) (*types.Node, error) {
	if credential == "" {
		return nil, newAuthError("", "missing node credential")
	}
	node, err := s.store.GetNodeByCredential(ctx, store.HashCredential(credential))
	if errors.Is(err, store.ErrNotFound) {
		return nil, newAuthError("", "unknown node credential")
	}
	if err != nil {
		return nil, newInternalError("", "resolve credential", err)
	}
	if node.Retired() {
		return nil, newAuthError(node.ID, "node is retired")
	}
	return node, nil
}

func (s *Service) decode(nodeID, credential string, payload []byte, encrypted bool) (*types.Snapshot, error) {
	if encrypted {
		if s.codec == nil {
			return nil, newDecodeError(nodeID, errors.New("encrypted payloads are not enabled"))
		}
		var env EncryptedEnvelope
		if err := json.Unmarshal(payload, &env); err != nil || env.Data == "" {
			return nil, newDecodeError(nodeID, errors.New(`encrypted body must be {"data": "<token>"}`))
		}
		snap, err := s.codec.Decode(env.Data, credential)
		return snap, classify(nodeID, err)
	}
	if !json.Valid(payload) {
		return nil, newDecodeError(nodeID, errors.New("body is not valid JSON"))
	}
	snap, err := types.ParseSnapshot(payload)
	return snap, classify(nodeID, err)
}

func classify(nodeID string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := types.AsValidationError(err); ok {
		return newValidationError(nodeID, err)
	}
	return newDecodeError(nodeID, err)
}

// samples fans the snapshot out into one sample per payload.
func (s *Service) samples(nodeID string, snap *types.Snapshot) []types.MetricSample {
	payloads := snap.Payloads()
	out := make([]types.MetricSample, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, types.MetricSample{
			ID:        s.newID(),
			NodeID:    nodeID,
			Category:  p.Category(),
			Kind:      p.Kind(),
			Timestamp: snap.Timestamp,
			Payload:   p,
		})
	}
	return out
}

// history loads the sustained-rule lookback for the kinds present in the
// batch.
func (s *Service) history(ctx context.Context, nodeID string, at time.Time, samples []types.MetricSample) (anomaly.History, error) {
	window := s.evaluator.Thresholds().Window
	var prior []types.MetricSample
	for _, kind := range []types.PayloadKind{types.KindCPU, types.KindMemory} {
		if !hasKind(samples, kind) {
			continue
		}
		got, err := s.store.QuerySamples(ctx, store.SampleQuery{
			NodeID: nodeID,
			Kind:   kind,
			From:   at.Add(-window),
			To:     at,
			Limit:  store.MaxQueryLimit,
		})
		if err != nil {
			return anomaly.History{}, fmt.Errorf("query %s history: %w", kind, err)
		}
		prior = append(prior, got...)
	}
	return anomaly.PointsFromSamples(prior), nil
}

func hasKind(samples []types.MetricSample, kind types.PayloadKind) bool {
	for _, s := range samples {
		if s.Kind == kind {
			return true
		}
	}
	return false
}
