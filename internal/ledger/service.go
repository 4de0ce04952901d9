// Package ledger implements the clinical data receipt ledger: account
// management, receipt storage with back-linked write-sets, write interception
// with time-window batching, and receipt deletion with version rollback.
// Records persist through domain.PersistentStore; accepted receipt envelopes
// are optionally archived verbatim to a blob store.
package ledger

import (
	"time"

	"healthcore/internal/archive"
	"healthcore/pkg/domain"
)

// DefaultReceiptWindow is the batching window: a direct write joins the
// account's most recent receipt from the same source when that receipt is
// younger than the window.
const DefaultReceiptWindow = 120 * time.Second

// Service is the ledger facade. All state lives in the persistent store; the
// service itself is safe for concurrent use.
type Service struct {
	store   domain.PersistentStore
	shared  *SharedTypes
	archive *archive.Envelopes
	logger  Logger
	metrics MetricsRecorder
	tracer  Tracer
	window  time.Duration
	nowFn   func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger installs a structured logger. The default discards all output.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRecorder installs a metrics recorder for operation outcomes.
func WithMetricsRecorder(metrics MetricsRecorder) Option {
	return func(s *Service) { s.metrics = metrics }
}

// WithTracer installs a tracer spanning each service operation.
func WithTracer(tracer Tracer) Option {
	return func(s *Service) { s.tracer = tracer }
}

// WithArchive installs an envelope archive. Accepted receipts are archived
// after commit; archive failures are logged, never surfaced to callers.
func WithArchive(arch *archive.Envelopes) Option {
	return func(s *Service) { s.archive = arch }
}

// WithSharedTypes replaces the shared type classifier.
func WithSharedTypes(shared *SharedTypes) Option {
	return func(s *Service) {
		if shared != nil {
			s.shared = shared
		}
	}
}

// WithReceiptWindow overrides the batching window. Non-positive durations
// disable batching entirely.
func WithReceiptWindow(window time.Duration) Option {
	return func(s *Service) { s.window = window }
}

// WithClock overrides the service clock. Tests use this to steer the batching
// window deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// NewService constructs a ledger service over the given store.
func NewService(store domain.PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:  store,
		shared: DefaultSharedTypes(),
		logger: noopLogger{},
		window: DefaultReceiptWindow,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SharedTypes exposes the classifier, mainly for transport handlers.
func (s *Service) SharedTypes() *SharedTypes { return s.shared }

func (s *Service) now() time.Time { return s.nowFn().UTC() }
