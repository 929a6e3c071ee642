package core

import (
	"time"

	"agritrace/internal/archive"
	"agritrace/internal/participants"
)

// CreateMode selects how batch creation reaches the ledger.
type CreateMode string

const (
	// CreateOnChain submits createBatch before the off-chain insert.
	CreateOnChain CreateMode = "onchain"
	// CreateOffChain records the batch off-chain only.
	CreateOffChain CreateMode = "offchain"
)

// Valid reports whether m is a known mode.
func (m CreateMode) Valid() bool { return m == CreateOnChain || m == CreateOffChain }

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger.
func WithLogger(logger Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the clock used for timestamps and durations.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithAuditRecorder sets the audit recorder.
func WithAuditRecorder(recorder AuditRecorder) ServiceOption {
	return func(s *Service) {
		if recorder != nil {
			s.audit = recorder
		}
	}
}

// WithMetricsRecorder sets the metrics recorder.
func WithMetricsRecorder(recorder MetricsRecorder) ServiceOption {
	return func(s *Service) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(tracer Tracer) ServiceOption {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithDirectory sets the participant directory. The default is in-memory.
func WithDirectory(dir participants.Directory) ServiceOption {
	return func(s *Service) {
		if dir != nil {
			s.directory = dir
		}
	}
}

// WithArchive enables the provenance archive.
func WithArchive(a *archive.Archive) ServiceOption {
	return func(s *Service) { s.archive = a }
}

// WithCreateMode selects on-chain or off-chain batch creation.
func WithCreateMode(mode CreateMode) ServiceOption {
	return func(s *Service) {
		if mode.Valid() {
			s.createMode = mode
		}
	}
}

// WithReconcileOnRead sets whether GetBatch probes the ledger by default.
func WithReconcileOnRead(enabled bool) ServiceOption {
	return func(s *Service) { s.reconcileOnRead = enabled }
}

// WithMirrorTimeout bounds the off-chain writes that follow a ledger commit.
// Those writes are detached from the caller's cancellation.
func WithMirrorTimeout(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.mirrorTimeout = d
		}
	}
}
