package core

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"agritrace/internal/archive"
	"agritrace/internal/infra/persistence/memory"
	"agritrace/internal/ledger"
	"agritrace/internal/participants"
	"agritrace/pkg/domain"
)

// Service is the batch lifecycle engine. Transitions on one batch are
// serialised by a per-batch lock; different batches proceed independently.
type Service struct {
	store           domain.BatchStore
	ledger          ledger.Gateway
	directory       participants.Directory
	archive         *archive.Archive
	createMode      CreateMode
	reconcileOnRead bool
	mirrorTimeout   time.Duration
	locks           *keyedLocks
	clock           Clock
	logger          Logger
	audit           AuditRecorder
	metrics         MetricsRecorder
	tracer          Tracer
}

// DefaultMirrorTimeout bounds post-commit off-chain writes.
const DefaultMirrorTimeout = 30 * time.Second

// NewService constructs a service over store and gateway.
func NewService(store domain.BatchStore, gateway ledger.Gateway, opts ...ServiceOption) *Service {
	svc := &Service{
		store:           store,
		ledger:          gateway,
		directory:       participants.NewMemoryDirectory(),
		createMode:      CreateOnChain,
		reconcileOnRead: true,
		mirrorTimeout:   DefaultMirrorTimeout,
		locks:           newKeyedLocks(),
		clock:           systemClock{},
		logger:          noopLogger{},
		audit:           noopAuditRecorder{},
		metrics:         noopMetricsRecorder{},
		tracer:          noopTracer{},
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// NewInMemoryService creates a service over an in-memory store guarded by the
// default rules engine.
func NewInMemoryService(gateway ledger.Gateway, opts ...ServiceOption) *Service {
	return NewService(memory.NewStore(NewDefaultRulesEngine()), gateway, opts...)
}

// Store returns the off-chain batch store.
func (s *Service) Store() domain.BatchStore { return s.store }

// Ledger returns the ledger gateway.
func (s *Service) Ledger() ledger.Gateway { return s.ledger }

// Directory returns the participant directory.
func (s *Service) Directory() participants.Directory { return s.directory }

// CreateMode reports the configured creation mode.
func (s *Service) CreateMode() CreateMode { return s.createMode }

func (s *Service) now() time.Time { return s.clock.Now().UTC() }

// auditedOperations lists the operations that produce audit entries.
var auditedOperations = map[string]struct{}{
	opCreateBatch:           {},
	opCertifyBatch:          {},
	opPurchaseBatch:         {},
	opDeregisterParticipant: {},
	opRebuildDirectory:      {},
}

const (
	opCreateBatch           = "create_batch"
	opCertifyBatch          = "certify_batch"
	opPurchaseBatch         = "purchase_batch"
	opGetBatch              = "get_batch"
	opListBatches           = "list_batches"
	opSearchBatches         = "search_batches"
	opPendingCertification  = "pending_certification"
	opAvailableForPurchase  = "available_for_purchase"
	opParticipantLists      = "participant_lists"
	opDeregisterParticipant = "deregister_participant"
	opRebuildDirectory      = "rebuild_directory"
	opProvenanceRecords     = "provenance_records"
	opEstimateCost          = "estimate_cost"
)

// subject identifies what an operation acts on, for audit and logs.
type subject struct {
	batchID string
	caller  domain.Caller
}

// run wraps fn with tracing, metrics, audit and logging. Errors that are not
// already *domain.Error are reported as INTERNAL.
func (s *Service) run(ctx context.Context, op string, subj subject, fn func(context.Context) error) error {
	start := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, op)
	err := fn(ctx)
	var coded *domain.Error
	if err != nil && !errors.As(err, &coded) {
		err = domain.Errorf(domain.CodeInternal, "%s: %w", op, err)
	}
	duration := s.clock.Now().Sub(start)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, duration)

	args := []any{"operation", op, "duration", duration}
	if subj.batchID != "" {
		args = append(args, "batch_id", subj.batchID)
	}
	if subj.caller.Address != "" {
		args = append(args, "caller", subj.caller.Address, "role", string(subj.caller.Role))
	}
	if err != nil {
		s.recordAudit(ctx, op, subj, AuditStatusError, err, duration)
		args = append(args, "code", string(domain.CodeOf(err)), "error", err)
		switch domain.CodeOf(err) {
		case domain.CodeTransportError, domain.CodeInternal:
			s.logger.Error("operation failed", args...)
		case domain.CodeDivergence, domain.CodeRejected:
			s.logger.Warn("operation failed", args...)
		default:
			s.logger.Info("operation refused", args...)
		}
		return err
	}
	s.recordAudit(ctx, op, subj, AuditStatusSuccess, nil, duration)
	s.logger.Debug("operation completed", args...)
	return nil
}

func (s *Service) recordAudit(ctx context.Context, op string, subj subject, status AuditStatus, err error, duration time.Duration) {
	if _, ok := auditedOperations[op]; !ok {
		return
	}
	entry := AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: s.now(),
		Operation: op,
		BatchID:   subj.batchID,
		Caller:    subj.caller.Address,
		Role:      subj.caller.Role,
		Status:    status,
		Duration:  duration,
	}
	if err != nil {
		entry.Code = domain.CodeOf(err)
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}
