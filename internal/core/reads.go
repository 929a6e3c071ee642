package core

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"agritrace/internal/ledger"
	"agritrace/pkg/domain"
	"agritrace/pkg/tokenid"
)

// ReconciliationState summarises the ledger cross-check of a read.
type ReconciliationState string

const (
	ReconcileConsistent ReconciliationState = "consistent"
	ReconcileDivergent  ReconciliationState = "divergent"
	// ReconcileUnknown means the ledger could not be reached.
	ReconcileUnknown ReconciliationState = "unknown"
	// ReconcileSkipped means no cross-check was requested.
	ReconcileSkipped ReconciliationState = "skipped"
)

// Reconciliation is the outcome of comparing a batch with the ledger.
type Reconciliation struct {
	State         ReconciliationState `json:"state"`
	OnchainExists *bool               `json:"onchainExists,omitempty"`
	OnchainStatus domain.Status       `json:"onchainStatus,omitempty"`
	Discrepancies []string            `json:"discrepancies,omitempty"`
}

// BatchView is a batch together with its reconciliation outcome.
type BatchView struct {
	Batch          Batch          `json:"batch"`
	Reconciliation Reconciliation `json:"reconciliation"`
}

// ReadOptions tunes GetBatch. A nil Reconcile uses the service default.
type ReadOptions struct {
	Reconcile *bool
}

// GetBatch returns the off-chain record, optionally cross-checked against the
// ledger. Ledger failures never fail the read.
func (s *Service) GetBatch(ctx context.Context, batchID string, opts ReadOptions) (BatchView, error) {
	var view BatchView
	id := tokenid.Normalize(batchID)
	err := s.run(ctx, opGetBatch, subject{batchID: id}, func(ctx context.Context) error {
		if id == "" {
			return domain.Errorf(domain.CodeInvalidInput, "batch id is required")
		}
		reconcile := s.reconcileOnRead
		if opts.Reconcile != nil {
			reconcile = *opts.Reconcile
		}
		batch, err := s.store.Get(ctx, id)
		if err != nil {
			if reconcile && errors.Is(err, domain.ErrNotFound) {
				return s.orphanCheck(ctx, id, err)
			}
			return err
		}
		view.Batch = batch
		if !reconcile {
			view.Reconciliation = Reconciliation{State: ReconcileSkipped}
			return nil
		}
		view.Reconciliation = s.reconcile(ctx, batch)
		return nil
	})
	return view, err
}

// orphanCheck reports a token the ledger holds without an off-chain record.
// A failed probe leaves notFound as is.
func (s *Service) orphanCheck(ctx context.Context, batchID string, notFound error) error {
	id := tokenid.FromBatchID(batchID)
	exists, err := s.ledger.Exists(ctx, id)
	if err != nil || !exists {
		return notFound
	}
	s.logger.Warn("batch diverged from ledger", "batch_id", batchID, "token_id", id.Hex(), "discrepancy", "no off-chain record")
	return domain.Errorf(domain.CodeDivergence, "batch %s is recorded on the ledger but has no off-chain record", batchID)
}

func (s *Service) reconcile(ctx context.Context, batch Batch) Reconciliation {
	exists, err := s.ledger.Exists(ctx, batch.TokenID)
	if err != nil {
		s.logger.Warn("reconciliation probe failed", "batch_id", batch.BatchID, "token_id", batch.TokenID.Hex(), "error", err)
		return Reconciliation{State: ReconcileUnknown}
	}
	rec := Reconciliation{OnchainExists: &exists}
	if !exists {
		rec.State = ReconcileDivergent
		rec.Discrepancies = []string{"token is not recorded on the ledger"}
		s.logger.Warn("batch diverged from ledger", "batch_id", batch.BatchID, "token_id", batch.TokenID.Hex(), "discrepancy", rec.Discrepancies[0])
		return rec
	}
	status, err := s.ledger.ReadStatus(ctx, batch.TokenID)
	if err != nil {
		s.logger.Warn("reconciliation status read failed", "batch_id", batch.BatchID, "token_id", batch.TokenID.Hex(), "error", err)
		rec.State = ReconcileUnknown
		return rec
	}
	rec.OnchainStatus = status
	if status != domain.StatusUnknown && status != batch.Status {
		rec.State = ReconcileDivergent
		rec.Discrepancies = []string{fmt.Sprintf("status is %s on the ledger but %s off-chain", status, batch.Status)}
		s.logger.Warn("batch diverged from ledger", "batch_id", batch.BatchID, "token_id", batch.TokenID.Hex(), "discrepancy", rec.Discrepancies[0])
		return rec
	}
	rec.State = ReconcileConsistent
	return rec
}

// ListQuery selects batches. An empty Index lists every batch.
type ListQuery struct {
	Index domain.IndexName
	Value string
	Order domain.SortOrder
}

// ListBatches lists batches by secondary index or in full.
func (s *Service) ListBatches(ctx context.Context, q ListQuery) ([]Batch, error) {
	var out []Batch
	err := s.run(ctx, opListBatches, subject{}, func(ctx context.Context) error {
		order := q.Order
		switch order {
		case "":
			order = domain.SortNewestFirst
		case domain.SortNewestFirst, domain.SortOldestFirst:
		default:
			return domain.Errorf(domain.CodeInvalidInput, "unknown sort order %q", q.Order)
		}
		if q.Index == "" {
			var err error
			out, err = s.store.ListAll(ctx, order)
			return err
		}
		value, err := indexValue(q.Index, q.Value)
		if err != nil {
			return err
		}
		out, err = s.store.ListByIndex(ctx, q.Index, value)
		if err != nil {
			return err
		}
		domain.SortByCreated(out, order)
		return nil
	})
	return out, err
}

func indexValue(index domain.IndexName, value string) (string, error) {
	switch index {
	case domain.IndexFarmer, domain.IndexCertifier, domain.IndexRetailer:
		addr, err := domain.NormalizeAddress(value)
		if err != nil {
			return "", domain.Errorf(domain.CodeInvalidInput, "%s: %v", index, err)
		}
		return addr, nil
	case domain.IndexStatus:
		status := domain.Status(strings.ToUpper(strings.TrimSpace(value)))
		if !status.Valid() {
			return "", domain.Errorf(domain.CodeInvalidInput, "unknown status %q", value)
		}
		return string(status), nil
	default:
		return "", domain.Errorf(domain.CodeInvalidInput, "unknown index %q", index)
	}
}

// SearchBatches returns the batch whose id equals text first, followed by
// batches whose crop name, variety or location contain text.
func (s *Service) SearchBatches(ctx context.Context, text string) ([]Batch, error) {
	var out []Batch
	err := s.run(ctx, opSearchBatches, subject{}, func(ctx context.Context) error {
		query := strings.TrimSpace(text)
		if query == "" {
			return domain.Errorf(domain.CodeInvalidInput, "search text is required")
		}
		out = make([]Batch, 0)
		exact, err := s.store.Get(ctx, query)
		switch {
		case err == nil:
			out = append(out, exact)
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}
		matches, err := s.store.Search(ctx, query)
		if err != nil {
			return err
		}
		for _, b := range matches {
			if len(out) > 0 && b.BatchID == out[0].BatchID {
				continue
			}
			out = append(out, b)
		}
		return nil
	})
	return out, err
}

// PendingCertification lists CREATED batches, newest first.
func (s *Service) PendingCertification(ctx context.Context) ([]Batch, error) {
	var out []Batch
	err := s.run(ctx, opPendingCertification, subject{}, func(ctx context.Context) error {
		var err error
		out, err = s.store.ListByIndex(ctx, domain.IndexStatus, string(domain.StatusCreated))
		domain.SortByCreated(out, domain.SortNewestFirst)
		return err
	})
	return out, err
}

// AvailableForPurchase lists CERTIFIED batches, most recently certified first.
func (s *Service) AvailableForPurchase(ctx context.Context) ([]Batch, error) {
	var out []Batch
	err := s.run(ctx, opAvailableForPurchase, subject{}, func(ctx context.Context) error {
		var err error
		out, err = s.store.ListByIndex(ctx, domain.IndexStatus, string(domain.StatusCertified))
		domain.SortByCertified(out)
		return err
	})
	return out, err
}

// EstimateCost asks the ledger for an advisory cost of applying operation to
// batchID. Arguments are filled from the stored batch when it exists.
func (s *Service) EstimateCost(ctx context.Context, operation ledger.Operation, batchID string) (*big.Int, error) {
	var cost *big.Int
	id := tokenid.Normalize(batchID)
	err := s.run(ctx, opEstimateCost, subject{batchID: id}, func(ctx context.Context) error {
		if !operation.Valid() {
			return domain.Errorf(domain.CodeInvalidInput, "unknown operation %q", operation)
		}
		if id == "" {
			return domain.Errorf(domain.CodeInvalidInput, "batch id is required")
		}
		call := ledger.Call{Operation: operation, TokenID: tokenid.FromBatchID(id)}
		batch, err := s.store.Get(ctx, id)
		switch {
		case err == nil:
			call.Create = &ledger.CreateArgs{
				BatchID:     batch.BatchID,
				CropName:    batch.CropName,
				CropVariety: batch.CropVariety,
				Location:    batch.Location,
				HarvestDate: batch.HarvestDate,
				Price:       batch.Price,
			}
			call.Value = batch.Price
		case errors.Is(err, domain.ErrNotFound):
			if operation != ledger.OpCreateBatch {
				return err
			}
			call.Create = &ledger.CreateArgs{BatchID: id}
		default:
			return err
		}
		if operation == ledger.OpCertifyBatch {
			call.Certify = &ledger.CertifyArgs{Passed: true}
		}
		cost, err = s.ledger.EstimateCost(ctx, call)
		return err
	})
	return cost, err
}
