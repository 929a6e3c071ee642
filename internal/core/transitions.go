package core

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"agritrace/internal/ledger"
	"agritrace/internal/participants"
	"agritrace/pkg/domain"
	"agritrace/pkg/tokenid"
)

// CreateBatchInput carries create parameters. FarmerAddress defaults to the
// caller and must match it when given.
type CreateBatchInput struct {
	BatchID       string
	CropName      string
	CropVariety   string
	Location      string
	HarvestDate   time.Time
	FarmerAddress string
	Price         *big.Int
}

// CertifyInput carries certify parameters. CertifierAddress defaults to the caller.
type CertifyInput struct {
	BatchID          string
	CertifierAddress string
	CropHealth       string
	Expiry           time.Time
	Passed           bool
}

// PurchaseInput carries purchase parameters. RetailerAddress defaults to the caller.
type PurchaseInput struct {
	BatchID         string
	RetailerAddress string
}

// CreateBatch registers a new batch in state CREATED.
func (s *Service) CreateBatch(ctx context.Context, caller Caller, input CreateBatchInput) (Batch, error) {
	var created Batch
	batchID := tokenid.Normalize(input.BatchID)
	err := s.run(ctx, opCreateBatch, subject{batchID: batchID, caller: caller}, func(ctx context.Context) error {
		actor, err := s.checkCreate(caller, &input)
		if err != nil {
			return err
		}
		transition, _ := domain.LookupTransition("", domain.ActionCreated)
		if caller.Role != transition.Role {
			return domain.Errorf(domain.CodeUnauthorized, "role %q may not create batches", caller.Role)
		}

		release := s.locks.Lock(batchID)
		defer release()

		if _, err := s.store.Get(ctx, batchID); err == nil {
			return domain.Errorf(domain.CodeDuplicateBatch, "batch %s already exists", batchID)
		} else if !errors.Is(err, domain.ErrNotFound) {
			return err
		}

		id := tokenid.FromBatchID(batchID)
		var receipt *ledger.Receipt
		if s.createMode == CreateOnChain {
			rcpt, err := s.submit(ctx, ledger.Call{
				Operation: ledger.OpCreateBatch,
				TokenID:   id,
				Create: &ledger.CreateArgs{
					BatchID:     batchID,
					CropName:    input.CropName,
					CropVariety: input.CropVariety,
					Location:    input.Location,
					HarvestDate: input.HarvestDate,
					Price:       input.Price,
				},
				From: actor,
			})
			if err != nil {
				return s.createRejected(ctx, batchID, id, err)
			}
			receipt = &rcpt
		}

		now := s.now()
		batch := domain.Batch{
			BatchID:     batchID,
			TokenID:     id,
			CropName:    strings.TrimSpace(input.CropName),
			CropVariety: strings.TrimSpace(input.CropVariety),
			Location:    strings.TrimSpace(input.Location),
			HarvestDate: input.HarvestDate.UTC(),
			Farmer:      actor,
			Status:      domain.StatusCreated,
			Price:       new(big.Int).Set(input.Price),
			CreatedAt:   now,
			History: []domain.HistoryEntry{{
				From:      domain.NullAddress,
				To:        actor,
				Timestamp: now,
				Action:    domain.ActionCreated,
			}},
		}
		mctx, cancel := s.mirrorContext(ctx, receipt)
		defer cancel()
		created, err = s.store.Insert(mctx, batch)
		if err != nil {
			return s.mirrorFailed(batchID, receipt, err)
		}
		s.logger.Info("batch created", "batch_id", batchID, "token_id", id.Hex(), "operation", string(ledger.OpCreateBatch), "caller", actor, "mode", string(s.createMode))
		s.recordDerived(mctx, created, receipt, participants.ListRegistered, actor)
		return nil
	})
	return created, err
}

func (s *Service) checkCreate(caller Caller, input *CreateBatchInput) (string, error) {
	if tokenid.Normalize(input.BatchID) == "" {
		return "", domain.Errorf(domain.CodeInvalidInput, "batch id is required")
	}
	for name, v := range map[string]string{"crop name": input.CropName, "crop variety": input.CropVariety, "location": input.Location} {
		if strings.TrimSpace(v) == "" {
			return "", domain.Errorf(domain.CodeInvalidInput, "%s is required", name)
		}
	}
	if input.HarvestDate.IsZero() {
		return "", domain.Errorf(domain.CodeInvalidInput, "harvest date is required")
	}
	if input.Price == nil || input.Price.Sign() <= 0 {
		return "", domain.Errorf(domain.CodeInvalidInput, "price must be positive")
	}
	return actorAddress(caller, input.FarmerAddress, "farmer")
}

// CertifyBatch records a certification verdict on a CREATED batch.
func (s *Service) CertifyBatch(ctx context.Context, caller Caller, input CertifyInput) (Batch, error) {
	var updated Batch
	batchID := tokenid.Normalize(input.BatchID)
	err := s.run(ctx, opCertifyBatch, subject{batchID: batchID, caller: caller}, func(ctx context.Context) error {
		if batchID == "" {
			return domain.Errorf(domain.CodeInvalidInput, "batch id is required")
		}
		if strings.TrimSpace(input.CropHealth) == "" {
			return domain.Errorf(domain.CodeInvalidInput, "crop health is required")
		}
		if input.Expiry.IsZero() {
			return domain.Errorf(domain.CodeInvalidInput, "expiry is required")
		}
		actor, err := actorAddress(caller, input.CertifierAddress, "certifier")
		if err != nil {
			return err
		}

		release := s.locks.Lock(batchID)
		defer release()

		action := domain.CertificationAction(input.Passed)
		batch, err := s.authorize(ctx, caller, batchID, action)
		if err != nil {
			return err
		}
		call := ledger.Call{
			Operation: ledger.OpCertifyBatch,
			TokenID:   batch.TokenID,
			Certify:   &ledger.CertifyArgs{Passed: input.Passed, Health: strings.TrimSpace(input.CropHealth), Expiry: input.Expiry},
			From:      actor,
		}
		if err := s.confirmOnChain(ctx, batch, call); err != nil {
			return err
		}
		receipt, err := s.submit(ctx, call)
		if err != nil {
			return err
		}

		now := s.now()
		health := strings.TrimSpace(input.CropHealth)
		expiry := input.Expiry.UTC()
		passed := input.Passed
		mctx, cancel := s.mirrorContext(ctx, &receipt)
		defer cancel()
		updated, err = s.store.UpdateFields(mctx, batchID, domain.BatchUpdate{
			ExpectStatus: domain.StatusCreated,
			Certifier:    &actor,
			CropHealth:   &health,
			Expiry:       &expiry,
			LabResults:   &passed,
			CertifiedAt:  &now,
		}, &domain.HistoryEntry{From: originFarmer(batch), To: actor, Timestamp: now, Action: action})
		if err != nil {
			return s.mirrorFailed(batchID, &receipt, err)
		}
		s.logger.Info("batch certified", "batch_id", batchID, "token_id", batch.TokenID.Hex(), "operation", string(call.Operation), "caller", actor, "status", string(updated.Status))
		list := participants.ListCertified
		if !input.Passed {
			list = participants.ListRejected
		}
		s.recordDerived(mctx, updated, &receipt, list, actor)
		return nil
	})
	return updated, err
}

// PurchaseBatch transfers a CERTIFIED batch to the calling retailer, paying the stored price.
func (s *Service) PurchaseBatch(ctx context.Context, caller Caller, input PurchaseInput) (Batch, error) {
	var updated Batch
	batchID := tokenid.Normalize(input.BatchID)
	err := s.run(ctx, opPurchaseBatch, subject{batchID: batchID, caller: caller}, func(ctx context.Context) error {
		if batchID == "" {
			return domain.Errorf(domain.CodeInvalidInput, "batch id is required")
		}
		actor, err := actorAddress(caller, input.RetailerAddress, "retailer")
		if err != nil {
			return err
		}

		release := s.locks.Lock(batchID)
		defer release()

		batch, err := s.authorize(ctx, caller, batchID, domain.ActionPurchased)
		if err != nil {
			return err
		}
		if batch.Price == nil || batch.Price.Sign() <= 0 {
			return domain.Errorf(domain.CodeInternal, "batch %s has no price", batchID)
		}
		call := ledger.Call{
			Operation: ledger.OpPurchaseBatch,
			TokenID:   batch.TokenID,
			Value:     new(big.Int).Set(batch.Price),
			From:      actor,
		}
		if err := s.confirmOnChain(ctx, batch, call); err != nil {
			return err
		}
		receipt, err := s.submit(ctx, call)
		if err != nil {
			return err
		}

		now := s.now()
		mctx, cancel := s.mirrorContext(ctx, &receipt)
		defer cancel()
		updated, err = s.store.UpdateFields(mctx, batchID, domain.BatchUpdate{
			ExpectStatus: domain.StatusCertified,
			Retailer:     &actor,
			PurchasedAt:  &now,
		}, &domain.HistoryEntry{From: originFarmer(batch), To: actor, Timestamp: now, Action: domain.ActionPurchased})
		if err != nil {
			return s.mirrorFailed(batchID, &receipt, err)
		}
		s.logger.Info("batch purchased", "batch_id", batchID, "token_id", batch.TokenID.Hex(), "operation", string(call.Operation), "caller", actor, "price", batch.Price.String())
		s.recordDerived(mctx, updated, &receipt, participants.ListPurchased, actor)
		return nil
	})
	return updated, err
}

// authorize loads the batch and checks, in order, existence, state legality
// and caller role for applying action.
func (s *Service) authorize(ctx context.Context, caller Caller, batchID string, action domain.Action) (Batch, error) {
	batch, err := s.store.Get(ctx, batchID)
	if err != nil {
		return Batch{}, err
	}
	transition, ok := domain.LookupTransition(batch.Status, action)
	if !ok {
		return Batch{}, domain.Errorf(domain.CodeIllegalTransition, "cannot apply %s to batch %s in state %s", action, batchID, batch.Status)
	}
	if caller.Role != transition.Role {
		return Batch{}, domain.Errorf(domain.CodeUnauthorized, "role %q may not apply %s", caller.Role, action)
	}
	return batch, nil
}

// confirmOnChain blocks transitions on batches the ledger does not know, or
// whose ledger status disagrees with the off-chain record.
func (s *Service) confirmOnChain(ctx context.Context, batch Batch, call ledger.Call) error {
	exists, err := s.ledger.Exists(ctx, batch.TokenID)
	if err != nil {
		return err
	}
	if !exists {
		s.logger.Warn("batch missing on ledger", "batch_id", batch.BatchID, "token_id", batch.TokenID.Hex(), "operation", string(call.Operation))
		return domain.Errorf(domain.CodeDivergence, "batch %s is not recorded on the ledger", batch.BatchID)
	}
	status, err := s.ledger.ReadStatus(ctx, batch.TokenID)
	if err != nil {
		return err
	}
	if status != domain.StatusUnknown && status != batch.Status {
		s.logger.Warn("ledger status disagrees", "batch_id", batch.BatchID, "token_id", batch.TokenID.Hex(), "onchain", string(status), "offchain", string(batch.Status))
		return domain.Errorf(domain.CodeDivergence, "batch %s is %s on the ledger but %s off-chain", batch.BatchID, status, batch.Status)
	}
	return nil
}

// submit sends call and resolves an ambiguous transport failure by probing
// whether the intended post-state was reached.
func (s *Service) submit(ctx context.Context, call ledger.Call) (ledger.Receipt, error) {
	receipt, err := s.ledger.Submit(ctx, call)
	if err == nil {
		return receipt, nil
	}
	if !errors.Is(err, domain.ErrTransport) {
		return ledger.Receipt{}, err
	}
	s.logger.Error("ledger submit outcome unknown", "token_id", call.TokenID.Hex(), "operation", string(call.Operation), "caller", call.From, "error", err)

	confirmed, probeErr := s.probe(ctx, call)
	if probeErr != nil || !confirmed {
		if probeErr != nil {
			s.logger.Warn("ledger probe failed", "token_id", call.TokenID.Hex(), "operation", string(call.Operation), "error", probeErr)
		}
		return ledger.Receipt{}, err
	}
	s.logger.Info("ledger submit confirmed by probe", "token_id", call.TokenID.Hex(), "operation", string(call.Operation))
	return ledger.Receipt{
		Operation:        call.Operation,
		TokenID:          call.TokenID,
		SubmittedBy:      call.From,
		ConfirmedByProbe: true,
	}, nil
}

func (s *Service) probe(ctx context.Context, call ledger.Call) (bool, error) {
	if call.Operation == ledger.OpCreateBatch {
		return s.ledger.Exists(ctx, call.TokenID)
	}
	status, err := s.ledger.ReadStatus(ctx, call.TokenID)
	if err != nil {
		return false, err
	}
	return status == ledger.PostState(call), nil
}

// mirrorContext derives the context for the off-chain writes that follow a
// ledger commit. With a receipt the writes must land even if the caller has
// gone away, so cancellation is dropped and a fresh deadline applies.
func (s *Service) mirrorContext(ctx context.Context, receipt *ledger.Receipt) (context.Context, context.CancelFunc) {
	if receipt == nil {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(context.WithoutCancel(ctx), s.mirrorTimeout)
}

// createRejected turns a rejected createBatch into DIVERGENCE when the token
// is already on the ledger: the caller has checked that no off-chain record
// exists, so the ledger holds an orphan that a retry can never repair.
func (s *Service) createRejected(ctx context.Context, batchID string, id tokenid.ID, err error) error {
	if !errors.Is(err, domain.ErrRejected) {
		return err
	}
	exists, probeErr := s.ledger.Exists(ctx, id)
	if probeErr != nil || !exists {
		return err
	}
	s.logger.Error("token on ledger without off-chain record", "batch_id", batchID, "token_id", id.Hex(), "error", err)
	return domain.Errorf(domain.CodeDivergence, "batch %s is recorded on the ledger but has no off-chain record: %w", batchID, err)
}

// mirrorFailed classifies an off-chain write failure. Once the ledger has
// committed, any failure leaves the two stores divergent.
func (s *Service) mirrorFailed(batchID string, receipt *ledger.Receipt, err error) error {
	if receipt == nil {
		return err
	}
	s.logger.Error("off-chain mirror failed after ledger commit", "batch_id", batchID, "token_id", receipt.TokenID.Hex(), "operation", string(receipt.Operation), "tx_hash", receipt.TxHash, "error", err)
	return domain.Errorf(domain.CodeDivergence, "ledger committed %s for batch %s but the off-chain write failed: %w", receipt.Operation, batchID, err)
}

// recordDerived updates the best-effort derived views after a commit.
func (s *Service) recordDerived(ctx context.Context, batch Batch, receipt *ledger.Receipt, list participants.ListName, address string) {
	if err := s.directory.AddToSet(ctx, address, list, batch.BatchID); err != nil {
		s.logger.Warn("participant directory update failed", "batch_id", batch.BatchID, "list", string(list), "address", address, "error", err)
	}
	if s.archive == nil {
		return
	}
	if _, err := s.archive.Append(ctx, batch, receipt); err != nil {
		s.logger.Warn("provenance archive write failed", "batch_id", batch.BatchID, "token_id", batch.TokenID.Hex(), "error", err)
	}
}

// actorAddress resolves the acting participant address: the explicit one must
// match the caller.
func actorAddress(caller Caller, explicit, label string) (string, error) {
	addr, err := domain.NormalizeAddress(caller.Address)
	if err != nil {
		return "", domain.Errorf(domain.CodeInvalidInput, "caller: %v", err)
	}
	if strings.TrimSpace(explicit) == "" {
		return addr, nil
	}
	given, err := domain.NormalizeAddress(explicit)
	if err != nil {
		return "", domain.Errorf(domain.CodeInvalidInput, "%s: %v", label, err)
	}
	if given != addr {
		return "", domain.Errorf(domain.CodeUnauthorized, "%s address %s does not match caller %s", label, given, addr)
	}
	return addr, nil
}

// originFarmer is the address history entries name as the sender. It is read
// from the CREATED entry so it survives farmer deregistration.
func originFarmer(b Batch) string {
	if len(b.History) > 0 {
		return b.History[0].To
	}
	return b.Farmer
}
