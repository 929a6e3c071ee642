package core

import (
	"context"
	"testing"

	memledger "agritrace/internal/infra/ledger/memory"
	"agritrace/internal/ledger"
	"agritrace/pkg/domain"
)

func TestGetBatchReconciliation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.mustCreate(t, "LOT-R1")

	view, err := f.svc.GetBatch(ctx, " LOT-R1 ", ReadOptions{})
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	rec := view.Reconciliation
	if rec.State != ReconcileConsistent || rec.OnchainStatus != domain.StatusCreated || rec.OnchainExists == nil || !*rec.OnchainExists {
		t.Fatalf("expected consistent reconciliation: %+v", rec)
	}

	off := false
	view, err = f.svc.GetBatch(ctx, "LOT-R1", ReadOptions{Reconcile: &off})
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if view.Reconciliation.State != ReconcileSkipped {
		t.Fatalf("expected skipped reconciliation, got %s", view.Reconciliation.State)
	}

	f.ledger.SetStatus(b.TokenID, domain.StatusPurchased)
	view, err = f.svc.GetBatch(ctx, "LOT-R1", ReadOptions{})
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if view.Reconciliation.State != ReconcileDivergent || len(view.Reconciliation.Discrepancies) != 1 {
		t.Fatalf("expected status divergence: %+v", view.Reconciliation)
	}

	_, err = f.svc.GetBatch(ctx, "LOT-missing", ReadOptions{})
	expectCode(t, err, domain.CodeNotFound)
	_, err = f.svc.GetBatch(ctx, "  ", ReadOptions{})
	expectCode(t, err, domain.CodeInvalidInput)
}

func TestGetBatchSurvivesUnreachableLedger(t *testing.T) {
	ctx := context.Background()
	l := memledger.New()
	seed := NewInMemoryService(l)
	if _, err := seed.CreateBatch(ctx, farmer, createInput("LOT-R2")); err != nil {
		t.Fatalf("create: %v", err)
	}

	svc := NewService(seed.Store(), unreachableLedger{Ledger: l})
	view, err := svc.GetBatch(ctx, "LOT-R2", ReadOptions{})
	if err != nil {
		t.Fatalf("ledger failures must not fail reads: %v", err)
	}
	if view.Reconciliation.State != ReconcileUnknown || view.Batch.BatchID != "LOT-R2" {
		t.Fatalf("expected unknown reconciliation: %+v", view)
	}

	_, err = svc.CertifyBatch(ctx, certifier, certifyInput("LOT-R2", true))
	expectCode(t, err, domain.CodeTransportError)
}

func TestReconcileOnReadDefault(t *testing.T) {
	f := newFixture(t, WithReconcileOnRead(false))
	f.mustCreate(t, "LOT-R3")
	view, err := f.svc.GetBatch(context.Background(), "LOT-R3", ReadOptions{})
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if view.Reconciliation.State != ReconcileSkipped {
		t.Fatalf("expected skipped reconciliation by default, got %s", view.Reconciliation.State)
	}
	on := true
	view, err = f.svc.GetBatch(context.Background(), "LOT-R3", ReadOptions{Reconcile: &on})
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if view.Reconciliation.State != ReconcileConsistent {
		t.Fatalf("expected explicit reconciliation, got %s", view.Reconciliation.State)
	}
}

func TestListBatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, id := range []string{"LOT-A", "LOT-B", "LOT-C"} {
		f.mustCreate(t, id)
	}
	f.mustCertify(t, "LOT-B", true)

	all, err := f.svc.ListBatches(ctx, ListQuery{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if ids(all) != "LOT-C,LOT-B,LOT-A" {
		t.Fatalf("expected newest first, got %s", ids(all))
	}
	oldest, err := f.svc.ListBatches(ctx, ListQuery{Order: domain.SortOldestFirst})
	if err != nil {
		t.Fatalf("list oldest: %v", err)
	}
	if ids(oldest) != "LOT-A,LOT-B,LOT-C" {
		t.Fatalf("expected oldest first, got %s", ids(oldest))
	}

	byFarmer, err := f.svc.ListBatches(ctx, ListQuery{Index: domain.IndexFarmer, Value: "0x1000000000000000000000000000000000000001"})
	if err != nil {
		t.Fatalf("list by farmer: %v", err)
	}
	if len(byFarmer) != 3 {
		t.Fatalf("expected 3 batches for farmer, got %d", len(byFarmer))
	}
	byStatus, err := f.svc.ListBatches(ctx, ListQuery{Index: domain.IndexStatus, Value: "certified"})
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if ids(byStatus) != "LOT-B" {
		t.Fatalf("expected LOT-B, got %s", ids(byStatus))
	}
	byCertifier, err := f.svc.ListBatches(ctx, ListQuery{Index: domain.IndexCertifier, Value: certifierAddr})
	if err != nil {
		t.Fatalf("list by certifier: %v", err)
	}
	if ids(byCertifier) != "LOT-B" {
		t.Fatalf("expected LOT-B, got %s", ids(byCertifier))
	}

	for name, q := range map[string]ListQuery{
		"bad index":   {Index: "owner", Value: farmerAddr},
		"bad status":  {Index: domain.IndexStatus, Value: "SHIPPED"},
		"bad address": {Index: domain.IndexRetailer, Value: "shop"},
		"bad order":   {Order: "random"},
	} {
		if _, err := f.svc.ListBatches(ctx, q); domain.CodeOf(err) != domain.CodeInvalidInput {
			t.Fatalf("%s: expected INVALID_INPUT, got %v", name, err)
		}
	}
}

func TestSearchBatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustCreate(t, "Rice-1")
	in := createInput("LOT-S2")
	in.CropName = "Wild Rice"
	if _, err := f.svc.CreateBatch(ctx, farmer, in); err != nil {
		t.Fatalf("create: %v", err)
	}
	in = createInput("LOT-S3")
	in.CropName, in.CropVariety = "Maize", "Sweet"
	if _, err := f.svc.CreateBatch(ctx, farmer, in); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := f.svc.SearchBatches(ctx, "rice")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if ids(got) != "LOT-S2,Rice-1" {
		t.Fatalf("expected text matches newest first, got %s", ids(got))
	}

	got, err = f.svc.SearchBatches(ctx, "Rice-1")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) == 0 || got[0].BatchID != "Rice-1" {
		t.Fatalf("expected exact id match first, got %s", ids(got))
	}

	got, err = f.svc.SearchBatches(ctx, "barley")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil result, got %v", got)
	}

	_, err = f.svc.SearchBatches(ctx, " ")
	expectCode(t, err, domain.CodeInvalidInput)
}

func TestPendingAndAvailableViews(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, id := range []string{"LOT-P1", "LOT-P2", "LOT-P3", "LOT-P4"} {
		f.mustCreate(t, id)
	}
	f.mustCertify(t, "LOT-P2", true)
	f.mustCertify(t, "LOT-P1", true)
	f.mustCertify(t, "LOT-P4", false)

	pending, err := f.svc.PendingCertification(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if ids(pending) != "LOT-P3" {
		t.Fatalf("expected LOT-P3 pending, got %s", ids(pending))
	}
	available, err := f.svc.AvailableForPurchase(ctx)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if ids(available) != "LOT-P1,LOT-P2" {
		t.Fatalf("expected most recently certified first, got %s", ids(available))
	}

	f.mustPurchase(t, "LOT-P1")
	available, err = f.svc.AvailableForPurchase(ctx)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if ids(available) != "LOT-P2" {
		t.Fatalf("purchased batches must leave the available view, got %s", ids(available))
	}
}

func TestEstimateCost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cost, err := f.svc.EstimateCost(ctx, ledger.OpCreateBatch, "LOT-E1")
	if err != nil {
		t.Fatalf("estimate create: %v", err)
	}
	if cost.Int64() != 350_000 {
		t.Fatalf("unexpected create estimate %s", cost)
	}

	_, err = f.svc.EstimateCost(ctx, ledger.OpCertifyBatch, "LOT-E1")
	expectCode(t, err, domain.CodeNotFound)

	f.mustCreate(t, "LOT-E1")
	cost, err = f.svc.EstimateCost(ctx, ledger.OpCertifyBatch, "LOT-E1")
	if err != nil {
		t.Fatalf("estimate certify: %v", err)
	}
	if cost.Int64() != 200_000 {
		t.Fatalf("unexpected certify estimate %s", cost)
	}

	_, err = f.svc.EstimateCost(ctx, "burnBatch", "LOT-E1")
	expectCode(t, err, domain.CodeInvalidInput)
	if len(f.ledger.Submitted()) != 1 {
		t.Fatalf("estimates must not submit")
	}
}

func ids(batches []Batch) string {
	out := ""
	for i, b := range batches {
		if i > 0 {
			out += ","
		}
		out += b.BatchID
	}
	return out
}
