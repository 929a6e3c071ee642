package core

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"agritrace/internal/archive"
	"agritrace/internal/blob"
	memledger "agritrace/internal/infra/ledger/memory"
	"agritrace/internal/infra/persistence/memory"
	"agritrace/internal/ledger"
	"agritrace/internal/participants"
	"agritrace/pkg/domain"
	"agritrace/pkg/tokenid"
)

func TestBatchLifecycleHappyPath(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created := f.mustCreate(t, "  LOT-001 ")
	if created.BatchID != "LOT-001" {
		t.Fatalf("expected trimmed batch id, got %q", created.BatchID)
	}
	if created.TokenID != tokenid.FromBatchID("LOT-001") {
		t.Fatalf("token id not derived from batch id")
	}
	if created.Status != domain.StatusCreated || created.Farmer != farmerAddr {
		t.Fatalf("unexpected created batch: %+v", created)
	}
	if len(created.History) != 1 || created.History[0].From != domain.NullAddress || created.History[0].To != farmerAddr {
		t.Fatalf("unexpected creation history: %+v", created.History)
	}

	certified := f.mustCertify(t, "LOT-001", true)
	if certified.Status != domain.StatusCertified || certified.Certifier != certifierAddr {
		t.Fatalf("unexpected certified batch: %+v", certified)
	}
	if certified.CertifiedAt == nil || certified.LabResults == nil || !*certified.LabResults || certified.CropHealth != "good" {
		t.Fatalf("certification fields not recorded: %+v", certified)
	}

	purchased := f.mustPurchase(t, "LOT-001")
	if purchased.Status != domain.StatusPurchased || purchased.Retailer != retailerAddr || purchased.PurchasedAt == nil {
		t.Fatalf("unexpected purchased batch: %+v", purchased)
	}
	want := []domain.HistoryEntry{
		{From: domain.NullAddress, To: farmerAddr, Action: domain.ActionCreated},
		{From: farmerAddr, To: certifierAddr, Action: domain.ActionCertified},
		{From: farmerAddr, To: retailerAddr, Action: domain.ActionPurchased},
	}
	if len(purchased.History) != len(want) {
		t.Fatalf("expected %d history entries, got %d", len(want), len(purchased.History))
	}
	for i, w := range want {
		got := purchased.History[i]
		if got.From != w.From || got.To != w.To || got.Action != w.Action {
			t.Fatalf("history[%d] = %+v, want %+v", i, got, w)
		}
		if i > 0 && !got.Timestamp.After(purchased.History[i-1].Timestamp) {
			t.Fatalf("history timestamps must increase")
		}
	}

	owner, ok := f.ledger.Owner(created.TokenID)
	if !ok || owner != retailerAddr {
		t.Fatalf("expected ledger owner %s, got %s (%v)", retailerAddr, owner, ok)
	}
	submitted := f.ledger.Submitted()
	if len(submitted) != 3 || submitted[2].Value.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("expected purchase to pay the stored price, calls=%+v", submitted)
	}

	checks := []struct {
		addr string
		pick func(participants.Lists) []string
	}{
		{farmerAddr, func(l participants.Lists) []string { return l.Registered }},
		{certifierAddr, func(l participants.Lists) []string { return l.Certified }},
		{retailerAddr, func(l participants.Lists) []string { return l.Purchased }},
	}
	for _, c := range checks {
		lists, err := f.svc.ParticipantLists(ctx, c.addr)
		if err != nil {
			t.Fatalf("participant lists %s: %v", c.addr, err)
		}
		if got := c.pick(lists); len(got) != 1 || got[0] != "LOT-001" {
			t.Fatalf("unexpected directory lists for %s: %+v", c.addr, lists)
		}
	}
}

func TestCertificationRejectionIsTerminal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustCreate(t, "LOT-002")

	rejected := f.mustCertify(t, "LOT-002", false)
	if rejected.Status != domain.StatusRejected || rejected.CertifiedAt == nil {
		t.Fatalf("unexpected rejected batch: %+v", rejected)
	}
	if last, _ := rejected.LastAction(); last != domain.ActionRejected {
		t.Fatalf("expected REJECTED history entry, got %s", last)
	}
	lists, err := f.svc.ParticipantLists(ctx, certifierAddr)
	if err != nil {
		t.Fatalf("participant lists: %v", err)
	}
	if len(lists.Rejected) != 1 || len(lists.Certified) != 0 {
		t.Fatalf("expected batch in rejected list only: %+v", lists)
	}

	_, err = f.svc.PurchaseBatch(ctx, retailer, PurchaseInput{BatchID: "LOT-002"})
	expectCode(t, err, domain.CodeIllegalTransition)
	_, err = f.svc.CertifyBatch(ctx, certifier, certifyInput("LOT-002", true))
	expectCode(t, err, domain.CodeIllegalTransition)
}

func TestTransitionChecksOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustCreate(t, "LOT-003")

	_, err := f.svc.CertifyBatch(ctx, certifier, certifyInput("missing", true))
	expectCode(t, err, domain.CodeNotFound)

	_, err = f.svc.PurchaseBatch(ctx, retailer, PurchaseInput{BatchID: "LOT-003"})
	expectCode(t, err, domain.CodeIllegalTransition)

	_, err = f.svc.CertifyBatch(ctx, Caller{Address: retailerAddr, Role: domain.RoleRetailer}, certifyInput("LOT-003", true))
	expectCode(t, err, domain.CodeUnauthorized)

	f.mustCertify(t, "LOT-003", true)
	_, err = f.svc.CertifyBatch(ctx, certifier, certifyInput("LOT-003", true))
	expectCode(t, err, domain.CodeIllegalTransition)

	// a wrong role on an illegal transition reports the transition first
	_, err = f.svc.CertifyBatch(ctx, farmer, certifyInput("LOT-003", true))
	expectCode(t, err, domain.CodeIllegalTransition)

	_, err = f.svc.PurchaseBatch(ctx, certifier, PurchaseInput{BatchID: "LOT-003"})
	expectCode(t, err, domain.CodeUnauthorized)

	if got := len(f.ledger.Submitted()); got != 2 {
		t.Fatalf("refused transitions must not reach the ledger, got %d calls", got)
	}
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cases := map[string]func(in *CreateBatchInput){
		"blank id":   func(in *CreateBatchInput) { in.BatchID = "   " },
		"no crop":    func(in *CreateBatchInput) { in.CropName = "" },
		"no harvest": func(in *CreateBatchInput) { in.HarvestDate = time.Time{} },
		"zero price": func(in *CreateBatchInput) { in.Price = big.NewInt(0) },
		"nil price":  func(in *CreateBatchInput) { in.Price = nil },
		"bad farmer": func(in *CreateBatchInput) { in.FarmerAddress = "farmer-1" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := createInput("LOT-V")
			mutate(&in)
			_, err := f.svc.CreateBatch(ctx, farmer, in)
			expectCode(t, err, domain.CodeInvalidInput)
		})
	}

	in := createInput("LOT-V")
	in.FarmerAddress = certifierAddr
	_, err := f.svc.CreateBatch(ctx, farmer, in)
	expectCode(t, err, domain.CodeUnauthorized)

	_, err = f.svc.CreateBatch(ctx, retailer, createInput("LOT-V"))
	expectCode(t, err, domain.CodeUnauthorized)

	if len(f.ledger.Submitted()) != 0 {
		t.Fatalf("invalid creates must not reach the ledger")
	}
}

func TestCreateDuplicateBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustCreate(t, "LOT-004")

	_, err := f.svc.CreateBatch(ctx, farmer, createInput(" LOT-004"))
	expectCode(t, err, domain.CodeDuplicateBatch)
	if !errors.Is(err, domain.ErrDuplicateBatch) {
		t.Fatalf("expected errors.Is match on ErrDuplicateBatch")
	}
}

func TestConcurrentCreateHasSingleWinner(t *testing.T) {
	f := newFixture(t)
	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		dupes     int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateBatch(context.Background(), farmer, createInput("LOT-RACE"))
			mu.Lock()
			defer mu.Unlock()
			switch domain.CodeOf(err) {
			case "":
				successes++
			case domain.CodeDuplicateBatch:
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if successes != 1 || dupes != workers-1 {
		t.Fatalf("expected one success and %d duplicates, got %d/%d", workers-1, successes, dupes)
	}
	if got := len(f.ledger.Submitted()); got != 1 {
		t.Fatalf("expected one ledger submission, got %d", got)
	}
	if f.svc.locks.size() != 0 {
		t.Fatalf("expected lock table to drain")
	}
}

func TestConcurrentCertifyHasSingleWinner(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "LOT-RACE-2")
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(passed bool) {
			defer wg.Done()
			_, err := f.svc.CertifyBatch(context.Background(), certifier, certifyInput("LOT-RACE-2", passed))
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if domain.CodeOf(err) != domain.CodeIllegalTransition {
				t.Errorf("unexpected error: %v", err)
			}
		}(i%2 == 0)
	}
	wg.Wait()
	if successes != 1 {
		t.Fatalf("expected exactly one certification, got %d", successes)
	}
	view, err := f.svc.GetBatch(context.Background(), "LOT-RACE-2", ReadOptions{})
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if len(view.Batch.History) != 2 || view.Reconciliation.State != ReconcileConsistent {
		t.Fatalf("unexpected state after race: %+v", view)
	}
}

func TestTransitionBlockedWhenLedgerLostBatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	b := f.mustCreate(t, "LOT-005")
	f.ledger.Forget(b.TokenID)

	_, err := f.svc.CertifyBatch(ctx, certifier, certifyInput("LOT-005", true))
	expectCode(t, err, domain.CodeDivergence)

	view, err := f.svc.GetBatch(ctx, "LOT-005", ReadOptions{})
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if view.Batch.Status != domain.StatusCreated {
		t.Fatalf("off-chain record must be untouched, got %s", view.Batch.Status)
	}
	if view.Reconciliation.State != ReconcileDivergent || view.Reconciliation.OnchainExists == nil || *view.Reconciliation.OnchainExists {
		t.Fatalf("expected divergent reconciliation: %+v", view.Reconciliation)
	}
}

func TestTransitionBlockedOnStatusMismatch(t *testing.T) {
	f := newFixture(t)
	b := f.mustCreate(t, "LOT-006")
	f.ledger.SetStatus(b.TokenID, domain.StatusCertified)

	_, err := f.svc.CertifyBatch(context.Background(), certifier, certifyInput("LOT-006", true))
	expectCode(t, err, domain.CodeDivergence)
	if got := len(f.ledger.Submitted()); got != 1 {
		t.Fatalf("certify must not be submitted, got %d calls", got)
	}
}

func TestOffChainCreateModeSkipsLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithCreateMode(CreateOffChain))
	f.mustCreate(t, "LOT-007")
	if len(f.ledger.Submitted()) != 0 {
		t.Fatalf("offchain create must not submit")
	}
	view, err := f.svc.GetBatch(ctx, "LOT-007", ReadOptions{})
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if view.Reconciliation.State != ReconcileDivergent {
		t.Fatalf("expected divergent reconciliation, got %s", view.Reconciliation.State)
	}
	_, err = f.svc.CertifyBatch(ctx, certifier, certifyInput("LOT-007", true))
	expectCode(t, err, domain.CodeDivergence)
}

func TestAmbiguousSubmitConfirmedByProbe(t *testing.T) {
	ctx := context.Background()
	store := blob.NewMemory()
	f := newFixture(t, WithArchive(archive.New(store)))
	f.mustCreate(t, "LOT-008")
	f.ledger.InjectFault(ledger.OpCertifyBatch, memledger.Fault{
		Err:    domain.Transport("certifyBatch", errors.New("context deadline exceeded")),
		Commit: true,
	})

	certified := f.mustCertify(t, "LOT-008", true)
	if certified.Status != domain.StatusCertified {
		t.Fatalf("expected certification to land, got %s", certified.Status)
	}
	records, err := f.svc.ProvenanceRecords(ctx, "LOT-008")
	if err != nil {
		t.Fatalf("provenance records: %v", err)
	}
	if len(records) != 2 || records[1].Receipt == nil || !records[1].Receipt.ConfirmedByProbe {
		t.Fatalf("expected probe-confirmed receipt in archive: %+v", records)
	}
}

func TestAmbiguousSubmitNotConfirmed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustCreate(t, "LOT-009")
	f.ledger.InjectFault(ledger.OpPurchaseBatch, memledger.Fault{Err: domain.Transport("purchaseBatch", errors.New("EOF"))})
	f.mustCertify(t, "LOT-009", true)

	_, err := f.svc.PurchaseBatch(ctx, retailer, PurchaseInput{BatchID: "LOT-009"})
	expectCode(t, err, domain.CodeTransportError)

	view, err := f.svc.GetBatch(ctx, "LOT-009", ReadOptions{})
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if view.Batch.Status != domain.StatusCertified || view.Reconciliation.State != ReconcileConsistent {
		t.Fatalf("failed purchase must leave both sides certified: %+v", view)
	}

	f.mustPurchase(t, "LOT-009")
}

func TestLedgerRejectionLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	l := memledger.New(memledger.WithRoleRegistry())
	l.RegisterUser(farmerAddr, domain.RoleFarmer)
	svc := NewInMemoryService(l)

	if _, err := svc.CreateBatch(ctx, farmer, createInput("LOT-010")); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := svc.CertifyBatch(ctx, certifier, certifyInput("LOT-010", true))
	expectCode(t, err, domain.CodeRejected)

	b, err := svc.Store().Get(ctx, "LOT-010")
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if b.Status != domain.StatusCreated || len(b.History) != 1 {
		t.Fatalf("rejected call must not change the record: %+v", b)
	}
}

func TestMirrorFailureAfterCommitIsDivergence(t *testing.T) {
	ctx := context.Background()
	diskFull := errors.New("disk full")
	store := memory.NewStore(NewDefaultRulesEngine(), memory.WithCommitHook(func(_ context.Context, change domain.Change) error {
		if change.Action == domain.ChangeUpdate {
			return diskFull
		}
		return nil
	}))
	l := memledger.New()
	svc := NewService(store, l)

	b, err := svc.CreateBatch(ctx, farmer, createInput("LOT-011"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = svc.CertifyBatch(ctx, certifier, certifyInput("LOT-011", true))
	expectCode(t, err, domain.CodeDivergence)
	if !errors.Is(err, diskFull) {
		t.Fatalf("expected cause to be wrapped, got %v", err)
	}
	status, _ := l.ReadStatus(ctx, b.TokenID)
	if status != domain.StatusCertified {
		t.Fatalf("ledger should hold the committed certification, got %s", status)
	}
}

func TestOffChainInsertFailureAfterCreateIsDivergence(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore(NewDefaultRulesEngine(), memory.WithCommitHook(func(context.Context, domain.Change) error {
		return errors.New("connection reset")
	}))
	svc := NewService(store, memledger.New())
	_, err := svc.CreateBatch(ctx, farmer, createInput("LOT-012"))
	expectCode(t, err, domain.CodeDivergence)
}
