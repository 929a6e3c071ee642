package core

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	memledger "agritrace/internal/infra/ledger/memory"
	"agritrace/pkg/domain"
	"agritrace/pkg/tokenid"
)

const (
	farmerAddr    = "0x1000000000000000000000000000000000000001"
	certifierAddr = "0x2000000000000000000000000000000000000002"
	retailerAddr  = "0x3000000000000000000000000000000000000003"
)

var (
	farmer    = Caller{Address: farmerAddr, Role: domain.RoleFarmer}
	certifier = Caller{Address: certifierAddr, Role: domain.RoleCertifier}
	retailer  = Caller{Address: retailerAddr, Role: domain.RoleRetailer}
)

// stubClock advances by one second on every read so orderings are deterministic.
type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStubClock() *stubClock {
	return &stubClock{now: time.Date(2024, 7, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	svc    *Service
	ledger *memledger.Ledger
}

func newFixture(t *testing.T, opts ...ServiceOption) fixture {
	t.Helper()
	l := memledger.New()
	opts = append([]ServiceOption{WithClock(newStubClock())}, opts...)
	return fixture{svc: NewInMemoryService(l, opts...), ledger: l}
}

func createInput(batchID string) CreateBatchInput {
	return CreateBatchInput{
		BatchID:     batchID,
		CropName:    "Rice",
		CropVariety: "Jasmine",
		Location:    "Isan",
		HarvestDate: time.Date(2024, 6, 20, 0, 0, 0, 0, time.UTC),
		Price:       big.NewInt(1_000),
	}
}

func certifyInput(batchID string, passed bool) CertifyInput {
	return CertifyInput{
		BatchID:    batchID,
		CropHealth: "good",
		Expiry:     time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC),
		Passed:     passed,
	}
}

func (f fixture) mustCreate(t *testing.T, batchID string) Batch {
	t.Helper()
	b, err := f.svc.CreateBatch(context.Background(), farmer, createInput(batchID))
	if err != nil {
		t.Fatalf("create %s: %v", batchID, err)
	}
	return b
}

func (f fixture) mustCertify(t *testing.T, batchID string, passed bool) Batch {
	t.Helper()
	b, err := f.svc.CertifyBatch(context.Background(), certifier, certifyInput(batchID, passed))
	if err != nil {
		t.Fatalf("certify %s: %v", batchID, err)
	}
	return b
}

func (f fixture) mustPurchase(t *testing.T, batchID string) Batch {
	t.Helper()
	b, err := f.svc.PurchaseBatch(context.Background(), retailer, PurchaseInput{BatchID: batchID})
	if err != nil {
		t.Fatalf("purchase %s: %v", batchID, err)
	}
	return b
}

func expectCode(t *testing.T, err error, want domain.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", want)
	}
	if got := domain.CodeOf(err); got != want {
		t.Fatalf("expected %s, got %s (%v)", want, got, err)
	}
}

// unreachableLedger fails every read with a transport error.
type unreachableLedger struct {
	*memledger.Ledger
}

var errNodeDown = errors.New("dial tcp 10.0.0.5:8545: connection refused")

func (unreachableLedger) Exists(context.Context, tokenid.ID) (bool, error) {
	return false, domain.Transport("ownerOf", errNodeDown)
}

func (unreachableLedger) ReadStatus(context.Context, tokenid.ID) (domain.Status, error) {
	return domain.StatusUnknown, domain.Transport("getBatchDetails", errNodeDown)
}
