package mongo

import (
	"agritrace/pkg/domain"
	"agritrace/pkg/tokenid"
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"
)

const farmerAddr = "0x1000000000000000000000000000000000000001"

func seedBatch(id string, created time.Time) domain.Batch {
	return domain.Batch{
		BatchID:     id,
		TokenID:     tokenid.FromBatchID(id),
		CropName:    "Tea",
		CropVariety: "Assam",
		Location:    "Jorhat",
		HarvestDate: created.Add(-time.Hour),
		Farmer:      farmerAddr,
		Status:      domain.StatusCreated,
		Price:       big.NewInt(7),
		CreatedAt:   created,
		History: []domain.HistoryEntry{{
			From: domain.NullAddress, To: farmerAddr, Timestamp: created, Action: domain.ActionCreated,
		}},
	}
}

func TestDocumentRoundTripKeepsPriceAndToken(t *testing.T) {
	now := time.Date(2024, 2, 2, 2, 2, 2, 0, time.UTC)
	b := seedBatch("B1", now)
	b.Price, _ = new(big.Int).SetString("123456789012345678901234567890", 10)
	passed := false
	b.LabResults = &passed

	got, err := fromDocument(toDocument(b))
	if err != nil {
		t.Fatalf("fromDocument: %v", err)
	}
	if got.Price.Cmp(b.Price) != 0 || got.TokenID != b.TokenID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.LabResults == nil || *got.LabResults {
		t.Fatalf("expected lab results preserved")
	}
	if _, err := fromDocument(batchDocument{BatchID: "X", TokenID: "zz"}); err == nil {
		t.Fatalf("expected bad token id to fail")
	}
	if _, err := fromDocument(batchDocument{BatchID: "X", TokenID: b.TokenID.Hex(), Price: "ten"}); err == nil {
		t.Fatalf("expected bad price to fail")
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("AGRITRACE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("AGRITRACE_TEST_MONGO_URI not set")
	}
	ctx := context.Background()
	db := fmt.Sprintf("agritrace_test_%d", time.Now().UnixNano())
	store, err := NewStore(ctx, uri, db, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() {
		_ = store.coll.Database().Drop(context.Background())
		_ = store.Close()
	})
	return store
}

func TestMongoStoreLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, dup int
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Insert(ctx, seedBatch("B1", now))
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if errors.Is(err, domain.ErrDuplicateBatch) {
				dup++
			}
		}()
	}
	wg.Wait()
	if ok != 1 || dup != workers-1 {
		t.Fatalf("expected one insert, got ok=%d dup=%d", ok, dup)
	}

	certifier := "0x2000000000000000000000000000000000000002"
	entry := &domain.HistoryEntry{From: farmerAddr, To: certifier, Timestamp: now, Action: domain.ActionCertified}
	upd := domain.BatchUpdate{ExpectStatus: domain.StatusCreated, Certifier: &certifier, CertifiedAt: &now}
	updated, err := store.UpdateFields(ctx, "B1", upd, entry)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != domain.StatusCertified || updated.Revision != 2 {
		t.Fatalf("unexpected update result: %+v", updated)
	}
	if _, err := store.UpdateFields(ctx, "B1", upd, entry); !errors.Is(err, domain.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition on replay, got %v", err)
	}

	hits, err := store.Search(ctx, "ASSAM")
	if err != nil || len(hits) != 1 {
		t.Fatalf("search: %v %d", err, len(hits))
	}
	certified, err := store.ListByIndex(ctx, domain.IndexStatus, string(domain.StatusCertified))
	if err != nil || len(certified) != 1 {
		t.Fatalf("list by status: %v %d", err, len(certified))
	}
	if _, err := store.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
