package archive

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"

	"agritrace/internal/blob"
	"agritrace/internal/ledger"
	"agritrace/pkg/domain"
	"agritrace/pkg/tokenid"
)

const farmer = "0x1000000000000000000000000000000000000001"

func sampleBatch(id string, actions ...domain.Action) domain.Batch {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	b := domain.Batch{
		BatchID:  id,
		TokenID:  tokenid.FromBatchID(id),
		CropName: "Rice",
		Farmer:   farmer,
		Price:    big.NewInt(10),
	}
	for i, a := range actions {
		from := farmer
		if i == 0 {
			from = domain.NullAddress
		}
		b.History = append(b.History, domain.HistoryEntry{From: from, To: farmer, Action: a, Timestamp: now})
		b.Status = a.Status()
	}
	return b
}

func TestAppendWritesOneRecordPerTransition(t *testing.T) {
	for _, store := range []blob.Store{blob.NewMemory(), blob.NewMockS3ForTests()} {
		t.Run(string(store.Driver()), func(t *testing.T) {
			a := New(store)
			ctx := context.Background()
			created := sampleBatch("B1", domain.ActionCreated)
			info, err := a.Append(ctx, created, &ledger.Receipt{Operation: ledger.OpCreateBatch, TxHash: "0xabc"})
			if err != nil {
				t.Fatalf("append created: %v", err)
			}
			if !strings.HasSuffix(info.Key, "/000000-CREATED.json") {
				t.Fatalf("unexpected key %s", info.Key)
			}
			certified := sampleBatch("B1", domain.ActionCreated, domain.ActionCertified)
			if _, err := a.Append(ctx, certified, nil); err != nil {
				t.Fatalf("append certified: %v", err)
			}
			if _, err := a.Append(ctx, sampleBatch("B2", domain.ActionCreated), nil); err != nil {
				t.Fatalf("append other batch: %v", err)
			}

			recs, err := a.Records(ctx, " B1 ")
			if err != nil {
				t.Fatalf("records: %v", err)
			}
			if len(recs) != 2 {
				t.Fatalf("expected 2 records, got %d", len(recs))
			}
			if recs[0].Action != domain.ActionCreated || recs[1].Action != domain.ActionCertified {
				t.Fatalf("records out of order: %+v", recs)
			}
			if recs[0].Receipt == nil || recs[0].Receipt.TxHash != "0xabc" {
				t.Fatalf("receipt not archived: %+v", recs[0].Receipt)
			}
			if recs[1].Batch.Status != domain.StatusCertified || recs[1].Sequence != 1 {
				t.Fatalf("snapshot mismatch: %+v", recs[1])
			}
		})
	}
}

func TestAppendIsIdempotent(t *testing.T) {
	a := New(blob.NewMemory())
	ctx := context.Background()
	b := sampleBatch("B1", domain.ActionCreated)
	if _, err := a.Append(ctx, b, nil); err != nil {
		t.Fatalf("first append: %v", err)
	}
	if _, err := a.Append(ctx, b, nil); err != nil {
		t.Fatalf("repeat append should be a no-op: %v", err)
	}
	recs, _ := a.Records(ctx, "B1")
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
}

func TestAppendRequiresHistory(t *testing.T) {
	a := New(blob.NewMemory())
	if _, err := a.Append(context.Background(), domain.Batch{BatchID: "B1"}, nil); err == nil {
		t.Fatalf("expected error for batch without history")
	}
}

func TestKeyLayout(t *testing.T) {
	id := tokenid.FromBatchID("B1")
	if got := Key(id, 2, domain.ActionPurchased); got != "provenance/"+id.Hex()+"/000002-PURCHASED.json" {
		t.Fatalf("unexpected key %s", got)
	}
}
