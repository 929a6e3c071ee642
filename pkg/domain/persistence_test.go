package domain

import (
	"math/big"
	"testing"
	"time"
)

func TestBatchCloneIsDeep(t *testing.T) {
	b := createdBatch()
	expiry := time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)
	passed := true
	b.Expiry = &expiry
	b.LabResults = &passed

	cp := b.Clone()
	cp.Price.Add(cp.Price, big.NewInt(1))
	*cp.Expiry = time.Time{}
	*cp.LabResults = false
	cp.History[0].To = "0xX"

	if b.Price.Int64() != 1000 || b.Expiry.IsZero() || !*b.LabResults || b.History[0].To != "0xF" {
		t.Fatalf("clone shares state with the original: %+v", b)
	}
}

func TestIndexValueAndMatchesText(t *testing.T) {
	b := createdBatch()
	b.CropName, b.CropVariety, b.Location = "Rice", "Jasmine", "Isan"
	b.Certifier = "0xC"
	if b.IndexValue(IndexFarmer) != "0xF" || b.IndexValue(IndexCertifier) != "0xC" || b.IndexValue(IndexStatus) != "CREATED" {
		t.Fatalf("unexpected index values")
	}
	if b.IndexValue(IndexRetailer) != "" || b.IndexValue("colour") != "" || IndexName("colour").Valid() {
		t.Fatalf("unknown or empty index must yield no value")
	}
	for _, q := range []string{"rice", "JASMINE", " isa "} {
		if !b.MatchesText(q) {
			t.Fatalf("expected %q to match", q)
		}
	}
	if b.MatchesText("LOT-1") || b.MatchesText("  ") {
		t.Fatalf("batch id and blank text must not match")
	}
	if !b.HasParticipant("0xC") || b.HasParticipant("") {
		t.Fatalf("unexpected participant check")
	}
}

func TestSortOrders(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	later := base.Add(time.Hour)
	batches := []Batch{
		{BatchID: "B", CreatedAt: base},
		{BatchID: "C", CreatedAt: later, CertifiedAt: &base},
		{BatchID: "A", CreatedAt: base, CertifiedAt: &later},
	}
	SortByCreated(batches, SortNewestFirst)
	if got := batches[0].BatchID + batches[1].BatchID + batches[2].BatchID; got != "CAB" {
		t.Fatalf("newest first with id tiebreak: got %s", got)
	}
	SortByCreated(batches, SortOldestFirst)
	if got := batches[0].BatchID + batches[1].BatchID + batches[2].BatchID; got != "ABC" {
		t.Fatalf("oldest first: got %s", got)
	}
	SortByCertified(batches)
	if batches[0].BatchID != "A" || batches[2].BatchID != "B" {
		t.Fatalf("certified order: %v %v %v", batches[0].BatchID, batches[1].BatchID, batches[2].BatchID)
	}
}
