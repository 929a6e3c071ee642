package core

import (
	"context"
	"testing"

	"agritrace/internal/archive"
	"agritrace/internal/blob"
	"agritrace/internal/participants"
	"agritrace/pkg/domain"
)

func TestDeregisterParticipantClearsReferences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustCreate(t, "LOT-D1")
	f.mustCreate(t, "LOT-D2")
	f.mustCertify(t, "LOT-D1", true)

	report, err := f.svc.DeregisterParticipant(ctx, farmerAddr)
	if err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if report.Address != farmerAddr || len(report.ClearedBatches) != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}

	view, err := f.svc.GetBatch(ctx, "LOT-D1", ReadOptions{})
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	b := view.Batch
	if b.Farmer != "" || b.Certifier != certifierAddr || b.Status != domain.StatusCertified {
		t.Fatalf("expected only the farmer reference cleared: %+v", b)
	}
	if b.History[0].To != farmerAddr || b.History[1].From != farmerAddr {
		t.Fatalf("history must keep the deregistered address: %+v", b.History)
	}

	lists, err := f.svc.ParticipantLists(ctx, farmerAddr)
	if err != nil {
		t.Fatalf("participant lists: %v", err)
	}
	if !lists.Deregistered || len(lists.Registered) != 0 {
		t.Fatalf("expected deregistered empty lists: %+v", lists)
	}

	purchased := f.mustPurchase(t, "LOT-D1")
	if got := purchased.History[2].From; got != farmerAddr {
		t.Fatalf("purchase entry must name the originating farmer, got %s", got)
	}

	_, err = f.svc.DeregisterParticipant(ctx, "nobody")
	expectCode(t, err, domain.CodeInvalidInput)
}

func TestRebuildDirectoryReplaysHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustCreate(t, "LOT-RB1")
	f.mustCreate(t, "LOT-RB2")
	f.mustCertify(t, "LOT-RB1", true)
	f.mustCertify(t, "LOT-RB2", false)
	f.mustPurchase(t, "LOT-RB1")

	if err := f.svc.Directory().Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	lists, _ := f.svc.ParticipantLists(ctx, farmerAddr)
	if len(lists.Registered) != 0 {
		t.Fatalf("expected empty directory after reset")
	}

	report, err := f.svc.RebuildDirectory(ctx)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if report.Batches != 2 || report.Entries != 5 {
		t.Fatalf("unexpected rebuild report: %+v", report)
	}
	farmerLists, _ := f.svc.ParticipantLists(ctx, farmerAddr)
	certifierLists, _ := f.svc.ParticipantLists(ctx, certifierAddr)
	retailerLists, _ := f.svc.ParticipantLists(ctx, retailerAddr)
	if len(farmerLists.Registered) != 2 {
		t.Fatalf("farmer lists: %+v", farmerLists)
	}
	if len(certifierLists.Certified) != 1 || len(certifierLists.Rejected) != 1 {
		t.Fatalf("certifier lists: %+v", certifierLists)
	}
	if len(retailerLists.Purchased) != 1 || retailerLists.Purchased[0] != "LOT-RB1" {
		t.Fatalf("retailer lists: %+v", retailerLists)
	}
}

// resetHookDirectory runs onReset before clearing, standing in for a
// transition that commits while a rebuild is in progress.
type resetHookDirectory struct {
	*participants.MemoryDirectory
	onReset func()
}

func (d *resetHookDirectory) Reset(ctx context.Context) error {
	if d.onReset != nil {
		d.onReset()
		d.onReset = nil
	}
	return d.MemoryDirectory.Reset(ctx)
}

func TestRebuildKeepsConcurrentTransition(t *testing.T) {
	ctx := context.Background()
	dir := &resetHookDirectory{MemoryDirectory: participants.NewMemoryDirectory()}
	f := newFixture(t, WithDirectory(dir))
	f.mustCreate(t, "LOT-R1")
	dir.onReset = func() { f.mustCreate(t, "LOT-R2") }

	report, err := f.svc.RebuildDirectory(ctx)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if report.Batches != 2 {
		t.Fatalf("expected both batches replayed, got %+v", report)
	}
	lists, err := f.svc.ParticipantLists(ctx, farmerAddr)
	if err != nil {
		t.Fatalf("participant lists: %v", err)
	}
	if len(lists.Registered) != 2 {
		t.Fatalf("concurrent create lost from directory: %v", lists.Registered)
	}
}

func TestRebuildKeepsDeregisteredParticipantsOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mustCreate(t, "LOT-RB3")
	f.mustCertify(t, "LOT-RB3", true)
	if _, err := f.svc.DeregisterParticipant(ctx, certifierAddr); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if _, err := f.svc.RebuildDirectory(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	lists, err := f.svc.ParticipantLists(ctx, certifierAddr)
	if err != nil {
		t.Fatalf("participant lists: %v", err)
	}
	if len(lists.Certified) != 0 || !lists.Deregistered {
		t.Fatalf("rebuild resurrected a deregistered participant: %+v", lists)
	}
}

func TestProvenanceRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithArchive(archive.New(blob.NewMockS3ForTests())))
	f.mustCreate(t, "LOT-PV")
	f.mustCertify(t, "LOT-PV", true)
	f.mustPurchase(t, "LOT-PV")

	records, err := f.svc.ProvenanceRecords(ctx, "LOT-PV")
	if err != nil {
		t.Fatalf("provenance: %v", err)
	}
	wantActions := []domain.Action{domain.ActionCreated, domain.ActionCertified, domain.ActionPurchased}
	if len(records) != len(wantActions) {
		t.Fatalf("expected %d records, got %d", len(wantActions), len(records))
	}
	for i, rec := range records {
		if rec.Sequence != i || rec.Action != wantActions[i] || rec.Receipt == nil {
			t.Fatalf("record %d: %+v", i, rec)
		}
		if rec.Batch.Status != wantActions[i].Status() {
			t.Fatalf("record %d snapshot status %s", i, rec.Batch.Status)
		}
	}

	_, err = f.svc.ProvenanceRecords(ctx, "LOT-none")
	expectCode(t, err, domain.CodeNotFound)
}

func TestProvenanceRecordsWithoutArchive(t *testing.T) {
	f := newFixture(t)
	f.mustCreate(t, "LOT-PV2")
	records, err := f.svc.ProvenanceRecords(context.Background(), "LOT-PV2")
	if err != nil {
		t.Fatalf("provenance: %v", err)
	}
	if records == nil || len(records) != 0 {
		t.Fatalf("expected empty records, got %v", records)
	}
}
