package domain

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestLookupTransitionTable(t *testing.T) {
	cases := []struct {
		from   Status
		action Action
		ok     bool
		to     Status
		role   Role
	}{
		{"", ActionCreated, true, StatusCreated, RoleFarmer},
		{StatusCreated, ActionCertified, true, StatusCertified, RoleCertifier},
		{StatusCreated, ActionRejected, true, StatusRejected, RoleCertifier},
		{StatusCertified, ActionPurchased, true, StatusPurchased, RoleRetailer},
		{StatusCreated, ActionPurchased, false, "", ""},
		{StatusCertified, ActionCertified, false, "", ""},
		{StatusRejected, ActionPurchased, false, "", ""},
		{StatusPurchased, ActionCertified, false, "", ""},
	}
	for _, tc := range cases {
		tr, ok := LookupTransition(tc.from, tc.action)
		if ok != tc.ok {
			t.Fatalf("%s/%s: ok=%v want %v", tc.from, tc.action, ok, tc.ok)
		}
		if ok && (tr.To != tc.to || tr.Role != tc.role) {
			t.Fatalf("%s/%s: got %+v", tc.from, tc.action, tr)
		}
	}
}

func TestTerminalStatesHaveNoExit(t *testing.T) {
	for _, from := range []Status{StatusRejected, StatusPurchased} {
		if !from.IsTerminal() {
			t.Fatalf("%s should be terminal", from)
		}
		for _, to := range []Status{StatusCreated, StatusCertified, StatusRejected, StatusPurchased} {
			if CanTransition(from, to) {
				t.Fatalf("%s -> %s must be illegal", from, to)
			}
		}
	}
	if !CanTransition(StatusCreated, StatusRejected) || CanTransition(StatusCertified, StatusRejected) {
		t.Fatalf("rejection is only reachable from CREATED")
	}
}

func TestCertificationAction(t *testing.T) {
	if CertificationAction(true) != ActionCertified || CertificationAction(false) != ActionRejected {
		t.Fatalf("unexpected certification mapping")
	}
	if ActionRejected.Status() != StatusRejected || Action("MINTED").Status() != StatusUnknown {
		t.Fatalf("unexpected action status mapping")
	}
}

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress("  0xabc0000000000000000000000000000000000001 ")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if want := common.HexToAddress("0xabc0000000000000000000000000000000000001").Hex(); got != want {
		t.Fatalf("got %q, want checksummed %q", got, want)
	}
	again, err := NormalizeAddress(got)
	if err != nil || again != got {
		t.Fatalf("normalization is not idempotent: %q %v", again, err)
	}
	for _, bad := range []string{"", "0x123", "farmer", "0xZZ00000000000000000000000000000000000001"} {
		if _, err := NormalizeAddress(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}

func createdBatch() Batch {
	at := time.Date(2024, 6, 20, 0, 0, 0, 0, time.UTC)
	return Batch{
		BatchID:   "LOT-1",
		Farmer:    "0xF",
		Status:    StatusCreated,
		Price:     big.NewInt(1000),
		CreatedAt: at,
		UpdatedAt: at,
		Revision:  1,
		History:   []HistoryEntry{{From: NullAddress, To: "0xF", Timestamp: at, Action: ActionCreated}},
	}
}

func TestApplyUpdateAppendsHistoryAndDerivesStatus(t *testing.T) {
	before := createdBatch()
	now := before.CreatedAt.Add(time.Hour)
	certifier := "0xC"
	passed := true
	entry := &HistoryEntry{From: "0xF", To: certifier, Timestamp: now, Action: ActionCertified}

	after, err := ApplyUpdate(before, BatchUpdate{ExpectStatus: StatusCreated, Certifier: &certifier, LabResults: &passed, CertifiedAt: &now}, entry, now)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if after.Status != StatusCertified || after.Certifier != certifier || len(after.History) != 2 {
		t.Fatalf("unexpected batch %+v", after)
	}
	if after.Revision != 2 || !after.UpdatedAt.Equal(now) {
		t.Fatalf("revision/updatedAt not advanced: %d %v", after.Revision, after.UpdatedAt)
	}
	if len(before.History) != 1 || before.Status != StatusCreated {
		t.Fatalf("input batch was mutated")
	}
	*after.CertifiedAt = time.Time{}
	if now.IsZero() {
		t.Fatalf("pointer fields must be copied")
	}
}

func TestApplyUpdateExpectStatus(t *testing.T) {
	_, err := ApplyUpdate(createdBatch(), BatchUpdate{ExpectStatus: StatusCertified}, nil, time.Now())
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ILLEGAL_TRANSITION, got %v", err)
	}
}

func TestApplyUpdateClearsReferencesWithoutHistory(t *testing.T) {
	before := createdBatch()
	after, err := ApplyUpdate(before, BatchUpdate{ClearFarmer: true}, nil, time.Now())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if after.Farmer != "" || after.Status != StatusCreated || len(after.History) != 1 {
		t.Fatalf("unexpected batch %+v", after)
	}
	if after.History[0].To != "0xF" {
		t.Fatalf("history must keep the original participant")
	}
}
