package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Transition is one row of the batch lifecycle table.
type Transition struct {
	From   Status
	Action Action
	To     Status
	Role   Role
}

// Transitions is the complete lifecycle table. Anything not listed is illegal.
// The empty From status denotes "no batch yet".
var Transitions = []Transition{
	{From: "", Action: ActionCreated, To: StatusCreated, Role: RoleFarmer},
	{From: StatusCreated, Action: ActionCertified, To: StatusCertified, Role: RoleCertifier},
	{From: StatusCreated, Action: ActionRejected, To: StatusRejected, Role: RoleCertifier},
	{From: StatusCertified, Action: ActionPurchased, To: StatusPurchased, Role: RoleRetailer},
}

// LookupTransition finds the row for applying action in state from.
func LookupTransition(from Status, action Action) (Transition, bool) {
	for _, t := range Transitions {
		if t.From == from && t.Action == action {
			return t, true
		}
	}
	return Transition{}, false
}

// CanTransition reports whether some action moves a batch from one state to another.
func CanTransition(from, to Status) bool {
	for _, t := range Transitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// CertificationAction maps a lab result to the recorded action.
func CertificationAction(passed bool) Action {
	if passed {
		return ActionCertified
	}
	return ActionRejected
}

// NormalizeAddress validates a hex participant address and returns its checksummed form.
func NormalizeAddress(address string) (string, error) {
	trimmed := strings.TrimSpace(address)
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("invalid participant address %q", address)
	}
	return common.HexToAddress(trimmed).Hex(), nil
}

// BatchUpdate is a partial update applied atomically together with at most one
// history entry. Status is never set directly: it follows the appended entry.
type BatchUpdate struct {
	// ExpectStatus, when set, makes the update conditional on the current status.
	ExpectStatus Status

	Certifier   *string
	CropHealth  *string
	Expiry      *time.Time
	LabResults  *bool
	CertifiedAt *time.Time
	Retailer    *string
	PurchasedAt *time.Time

	// Participant references cleared on deregistration.
	ClearFarmer    bool
	ClearCertifier bool
	ClearRetailer  bool
}

// ApplyUpdate computes the post-update batch. It checks the status precondition
// only; structural invariants are enforced by the rules engine at commit.
func ApplyUpdate(before Batch, update BatchUpdate, entry *HistoryEntry, now time.Time) (Batch, error) {
	if update.ExpectStatus != "" && before.Status != update.ExpectStatus {
		return Batch{}, Errorf(CodeIllegalTransition, "batch %s is %s, expected %s", before.BatchID, before.Status, update.ExpectStatus)
	}
	after := before.Clone()
	if update.Certifier != nil {
		after.Certifier = *update.Certifier
	}
	if update.CropHealth != nil {
		after.CropHealth = *update.CropHealth
	}
	if update.Expiry != nil {
		v := *update.Expiry
		after.Expiry = &v
	}
	if update.LabResults != nil {
		v := *update.LabResults
		after.LabResults = &v
	}
	if update.CertifiedAt != nil {
		v := *update.CertifiedAt
		after.CertifiedAt = &v
	}
	if update.Retailer != nil {
		after.Retailer = *update.Retailer
	}
	if update.PurchasedAt != nil {
		v := *update.PurchasedAt
		after.PurchasedAt = &v
	}
	if update.ClearFarmer {
		after.Farmer = ""
	}
	if update.ClearCertifier {
		after.Certifier = ""
	}
	if update.ClearRetailer {
		after.Retailer = ""
	}
	if entry != nil {
		after.History = append(after.History, *entry)
		after.Status = entry.Action.Status()
	}
	after.Revision = before.Revision + 1
	after.UpdatedAt = now
	return after, nil
}
