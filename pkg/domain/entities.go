// Package domain defines the batch record, its lifecycle vocabulary, and the
// rule evaluation primitives shared by the engine and every store driver.
package domain

import (
	"math/big"
	"time"

	"agritrace/pkg/tokenid"
)

// EntityType identifies the type of record stored in the off-chain store.
type EntityType string

// EntityBatch identifies a batch record.
const EntityBatch EntityType = "batch"

// NullAddress is the originator recorded on the CREATED history entry.
const NullAddress = "0x0000000000000000000000000000000000000000"

// Status is the lifecycle state of a batch.
type Status string

// Lifecycle states. StatusUnknown is only ever reported by ledger reads.
const (
	StatusCreated   Status = "CREATED"
	StatusCertified Status = "CERTIFIED"
	StatusRejected  Status = "REJECTED"
	StatusPurchased Status = "PURCHASED"
	StatusUnknown   Status = "UNKNOWN"
)

// Valid reports whether s is one of the four lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusCreated, StatusCertified, StatusRejected, StatusPurchased:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return s == StatusRejected || s == StatusPurchased
}

// Action is the fact recorded by a history entry.
type Action string

// History actions, one per transition.
const (
	ActionCreated   Action = "CREATED"
	ActionCertified Action = "CERTIFIED"
	ActionRejected  Action = "REJECTED"
	ActionPurchased Action = "PURCHASED"
)

// Status returns the lifecycle state a batch is in after this action.
func (a Action) Status() Status {
	switch a {
	case ActionCreated:
		return StatusCreated
	case ActionCertified:
		return StatusCertified
	case ActionRejected:
		return StatusRejected
	case ActionPurchased:
		return StatusPurchased
	default:
		return StatusUnknown
	}
}

// Role is the participant role supplied by the authentication collaborator.
type Role string

// Participant roles.
const (
	RoleFarmer    Role = "farmer"
	RoleCertifier Role = "certifier"
	RoleRetailer  Role = "retailer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleFarmer || r == RoleCertifier || r == RoleRetailer
}

// Caller identifies who is requesting a transition. The engine trusts it.
type Caller struct {
	Address string
	Role    Role
}

// HistoryEntry records one completed transition. Entries are never rewritten.
type HistoryEntry struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
}

// Batch is a tracked unit of agricultural product.
type Batch struct {
	BatchID     string         `json:"batchId"`
	TokenID     tokenid.ID     `json:"tokenId"`
	CropName    string         `json:"cropName"`
	CropVariety string         `json:"cropVariety"`
	Location    string         `json:"location"`
	HarvestDate time.Time      `json:"harvestDate"`
	Farmer      string         `json:"farmer"`
	Certifier   string         `json:"certifier,omitempty"`
	Retailer    string         `json:"retailer,omitempty"`
	Status      Status         `json:"status"`
	CropHealth  string         `json:"cropHealth,omitempty"`
	Expiry      *time.Time     `json:"expiry,omitempty"`
	LabResults  *bool          `json:"labResults,omitempty"`
	Price       *big.Int       `json:"price"`
	CreatedAt   time.Time      `json:"createdAt"`
	CertifiedAt *time.Time     `json:"certifiedAt,omitempty"`
	PurchasedAt *time.Time     `json:"purchasedAt,omitempty"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	Revision    int64          `json:"revision"`
	History     []HistoryEntry `json:"history"`
}

// Clone returns a deep copy of the batch.
func (b Batch) Clone() Batch {
	cp := b
	if b.Price != nil {
		cp.Price = new(big.Int).Set(b.Price)
	}
	cp.Expiry = cloneTime(b.Expiry)
	cp.CertifiedAt = cloneTime(b.CertifiedAt)
	cp.PurchasedAt = cloneTime(b.PurchasedAt)
	if b.LabResults != nil {
		v := *b.LabResults
		cp.LabResults = &v
	}
	if b.History != nil {
		cp.History = append([]HistoryEntry(nil), b.History...)
	}
	return cp
}

// LastAction returns the action of the newest history entry.
func (b Batch) LastAction() (Action, bool) {
	if len(b.History) == 0 {
		return "", false
	}
	return b.History[len(b.History)-1].Action, true
}

// HasParticipant reports whether address is referenced as farmer, certifier or retailer.
func (b Batch) HasParticipant(address string) bool {
	return address != "" && (b.Farmer == address || b.Certifier == address || b.Retailer == address)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Change describes a mutation applied to a batch during a store write.
type Change struct {
	Entity EntityType
	Action ChangeAction
	Before *Batch
	After  *Batch
}

// ChangeAction indicates the type of modification performed.
type ChangeAction string

// Change actions captured for rule evaluation and audit.
const (
	// ChangeCreate indicates a batch was inserted.
	ChangeCreate ChangeAction = "create"
	// ChangeUpdate indicates a batch was updated.
	ChangeUpdate ChangeAction = "update"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks the write.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows the write.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "write blocked by rules: " + v.Message
		}
	}
	return "write blocked by rules"
}
