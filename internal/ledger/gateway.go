// Package ledger defines the capability surface the lifecycle engine needs from
// the on-chain collaborator, plus a resilient wrapper that bounds every call.
package ledger

import (
	"context"
	"math/big"
	"strings"
	"time"

	"agritrace/pkg/domain"
	"agritrace/pkg/tokenid"
)

// Operation names a state-changing contract method.
type Operation string

// Contract methods reachable through Submit.
const (
	OpCreateBatch   Operation = "createBatch"
	OpCertifyBatch  Operation = "certifyBatch"
	OpPurchaseBatch Operation = "purchaseBatch"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	return op == OpCreateBatch || op == OpCertifyBatch || op == OpPurchaseBatch
}

// CreateArgs carries createBatch parameters. The contract derives the token id
// from BatchID with the same normalization as tokenid.FromBatchID.
type CreateArgs struct {
	BatchID     string
	CropName    string
	CropVariety string
	Location    string
	HarvestDate time.Time
	Price       *big.Int
}

// CertifyArgs carries certifyBatch parameters.
type CertifyArgs struct {
	Passed bool
	Health string
	Expiry time.Time
}

// Call is a single state-changing request.
type Call struct {
	Operation Operation
	TokenID   tokenid.ID
	Create    *CreateArgs
	Certify   *CertifyArgs
	// Value is the native-unit payment attached to the call (purchase price).
	Value *big.Int
	// From is the participant address the call is submitted as.
	From string
}

// Validate checks that the call carries the arguments its operation needs.
func (c Call) Validate() error {
	if !c.Operation.Valid() {
		return domain.Errorf(domain.CodeInvalidInput, "unknown ledger operation %q", c.Operation)
	}
	if strings.TrimSpace(c.From) == "" {
		return domain.Errorf(domain.CodeInvalidInput, "%s: caller address is required", c.Operation)
	}
	switch c.Operation {
	case OpCreateBatch:
		if c.Create == nil {
			return domain.Errorf(domain.CodeInvalidInput, "createBatch: missing arguments")
		}
	case OpCertifyBatch:
		if c.Certify == nil {
			return domain.Errorf(domain.CodeInvalidInput, "certifyBatch: missing arguments")
		}
	case OpPurchaseBatch:
		if c.Value == nil || c.Value.Sign() <= 0 {
			return domain.Errorf(domain.CodeInvalidInput, "purchaseBatch: payment value must be positive")
		}
	}
	return nil
}

// Receipt reports a committed call.
type Receipt struct {
	Operation   Operation  `json:"operation"`
	TokenID     tokenid.ID `json:"tokenId"`
	TxHash      string     `json:"txHash,omitempty"`
	BlockNumber uint64     `json:"blockNumber,omitempty"`
	GasUsed     uint64     `json:"gasUsed,omitempty"`
	SubmittedBy string     `json:"submittedBy"`
	// ConfirmedByProbe marks receipts synthesized after an ambiguous submit
	// was confirmed by reading ledger state.
	ConfirmedByProbe bool `json:"confirmedByProbe,omitempty"`
}

// Gateway is the on-chain collaborator surface.
//
// Exists treats a collaborator-side "not found" as false; only transport
// failures are errors. ReadStatus returns domain.StatusUnknown when the
// collaborator does not expose a status view. Submit blocks until inclusion
// and fails with a REJECTED code on revert and TRANSPORT_ERROR when the
// outcome is ambiguous. EstimateCost is advisory.
type Gateway interface {
	Exists(ctx context.Context, id tokenid.ID) (bool, error)
	ReadStatus(ctx context.Context, id tokenid.ID) (domain.Status, error)
	Submit(ctx context.Context, call Call) (Receipt, error)
	EstimateCost(ctx context.Context, call Call) (*big.Int, error)
}

// StatusFromCode maps the contract's status enum to a lifecycle state.
func StatusFromCode(code uint8) domain.Status {
	switch code {
	case 0:
		return domain.StatusCreated
	case 1:
		return domain.StatusCertified
	case 2:
		return domain.StatusRejected
	case 3:
		return domain.StatusPurchased
	default:
		return domain.StatusUnknown
	}
}

// PostState returns the status a committed call leaves the token in.
func PostState(call Call) domain.Status {
	switch call.Operation {
	case OpCreateBatch:
		return domain.StatusCreated
	case OpCertifyBatch:
		if call.Certify != nil && call.Certify.Passed {
			return domain.StatusCertified
		}
		return domain.StatusRejected
	case OpPurchaseBatch:
		return domain.StatusPurchased
	default:
		return domain.StatusUnknown
	}
}
