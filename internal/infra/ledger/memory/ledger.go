// Package memory provides an in-process ledger collaborator that enforces the
// same transition rules as the deployed contracts. It backs development
// deployments and tests, and supports fault injection for ambiguous outcomes.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"agritrace/internal/ledger"
	"agritrace/pkg/domain"
	"agritrace/pkg/tokenid"
)

var _ ledger.Gateway = (*Ledger)(nil)

// Gas figures reported in receipts and estimates.
var gasByOperation = map[ledger.Operation]uint64{
	ledger.OpCreateBatch:   350_000,
	ledger.OpCertifyBatch:  200_000,
	ledger.OpPurchaseBatch: 300_000,
}

type token struct {
	owner  string
	farmer string
	status domain.Status
	price  *big.Int
}

// Fault describes an injected failure for the next Submit of an operation.
type Fault struct {
	// Err is returned to the caller.
	Err error
	// Commit applies the call before returning Err, modelling a submission
	// that landed although the client saw a failure.
	Commit bool
}

// Ledger is a concurrency-safe simulated contract pair.
type Ledger struct {
	mu           sync.Mutex
	tokens       map[tokenid.ID]*token
	roles        map[string]domain.Role
	faults       map[ledger.Operation][]Fault
	block        uint64
	statusView   bool
	requireRoles bool
	submitted    []ledger.Call
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithoutStatusView makes ReadStatus report StatusUnknown, like a minimal collaborator.
func WithoutStatusView() Option {
	return func(l *Ledger) { l.statusView = false }
}

// WithRoleRegistry makes the ledger reject submissions from addresses not
// registered with the matching role.
func WithRoleRegistry() Option {
	return func(l *Ledger) { l.requireRoles = true }
}

// New constructs an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		tokens:     make(map[tokenid.ID]*token),
		roles:      make(map[string]domain.Role),
		faults:     make(map[ledger.Operation][]Fault),
		statusView: true,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RegisterUser records the on-chain role of address.
func (l *Ledger) RegisterUser(address string, role domain.Role) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.roles[addrKey(address)] = role
}

// InjectFault queues a failure for the next Submit of op.
func (l *Ledger) InjectFault(op ledger.Operation, fault Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[op] = append(l.faults[op], fault)
}

// Forget removes a token, simulating an off-chain record with no on-chain twin.
func (l *Ledger) Forget(id tokenid.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.tokens, id)
}

// SetStatus overwrites a token's status, simulating out-of-band ledger activity.
func (l *Ledger) SetStatus(id tokenid.ID, status domain.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.tokens[id]; ok {
		t.status = status
	}
}

// Submitted returns the calls that reached the contract, committed or not.
func (l *Ledger) Submitted() []ledger.Call {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledger.Call(nil), l.submitted...)
}

// Exists mirrors BatchToken.ownerOf: an unknown token is simply absent.
func (l *Ledger) Exists(ctx context.Context, id tokenid.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.tokens[id]
	return ok, nil
}

// ReadStatus mirrors AgriChain.getBatchDetails.
func (l *Ledger) ReadStatus(ctx context.Context, id tokenid.ID) (domain.Status, error) {
	if err := ctx.Err(); err != nil {
		return domain.StatusUnknown, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.statusView {
		return domain.StatusUnknown, nil
	}
	t, ok := l.tokens[id]
	if !ok {
		return domain.StatusUnknown, nil
	}
	return t.status, nil
}

// EstimateCost returns the fixed gas figure for the operation.
func (l *Ledger) EstimateCost(_ context.Context, call ledger.Call) (*big.Int, error) {
	gas, ok := gasByOperation[call.Operation]
	if !ok {
		return nil, domain.Errorf(domain.CodeInvalidInput, "unknown ledger operation %q", call.Operation)
	}
	return new(big.Int).SetUint64(gas), nil
}

// Submit applies the call under the contract's rules.
func (l *Ledger) Submit(ctx context.Context, call ledger.Call) (ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, err
	}
	if err := call.Validate(); err != nil {
		return ledger.Receipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.submitted = append(l.submitted, call)
	var fault *Fault
	if queued := l.faults[call.Operation]; len(queued) > 0 {
		fault = &queued[0]
		l.faults[call.Operation] = queued[1:]
	}
	if fault != nil && !fault.Commit {
		return ledger.Receipt{}, fault.Err
	}
	if err := l.apply(call); err != nil {
		return ledger.Receipt{}, err
	}
	l.block++
	receipt := ledger.Receipt{
		Operation:   call.Operation,
		TokenID:     call.TokenID,
		TxHash:      crypto.Keccak256Hash([]byte(uuid.NewString())).Hex(),
		BlockNumber: l.block,
		GasUsed:     gasByOperation[call.Operation],
		SubmittedBy: call.From,
	}
	if fault != nil {
		return ledger.Receipt{}, fault.Err
	}
	return receipt, nil
}

func (l *Ledger) apply(call ledger.Call) error {
	from := addrKey(call.From)
	op := string(call.Operation)
	if l.requireRoles {
		want := map[ledger.Operation]domain.Role{
			ledger.OpCreateBatch:   domain.RoleFarmer,
			ledger.OpCertifyBatch:  domain.RoleCertifier,
			ledger.OpPurchaseBatch: domain.RoleRetailer,
		}[call.Operation]
		if l.roles[from] != want {
			return domain.Rejected(op, fmt.Sprintf("caller is not a registered %s", want))
		}
	}
	switch call.Operation {
	case ledger.OpCreateBatch:
		id := tokenid.FromBatchID(call.Create.BatchID)
		if id != call.TokenID {
			return domain.Rejected(op, "token id does not match batch id")
		}
		if _, exists := l.tokens[id]; exists {
			return domain.Rejected(op, "batch already exists")
		}
		if call.Create.Price == nil || call.Create.Price.Sign() <= 0 {
			return domain.Rejected(op, "price must be positive")
		}
		l.tokens[id] = &token{owner: from, farmer: from, status: domain.StatusCreated, price: new(big.Int).Set(call.Create.Price)}
	case ledger.OpCertifyBatch:
		t, ok := l.tokens[call.TokenID]
		if !ok {
			return domain.Rejected(op, "batch does not exist")
		}
		if t.status != domain.StatusCreated {
			return domain.Rejected(op, "batch is not in Created state")
		}
		t.status = ledger.PostState(call)
	case ledger.OpPurchaseBatch:
		t, ok := l.tokens[call.TokenID]
		if !ok {
			return domain.Rejected(op, "batch does not exist")
		}
		if t.status != domain.StatusCertified {
			return domain.Rejected(op, "batch is not certified")
		}
		if call.Value.Cmp(t.price) < 0 {
			return domain.Rejected(op, "insufficient payment")
		}
		t.status = domain.StatusPurchased
		t.owner = from
	}
	return nil
}

// Owner returns the current token owner, or false when the token is absent.
func (l *Ledger) Owner(id tokenid.ID) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.tokens[id]
	if !ok {
		return "", false
	}
	return common.HexToAddress(t.owner).Hex(), true
}

func addrKey(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
