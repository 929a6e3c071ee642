// Package evm implements the ledger gateway against the AgriChain and BatchToken
// contracts on an EVM chain through go-ethereum.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"agritrace/internal/ledger"
	"agritrace/pkg/domain"
	"agritrace/pkg/tokenid"
)

var _ ledger.Gateway = (*Gateway)(nil)

// purchaseGasHint is the explicit limit used for purchases; the contract
// exposes no estimator for them.
const purchaseGasHint = 300_000

// Contract is the subset of bind.BoundContract the gateway uses.
type Contract interface {
	Call(opts *bind.CallOpts, results *[]interface{}, method string, params ...interface{}) error
	Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error)
}

// MineWaiter blocks until tx is included and returns its receipt.
type MineWaiter func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)

// Config describes how to reach the contracts.
type Config struct {
	RPCURL            string
	AgriChainAddress  string
	BatchTokenAddress string
	// ChainID is queried from the node when zero.
	ChainID int64
	// SignerKeys are hex-encoded private keys of participants the gateway submits for.
	SignerKeys []string
	// GasLimit of zero lets the node estimate.
	GasLimit uint64
}

// Gateway submits and reads contract state.
type Gateway struct {
	agri     Contract
	token    Contract
	signers  map[common.Address]*bind.TransactOpts
	wait     MineWaiter
	gasLimit uint64
	closeFn  func()
}

// New assembles a gateway from already-bound contracts.
func New(agri, token Contract, signers map[common.Address]*bind.TransactOpts, wait MineWaiter, gasLimit uint64) *Gateway {
	if signers == nil {
		signers = make(map[common.Address]*bind.TransactOpts)
	}
	return &Gateway{agri: agri, token: token, signers: signers, wait: wait, gasLimit: gasLimit}
}

// Dial connects to cfg.RPCURL and binds both contracts.
func Dial(ctx context.Context, cfg Config) (*Gateway, error) {
	if !common.IsHexAddress(cfg.AgriChainAddress) || !common.IsHexAddress(cfg.BatchTokenAddress) {
		return nil, fmt.Errorf("evm ledger: contract addresses are required")
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		if chainID, err = client.ChainID(ctx); err != nil {
			client.Close()
			return nil, fmt.Errorf("query chain id: %w", err)
		}
	}
	agriABI, err := abi.JSON(strings.NewReader(agriChainABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("parse AgriChain abi: %w", err)
	}
	tokenABI, err := abi.JSON(strings.NewReader(batchTokenABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("parse BatchToken abi: %w", err)
	}
	signers, err := NewSigners(cfg.SignerKeys, chainID)
	if err != nil {
		client.Close()
		return nil, err
	}
	agri := bind.NewBoundContract(common.HexToAddress(cfg.AgriChainAddress), agriABI, client, client, client)
	token := bind.NewBoundContract(common.HexToAddress(cfg.BatchTokenAddress), tokenABI, client, client, client)
	wait := func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
		return bind.WaitMined(ctx, client, tx)
	}
	g := New(agri, token, signers, wait, cfg.GasLimit)
	g.closeFn = client.Close
	return g, nil
}

// NewSigners builds transactors for hex-encoded private keys.
func NewSigners(keys []string, chainID *big.Int) (map[common.Address]*bind.TransactOpts, error) {
	out := make(map[common.Address]*bind.TransactOpts, len(keys))
	for i, raw := range keys {
		raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
		if raw == "" {
			continue
		}
		key, err := crypto.HexToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("signer key %d: %w", i, err)
		}
		opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
		if err != nil {
			return nil, fmt.Errorf("signer key %d: %w", i, err)
		}
		out[opts.From] = opts
	}
	return out, nil
}

// Close releases the RPC client.
func (g *Gateway) Close() {
	if g.closeFn != nil {
		g.closeFn()
	}
}

// Exists calls BatchToken.ownerOf, which reverts for unminted tokens.
func (g *Gateway) Exists(ctx context.Context, id tokenid.ID) (bool, error) {
	var out []interface{}
	err := g.token.Call(&bind.CallOpts{Context: ctx}, &out, "ownerOf", id.Big())
	if err != nil {
		if isRevert(err) {
			return false, nil
		}
		return false, domain.Transport("ownerOf", err)
	}
	if len(out) == 0 {
		return false, nil
	}
	owner, ok := out[0].(common.Address)
	return ok && owner != (common.Address{}), nil
}

// ReadStatus calls AgriChain.getBatchDetails. A missing or reverting view
// yields StatusUnknown.
func (g *Gateway) ReadStatus(ctx context.Context, id tokenid.ID) (domain.Status, error) {
	var out []interface{}
	err := g.agri.Call(&bind.CallOpts{Context: ctx}, &out, "getBatchDetails", id.Big())
	if err != nil {
		if isRevert(err) || errors.Is(err, bind.ErrNoCode) {
			return domain.StatusUnknown, nil
		}
		return domain.StatusUnknown, domain.Transport("getBatchDetails", err)
	}
	if len(out) < 8 {
		return domain.StatusUnknown, nil
	}
	code, ok := out[7].(uint8)
	if !ok {
		return domain.StatusUnknown, nil
	}
	return ledger.StatusFromCode(code), nil
}

// EstimateCost returns the contract's gas estimate for the operation.
func (g *Gateway) EstimateCost(ctx context.Context, call ledger.Call) (*big.Int, error) {
	var method string
	switch call.Operation {
	case ledger.OpCreateBatch:
		method = "estimateGasForBatchCreation"
	case ledger.OpCertifyBatch:
		method = "estimateGasForCertification"
	case ledger.OpPurchaseBatch:
		return big.NewInt(purchaseGasHint), nil
	default:
		return nil, domain.Errorf(domain.CodeInvalidInput, "unknown ledger operation %q", call.Operation)
	}
	var out []interface{}
	if err := g.agri.Call(&bind.CallOpts{Context: ctx}, &out, method); err != nil {
		return nil, domain.Transport(method, err)
	}
	if len(out) == 0 {
		return nil, domain.Transport(method, errors.New("empty result"))
	}
	gas, ok := out[0].(*big.Int)
	if !ok {
		return nil, domain.Transport(method, fmt.Errorf("unexpected result type %T", out[0]))
	}
	return gas, nil
}

// Submit signs as call.From, sends the transaction and waits for inclusion.
func (g *Gateway) Submit(ctx context.Context, call ledger.Call) (ledger.Receipt, error) {
	if err := call.Validate(); err != nil {
		return ledger.Receipt{}, err
	}
	op := string(call.Operation)
	from := common.HexToAddress(call.From)
	signer, ok := g.signers[from]
	if !ok {
		return ledger.Receipt{}, domain.Rejected(op, fmt.Sprintf("no signing key for %s", from.Hex()))
	}
	opts := *signer
	opts.Context = ctx
	opts.GasLimit = g.gasLimit

	var params []interface{}
	switch call.Operation {
	case ledger.OpCreateBatch:
		a := call.Create
		params = []interface{}{tokenid.Normalize(a.BatchID), a.CropName, a.CropVariety, a.Location, big.NewInt(a.HarvestDate.Unix()), a.Price}
	case ledger.OpCertifyBatch:
		a := call.Certify
		params = []interface{}{call.TokenID.Big(), a.Passed, a.Health, big.NewInt(a.Expiry.Unix())}
	case ledger.OpPurchaseBatch:
		opts.Value = new(big.Int).Set(call.Value)
		params = []interface{}{call.TokenID.Big()}
	}

	tx, err := g.agri.Transact(&opts, op, params...)
	if err != nil {
		if isRevert(err) {
			return ledger.Receipt{}, domain.Rejected(op, revertReason(err))
		}
		return ledger.Receipt{}, domain.Transport(op, err)
	}
	receipt, err := g.wait(ctx, tx)
	if err != nil {
		return ledger.Receipt{}, domain.Transport(op, fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return ledger.Receipt{}, domain.Rejected(op, fmt.Sprintf("transaction %s reverted", tx.Hash().Hex()))
	}
	out := ledger.Receipt{
		Operation:   call.Operation,
		TokenID:     call.TokenID,
		TxHash:      tx.Hash().Hex(),
		GasUsed:     receipt.GasUsed,
		SubmittedBy: from.Hex(),
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

func isRevert(err error) bool {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func revertReason(err error) string {
	msg := err.Error()
	if i := strings.Index(strings.ToLower(msg), "execution reverted"); i >= 0 {
		return strings.TrimSpace(strings.TrimPrefix(msg[i+len("execution reverted"):], ":"))
	}
	return msg
}
