// Package transfer broadcasts native and ERC-20 transfers and waits for their
// inclusion. It never retries: resubmitting risks paying twice.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/pvzzle/tipledger/internal/units"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
)

// Backend is the subset of ethclient.Client the executor needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// BroadcastFunc is invoked once, right after the transaction was accepted by the node.
type BroadcastFunc func(hash common.Hash)

type ExecutorConfig struct {
	PollInterval time.Duration
}

type Executor struct {
	backend Backend
	signer  Signer
	log     *zap.Logger
	cfg     ExecutorConfig
}

func NewExecutor(backend Backend, signer Signer, log *zap.Logger, cfg ExecutorConfig) *Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Executor{
		backend: backend,
		signer:  signer,
		log:     log.Named("executor"),
		cfg:     cfg,
	}
}

// Sender is the address every request must be sent from.
func (x *Executor) Sender() common.Address { return x.signer.Address() }

// Execute validates, signs, broadcasts and waits for req. Cancelling ctx after
// the broadcast only stops the wait (ErrWaitAbandoned); the returned Outcome
// still carries the hash.
func (x *Executor) Execute(ctx context.Context, req Request, onBroadcast BroadcastFunc) (Outcome, error) {
	if err := x.validate(req); err != nil {
		return Outcome{}, err
	}

	from := common.HexToAddress(req.FromAddress)
	to := common.HexToAddress(req.ToAddress)
	value := units.ToBaseUnits(req.Amount, req.Decimals)
	if value.Sign() <= 0 {
		return Outcome{}, invalidRequest("amount %s is below %s precision", req.Amount, req.TokenSymbol)
	}

	var (
		txTo    common.Address
		txValue *big.Int
		data    []byte
	)
	if req.Native {
		txTo, txValue = to, value
	} else {
		packed, err := erc20ABI.Pack("transfer", to, value)
		if err != nil {
			return Outcome{}, invalidRequest("pack transfer: %v", err)
		}
		txTo, txValue, data = common.HexToAddress(req.TokenAddress), big.NewInt(0), packed
	}

	tx, chainID, err := x.buildTx(ctx, from, txTo, txValue, data)
	if err != nil {
		return Outcome{}, err
	}

	signed, err := x.signer.SignTx(ctx, tx, chainID)
	if err != nil {
		return Outcome{}, rejected("sign", err)
	}

	if err := x.backend.SendTransaction(ctx, signed); err != nil {
		return Outcome{}, rejected("broadcast", err)
	}

	hash := signed.Hash()
	x.log.Info("transfer broadcast",
		zap.String("attempt_id", req.AttemptID),
		zap.String("tx_hash", hash.Hex()),
		zap.String("token", req.TokenSymbol),
		zap.String("amount", req.Amount.String()),
	)
	if onBroadcast != nil {
		onBroadcast(hash)
	}

	receipt, err := x.waitMined(ctx, hash)
	if err != nil {
		return Outcome{TxHash: hash}, err
	}

	out := Outcome{
		TxHash:  hash,
		GasUsed: receipt.GasUsed,
	}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return out, &Error{
			Kind:   KindReverted,
			Reason: fmt.Sprintf("reverted in block %d", out.BlockNumber),
			TxHash: hash,
		}
	}

	out.Confirmed = true
	return out, nil
}

func (x *Executor) validate(req Request) error {
	if !req.Native && units.IsPlaceholderAddress(req.TokenAddress) {
		return configurationError("token %s has no contract address configured (%q)", req.TokenSymbol, req.TokenAddress)
	}
	if !units.IsAddress(req.FromAddress) {
		return invalidRequest("sender address %q is not valid", req.FromAddress)
	}
	if !units.IsAddress(req.ToAddress) {
		return invalidRequest("recipient address %q is not valid", req.ToAddress)
	}
	if common.HexToAddress(req.FromAddress) != x.signer.Address() {
		return invalidRequest("sender %s is not the configured signer", req.FromAddress)
	}
	if req.Amount.Sign() <= 0 {
		return invalidRequest("amount must be > 0")
	}
	return nil
}

func (x *Executor) buildTx(ctx context.Context, from, to common.Address, value *big.Int, data []byte) (*types.Transaction, *big.Int, error) {
	chainID, err := x.backend.ChainID(ctx)
	if err != nil {
		return nil, nil, rejected("chain id", err)
	}
	nonce, err := x.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, nil, rejected("nonce", err)
	}
	gasPrice, err := x.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, nil, rejected("gas price", err)
	}
	gas, err := x.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       &to,
		GasPrice: gasPrice,
		Value:    value,
		Data:     data,
	})
	if err != nil {
		return nil, nil, rejected(estimateReason(err), err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	return tx, chainID, nil
}

func estimateReason(err error) string {
	if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
		return "insufficient funds"
	}
	return "estimate gas"
}

func (x *Executor) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(x.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := x.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			x.log.Debug("receipt poll failed", zap.String("tx_hash", hash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w (tx %s): %w", ErrWaitAbandoned, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
