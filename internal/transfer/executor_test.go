package transfer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	chainID   = big.NewInt(56)
	camlyAddr = "0x0910320181889feFDE0BB1Ca63962b0A8882e413"
	recipient = "0xabcabcabcabcabcabcabcabcabcabcabcabcabca"
)

type keySigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newKeySigner(t *testing.T) *keySigner {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &keySigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

func (s *keySigner) Address() common.Address { return s.addr }

func (s *keySigner) SignTx(_ context.Context, tx *types.Transaction, id *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.LatestSignerForChainID(id), s.key)
}

type fakeBackend struct {
	mu sync.Mutex

	calls       int
	sent        []*types.Transaction
	sendErr     error
	estimateErr error

	// receipt is returned after pendingPolls NotFound answers
	pendingPolls int
	polls        int
	status       uint64
}

func (f *fakeBackend) hit() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { f.hit(); return chainID, nil }

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.hit()
	return 7, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	f.hit()
	return big.NewInt(3_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	f.hit()
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 60_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.hit()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.hit()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.polls <= f.pendingPolls {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{
		Status:      f.status,
		TxHash:      hash,
		BlockNumber: big.NewInt(100),
		GasUsed:     51_000,
	}, nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestExecutor(t *testing.T, backend *fakeBackend) (*Executor, *keySigner) {
	signer := newKeySigner(t)
	return NewExecutor(backend, signer, zap.NewNop(), ExecutorConfig{PollInterval: time.Millisecond}), signer
}

func tokenRequest(from common.Address) Request {
	return Request{
		AttemptID:    "attempt-1",
		FromAddress:  from.Hex(),
		ToAddress:    recipient,
		Amount:       decimal.NewFromInt(5),
		TokenSymbol:  "CAMLY",
		TokenAddress: camlyAddr,
		Decimals:     3,
		ContextID:    "video-1",
		RequestedBy:  "user-1",
	}
}

func TestExecute_TokenTransferConfirmed(t *testing.T) {
	backend := &fakeBackend{pendingPolls: 2, status: types.ReceiptStatusSuccessful}
	x, signer := newTestExecutor(t, backend)

	var broadcasts []common.Hash
	out, err := x.Execute(context.Background(), tokenRequest(signer.addr), func(h common.Hash) {
		broadcasts = append(broadcasts, h)
	})
	require.NoError(t, err)

	assert.True(t, out.Confirmed)
	assert.Equal(t, uint64(100), out.BlockNumber)
	require.Len(t, backend.sent, 1)
	require.Len(t, broadcasts, 1)
	assert.Equal(t, backend.sent[0].Hash(), out.TxHash)
	assert.Equal(t, out.TxHash, broadcasts[0])

	tx := backend.sent[0]
	assert.Equal(t, common.HexToAddress(camlyAddr), *tx.To())
	assert.Equal(t, 0, tx.Value().Sign())
	assert.Equal(t, uint64(7), tx.Nonce())

	args, err := erc20ABI.Methods["transfer"].Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(recipient), args[0].(common.Address))
	assert.Equal(t, int64(5000), args[1].(*big.Int).Int64())

	sender, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
	require.NoError(t, err)
	assert.Equal(t, signer.addr, sender)
}

func TestExecute_NativeTransfer(t *testing.T) {
	backend := &fakeBackend{status: types.ReceiptStatusSuccessful}
	x, signer := newTestExecutor(t, backend)

	req := tokenRequest(signer.addr)
	req.Native = true
	req.TokenSymbol = "BNB"
	req.TokenAddress = ""
	req.Decimals = 18
	req.Amount = decimal.RequireFromString("0.01")

	out, err := x.Execute(context.Background(), req, nil)
	require.NoError(t, err)
	assert.True(t, out.Confirmed)

	tx := backend.sent[0]
	assert.Equal(t, common.HexToAddress(recipient), *tx.To())
	assert.Equal(t, "10000000000000000", tx.Value().String())
	assert.Empty(t, tx.Data())
}

func TestExecute_Reverted(t *testing.T) {
	backend := &fakeBackend{status: types.ReceiptStatusFailed}
	x, signer := newTestExecutor(t, backend)

	out, err := x.Execute(context.Background(), tokenRequest(signer.addr), nil)
	require.Error(t, err)

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindReverted, kind)
	assert.False(t, out.Confirmed)
	assert.True(t, out.Broadcast())

	var te *Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, out.TxHash, te.TxHash)
}

func TestExecute_PlaceholderTokenNeverTouchesChain(t *testing.T) {
	for _, addr := range []string{"0x", "", "0x0000000000000000000000000000000000000000"} {
		backend := &fakeBackend{}
		x, signer := newTestExecutor(t, backend)

		req := tokenRequest(signer.addr)
		req.TokenAddress = addr

		out, err := x.Execute(context.Background(), req, func(common.Hash) { t.Fatal("unexpected broadcast") })
		kind, ok := KindOf(err)
		require.True(t, ok)
		assert.Equal(t, KindConfiguration, kind)
		assert.Contains(t, err.Error(), "CAMLY")
		assert.False(t, out.Broadcast())
		assert.Zero(t, backend.callCount())
	}
}

func TestExecute_InvalidRequests(t *testing.T) {
	backend := &fakeBackend{}
	x, signer := newTestExecutor(t, backend)

	other := newKeySigner(t)
	cases := map[string]func(r *Request){
		"foreign sender":  func(r *Request) { r.FromAddress = other.addr.Hex() },
		"bad recipient":   func(r *Request) { r.ToAddress = "0xABC…" },
		"zero amount":     func(r *Request) { r.Amount = decimal.Zero },
		"below precision": func(r *Request) { r.Amount = decimal.RequireFromString("0.0001") },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := tokenRequest(signer.addr)
			mutate(&req)

			_, err := x.Execute(context.Background(), req, nil)
			kind, ok := KindOf(err)
			require.True(t, ok)
			assert.Equal(t, KindInvalidRequest, kind)
		})
	}
	assert.Zero(t, backend.callCount())
}

func TestExecute_BroadcastRejected(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("nonce too low")}
	x, signer := newTestExecutor(t, backend)

	out, err := x.Execute(context.Background(), tokenRequest(signer.addr), func(common.Hash) {
		t.Fatal("unexpected broadcast")
	})
	kind, _ := KindOf(err)
	assert.Equal(t, KindRejected, kind)
	assert.ErrorContains(t, err, "nonce too low")
	assert.False(t, out.Broadcast())
}

func TestExecute_EstimateGasFailure(t *testing.T) {
	backend := &fakeBackend{estimateErr: errors.New("execution reverted: BEP20: transfer amount exceeds balance")}
	x, signer := newTestExecutor(t, backend)

	_, err := x.Execute(context.Background(), tokenRequest(signer.addr), nil)
	kind, _ := KindOf(err)
	assert.Equal(t, KindRejected, kind)
	assert.Empty(t, backend.sent)
}

func TestExecute_WaitAbandonedKeepsHash(t *testing.T) {
	backend := &fakeBackend{pendingPolls: 1 << 30}
	x, signer := newTestExecutor(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	out, err := x.Execute(ctx, tokenRequest(signer.addr), func(common.Hash) { cancel() })

	assert.ErrorIs(t, err, ErrWaitAbandoned)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, out.Broadcast())
	assert.False(t, out.Confirmed)
	assert.Len(t, backend.sent, 1)
}
