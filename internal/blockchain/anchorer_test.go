package blockchain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Well-known throwaway development key; never holds funds.
const testKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

const testContract = "0x000000000000000000000000000000000000dEaD"

type fakeBackend struct {
	chainID     int64
	anchored    bool
	estimateErr error
	sendErr     error
	totalCalls  int

	sent *types.Transaction
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(f.chainID), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(10_000_000_000)}, nil // 10 gwei
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 100_000, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.totalCalls++
	word := make([]byte, 32)
	if f.anchored {
		word[31] = 1
	}
	return word, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = tx
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.sent == nil || f.sent.Hash() != txHash {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(12345),
	}, nil
}

func newTestAnchorer(t *testing.T, fb *fakeBackend) *Anchorer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := newAnchorer(context.Background(), fb, testKeyHex, testContract, logger)
	if err != nil {
		t.Fatalf("new anchorer: %v", err)
	}
	return a
}

func testRoot() string {
	return strings.Repeat("ab", 32)
}

func TestAnchorSubmitsDynamicFeeTx(t *testing.T) {
	t.Parallel()
	fb := &fakeBackend{chainID: SepoliaChainID}
	a := newTestAnchorer(t, fb)

	res, err := a.Anchor(context.Background(), testRoot(), 3, 10)
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if res.BlockNumber != 12345 {
		t.Errorf("block number = %d, want 12345", res.BlockNumber)
	}
	if res.TxHash != fb.sent.Hash().Hex() {
		t.Errorf("tx hash = %s, want %s", res.TxHash, fb.sent.Hash().Hex())
	}

	tx := fb.sent
	if tx.Type() != types.DynamicFeeTxType {
		t.Errorf("tx type = %d, want dynamic fee", tx.Type())
	}
	if tx.ChainId().Int64() != SepoliaChainID {
		t.Errorf("chain id = %d", tx.ChainId().Int64())
	}
	if tx.Nonce() != 7 {
		t.Errorf("nonce = %d, want 7", tx.Nonce())
	}
	wantTip := big.NewInt(2_000_000_000)
	if tx.GasTipCap().Cmp(wantTip) != 0 {
		t.Errorf("tip = %v, want 2 gwei", tx.GasTipCap())
	}
	// 2*base (10 gwei) + tip (2 gwei) = 22 gwei.
	if want := big.NewInt(22_000_000_000); tx.GasFeeCap().Cmp(want) != 0 {
		t.Errorf("fee cap = %v, want 22 gwei", tx.GasFeeCap())
	}
	if tx.Gas() != 120_000 {
		t.Errorf("gas = %d, want estimate with 20%% headroom", tx.Gas())
	}
}

func TestAnchorPreflightSkipsAnchored(t *testing.T) {
	t.Parallel()
	fb := &fakeBackend{chainID: SepoliaChainID, anchored: true}
	a := newTestAnchorer(t, fb)

	_, err := a.Anchor(context.Background(), testRoot(), 3, 10)
	if !errors.Is(err, ErrAlreadyAnchored) {
		t.Errorf("err = %v, want ErrAlreadyAnchored", err)
	}
	if fb.sent != nil {
		t.Error("transaction sent despite preflight hit")
	}
}

func TestAnchorGasFallback(t *testing.T) {
	t.Parallel()
	fb := &fakeBackend{chainID: SepoliaChainID, estimateErr: errors.New("rpc down")}
	a := newTestAnchorer(t, fb)

	if _, err := a.Anchor(context.Background(), testRoot(), 3, 10); err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if fb.sent.Gas() != fallbackGasLimit {
		t.Errorf("gas = %d, want fallback %d", fb.sent.Gas(), fallbackGasLimit)
	}
}

func TestAnchorSendFailure(t *testing.T) {
	t.Parallel()
	fb := &fakeBackend{chainID: SepoliaChainID, sendErr: errors.New("insufficient funds")}
	a := newTestAnchorer(t, fb)

	if _, err := a.Anchor(context.Background(), testRoot(), 3, 10); err == nil {
		t.Error("anchor succeeded despite send failure")
	}
}

func TestAnchorRejectsBadRoot(t *testing.T) {
	t.Parallel()
	a := newTestAnchorer(t, &fakeBackend{chainID: SepoliaChainID})

	for _, root := range []string{"", "abcd", strings.Repeat("zz", 32)} {
		if _, err := a.Anchor(context.Background(), root, 1, 10); !errors.Is(err, ErrBadRoot) {
			t.Errorf("Anchor(%q) err = %v, want ErrBadRoot", root, err)
		}
	}
}

func TestNewAnchorerRejectsWrongChain(t *testing.T) {
	t.Parallel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := newAnchorer(context.Background(), &fakeBackend{chainID: 1}, testKeyHex, testContract, logger)
	if !errors.Is(err, ErrWrongChain) {
		t.Errorf("err = %v, want ErrWrongChain", err)
	}
}

func TestIsBatchAnchored(t *testing.T) {
	t.Parallel()
	fb := &fakeBackend{chainID: SepoliaChainID, anchored: true}
	a := newTestAnchorer(t, fb)

	anchored, err := a.IsBatchAnchored(context.Background(), 9)
	if err != nil {
		t.Fatalf("is anchored: %v", err)
	}
	if !anchored {
		t.Error("anchored = false, want true")
	}
}
