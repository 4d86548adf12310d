// Package blockchain anchors Merkle roots to a registry contract on the
// Sepolia testnet using EIP-1559 transactions.
package blockchain

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// SepoliaChainID is the only chain the anchorer will talk to.
const SepoliaChainID = 11155111

const (
	// receiptTimeout bounds the wait for a transaction receipt.
	receiptTimeout = 120 * time.Second
	receiptPoll    = 3 * time.Second

	// fallbackGasLimit applies when gas estimation fails.
	fallbackGasLimit = 200_000

	priorityFeeGwei = 2
)

// registryABI is the transparency registry contract surface.
const registryABI = `[
	{"type":"function","name":"anchorMerkleRoot","stateMutability":"nonpayable","inputs":[{"name":"root","type":"bytes32"},{"name":"batchId","type":"uint256"},{"name":"requestCount","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"getMerkleRootByBatchId","stateMutability":"view","inputs":[{"name":"batchId","type":"uint256"}],"outputs":[{"name":"root","type":"bytes32"},{"name":"batchId","type":"uint256"},{"name":"requestCount","type":"uint256"},{"name":"timestamp","type":"uint256"},{"name":"anchoredBy","type":"address"}]},
	{"type":"function","name":"isBatchAnchored","stateMutability":"view","inputs":[{"name":"batchId","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"getTotalAnchors","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"MerkleRootAnchored","inputs":[{"name":"root","type":"bytes32","indexed":true},{"name":"batchId","type":"uint256","indexed":true},{"name":"requestCount","type":"uint256","indexed":false},{"name":"timestamp","type":"uint256","indexed":false},{"name":"anchoredBy","type":"address","indexed":true}]}
]`

var (
	// ErrBadRoot is returned for roots that are not 32 hex-encoded bytes.
	ErrBadRoot = errors.New("merkle root is not 32 hex bytes")
	// ErrAlreadyAnchored signals the contract already holds this batch.
	ErrAlreadyAnchored = errors.New("batch already anchored")
	// ErrWrongChain is returned when the RPC endpoint is not Sepolia.
	ErrWrongChain = errors.New("rpc endpoint is not sepolia")
)

// backend is the subset of ethclient.Client the anchorer uses.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// AnchorResult is the on-chain outcome of a successful anchor.
type AnchorResult struct {
	TxHash      string
	BlockNumber int64
}

// OnChainRecord is a stored anchor as the contract reports it.
type OnChainRecord struct {
	Root         string    `json:"root"`
	BatchID      int64     `json:"batch_id"`
	RequestCount int64     `json:"request_count"`
	Timestamp    time.Time `json:"timestamp"`
	AnchoredBy   string    `json:"anchored_by"`
}

// Anchorer submits Merkle roots to the registry contract. Submissions are
// serialized behind a mutex so concurrent batch closures cannot race on the
// account nonce.
type Anchorer struct {
	mu       sync.Mutex
	client   backend
	contract common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	parsed   abi.ABI
	logger   *slog.Logger
}

// Dial connects to the Sepolia RPC endpoint and verifies the chain id.
func Dial(ctx context.Context, rpcURL, privateKeyHex, contractAddr string, logger *slog.Logger) (*Anchorer, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return newAnchorer(ctx, client, privateKeyHex, contractAddr, logger)
}

func newAnchorer(ctx context.Context, client backend, privateKeyHex, contractAddr string, logger *slog.Logger) (*Anchorer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("bad contract address %q", contractAddr)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	if chainID.Int64() != SepoliaChainID {
		return nil, fmt.Errorf("%w: got chain %d", ErrWrongChain, chainID.Int64())
	}

	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("parse registry abi: %w", err)
	}

	return &Anchorer{
		client:   client,
		contract: common.HexToAddress(contractAddr),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		parsed:   parsed,
		logger:   logger,
	}, nil
}

// Anchor submits anchorMerkleRoot(root, batchID, requestCount) and waits for
// the receipt. It preflights isBatchAnchored so a restart after a submitted
// but unrecorded transaction does not double-anchor (the contract would
// revert anyway; the preflight saves the gas).
func (a *Anchorer) Anchor(ctx context.Context, rootHex string, batchID int64, requestCount int) (*AnchorResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	root, err := rootToBytes32(rootHex)
	if err != nil {
		return nil, err
	}

	anchored, err := a.isAnchoredLocked(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("preflight: %w", err)
	}
	if anchored {
		return nil, ErrAlreadyAnchored
	}

	data, err := a.parsed.Pack("anchorMerkleRoot", root, big.NewInt(batchID), big.NewInt(int64(requestCount)))
	if err != nil {
		return nil, fmt.Errorf("pack calldata: %w", err)
	}

	nonce, err := a.client.PendingNonceAt(ctx, a.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}

	head, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	tip := new(big.Int).Mul(big.NewInt(priorityFeeGwei), big.NewInt(1_000_000_000))
	feeCap := new(big.Int).Add(new(big.Int).Mul(head.BaseFee, big.NewInt(2)), tip)

	gas, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		From: a.from,
		To:   &a.contract,
		Data: data,
	})
	if err != nil {
		a.logger.LogAttrs(ctx, slog.LevelWarn, "gas estimation failed, using fallback",
			slog.Int64("batch_id", batchID),
			slog.String("error", err.Error()))
		gas = fallbackGasLimit
	} else {
		gas = gas * 12 / 10 // headroom over the estimate
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   a.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &a.contract,
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(a.chainID), a.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}

	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}

	a.logger.LogAttrs(ctx, slog.LevelInfo, "anchor transaction submitted",
		slog.Int64("batch_id", batchID),
		slog.String("tx_hash", signed.Hash().Hex()))

	receipt, err := a.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("anchor tx %s reverted", signed.Hash().Hex())
	}

	return &AnchorResult{
		TxHash:      signed.Hash().Hex(),
		BlockNumber: receipt.BlockNumber.Int64(),
	}, nil
}

func (a *Anchorer) waitReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()

	ticker := time.NewTicker(receiptPoll)
	defer ticker.Stop()
	for {
		receipt, err := a.client.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receipt for %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// IsBatchAnchored asks the contract whether a batch id is already anchored.
func (a *Anchorer) IsBatchAnchored(ctx context.Context, batchID int64) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isAnchoredLocked(ctx, batchID)
}

func (a *Anchorer) isAnchoredLocked(ctx context.Context, batchID int64) (bool, error) {
	out, err := a.view(ctx, "isBatchAnchored", big.NewInt(batchID))
	if err != nil {
		return false, err
	}
	anchored, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("isBatchAnchored returned %T", out[0])
	}
	return anchored, nil
}

// Record fetches the stored anchor for a batch id from the contract.
func (a *Anchorer) Record(ctx context.Context, batchID int64) (*OnChainRecord, error) {
	out, err := a.view(ctx, "getMerkleRootByBatchId", big.NewInt(batchID))
	if err != nil {
		return nil, err
	}
	root, _ := out[0].([32]byte)
	id, _ := out[1].(*big.Int)
	count, _ := out[2].(*big.Int)
	ts, _ := out[3].(*big.Int)
	by, _ := out[4].(common.Address)
	if id == nil || count == nil || ts == nil {
		return nil, fmt.Errorf("getMerkleRootByBatchId returned malformed tuple")
	}
	return &OnChainRecord{
		Root:         hex.EncodeToString(root[:]),
		BatchID:      id.Int64(),
		RequestCount: count.Int64(),
		Timestamp:    time.Unix(ts.Int64(), 0).UTC(),
		AnchoredBy:   by.Hex(),
	}, nil
}

// TotalAnchors returns the contract's total anchor count.
func (a *Anchorer) TotalAnchors(ctx context.Context) (int64, error) {
	out, err := a.view(ctx, "getTotalAnchors")
	if err != nil {
		return 0, err
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("getTotalAnchors returned %T", out[0])
	}
	return n.Int64(), nil
}

func (a *Anchorer) view(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := a.parsed.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.contract, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	out, err := a.parsed.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s returned no values", method)
	}
	return out, nil
}

func rootToBytes32(rootHex string) ([32]byte, error) {
	var root [32]byte
	raw, err := hex.DecodeString(rootHex)
	if err != nil || len(raw) != 32 {
		return root, ErrBadRoot
	}
	copy(root[:], raw)
	return root, nil
}
