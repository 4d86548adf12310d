package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	gateway "github.com/okondo/gaasgw/internal"
	"github.com/okondo/gaasgw/internal/blockchain"
	"github.com/okondo/gaasgw/internal/telemetry"
)

type fakeTransparencyStore struct {
	mu    sync.Mutex
	roots map[int64]*gateway.MerkleRoot
}

func newFakeTransparencyStore(roots ...*gateway.MerkleRoot) *fakeTransparencyStore {
	s := &fakeTransparencyStore{roots: make(map[int64]*gateway.MerkleRoot)}
	for _, r := range roots {
		s.roots[r.ID] = r
	}
	return s
}

func (s *fakeTransparencyStore) InsertRequestHash(context.Context, *gateway.RequestHash) error {
	return nil
}

func (s *fakeTransparencyStore) CloseMerkleBatch(context.Context, int, func([]string) string) (*gateway.MerkleRoot, error) {
	return nil, nil
}

func (s *fakeTransparencyStore) LatestMerkleRoot(context.Context) (*gateway.MerkleRoot, error) {
	return nil, gateway.ErrNotFound
}

func (s *fakeTransparencyStore) ListMerkleRoots(context.Context, int, int) ([]*gateway.MerkleRoot, error) {
	return nil, nil
}

func (s *fakeTransparencyStore) CountMerkleRoots(context.Context) (int, error) { return 0, nil }

func (s *fakeTransparencyStore) GetMerkleRoot(_ context.Context, id int64) (*gateway.MerkleRoot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.roots[id]; ok {
		cp := *r
		return &cp, nil
	}
	return nil, gateway.ErrNotFound
}

func (s *fakeTransparencyStore) BatchHashes(context.Context, int64) ([]string, error) {
	return nil, nil
}

func (s *fakeTransparencyStore) MarkAnchored(_ context.Context, id int64, txHash string, blockNumber int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.roots[id]
	if !ok {
		return gateway.ErrNotFound
	}
	r.IsAnchored = true
	r.TxHash = &txHash
	r.BlockNumber = &blockNumber
	r.AnchoredAt = &at
	return nil
}

func (s *fakeTransparencyStore) ListUnanchored(context.Context, int) ([]*gateway.MerkleRoot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*gateway.MerkleRoot
	for _, r := range s.roots {
		if !r.IsAnchored {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeAnchorer struct {
	mu    sync.Mutex
	calls []int64
	err   error
}

func (f *fakeAnchorer) Anchor(_ context.Context, _ string, batchID int64, _ int) (*blockchain.AnchorResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, batchID)
	if f.err != nil {
		return nil, f.err
	}
	return &blockchain.AnchorResult{TxHash: "0xabc", BlockNumber: 42}, nil
}

func (f *fakeAnchorer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestWorker(store *fakeTransparencyStore, anchorer Anchorer) *AnchorWorker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	return NewAnchorWorker(store, anchorer, metrics, logger)
}

func unanchoredRoot(id int64) *gateway.MerkleRoot {
	return &gateway.MerkleRoot{
		ID:           id,
		Root:         "ab",
		RequestCount: 10,
		CreatedAt:    time.Now(),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestAnchorWorkerAnchorsEnqueuedBatch(t *testing.T) {
	t.Parallel()
	store := newFakeTransparencyStore(unanchoredRoot(1))
	anchorer := &fakeAnchorer{}
	w := newTestWorker(store, anchorer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx) //nolint:errcheck

	w.BatchClosed(1)
	waitFor(t, func() bool {
		r, _ := store.GetMerkleRoot(ctx, 1)
		return r.IsAnchored
	})

	r, _ := store.GetMerkleRoot(ctx, 1)
	if r.TxHash == nil || *r.TxHash != "0xabc" || r.BlockNumber == nil || *r.BlockNumber != 42 {
		t.Errorf("anchored root = %+v", r)
	}
}

func TestAnchorWorkerCoalescesDuplicates(t *testing.T) {
	t.Parallel()
	store := newFakeTransparencyStore(unanchoredRoot(1))
	anchorer := &fakeAnchorer{}
	w := newTestWorker(store, anchorer)

	// Enqueue the same batch repeatedly before the worker runs.
	for i := 0; i < 5; i++ {
		w.BatchClosed(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx) //nolint:errcheck

	waitFor(t, func() bool {
		r, _ := store.GetMerkleRoot(ctx, 1)
		return r.IsAnchored
	})
	if n := anchorer.callCount(); n != 1 {
		t.Errorf("anchor calls = %d, want 1", n)
	}
}

func TestAnchorWorkerSkipsAlreadyAnchored(t *testing.T) {
	t.Parallel()
	root := unanchoredRoot(1)
	root.IsAnchored = true
	store := newFakeTransparencyStore(root)
	anchorer := &fakeAnchorer{}
	w := newTestWorker(store, anchorer)

	w.anchorOne(context.Background(), 1)
	if anchorer.callCount() != 0 {
		t.Error("anchored a batch already marked anchored")
	}
}

func TestAnchorWorkerFailureLeavesUnanchored(t *testing.T) {
	t.Parallel()
	store := newFakeTransparencyStore(unanchoredRoot(1))
	anchorer := &fakeAnchorer{err: errors.New("rpc down")}
	w := newTestWorker(store, anchorer)

	w.anchorOne(context.Background(), 1)

	r, _ := store.GetMerkleRoot(context.Background(), 1)
	if r.IsAnchored {
		t.Error("failed anchor marked as anchored")
	}
	// The inflight slot is released so a later retry can claim it.
	w.BatchClosed(1)
	select {
	case id := <-w.ch:
		if id != 1 {
			t.Errorf("requeued id = %d", id)
		}
	default:
		t.Error("batch not requeued after failure")
	}
}

func TestAnchorWorkerRecoversSubmittedButUnrecorded(t *testing.T) {
	t.Parallel()
	store := newFakeTransparencyStore(unanchoredRoot(1))
	anchorer := &fakeAnchorer{err: blockchain.ErrAlreadyAnchored}
	w := newTestWorker(store, anchorer)

	w.anchorOne(context.Background(), 1)

	r, _ := store.GetMerkleRoot(context.Background(), 1)
	if !r.IsAnchored {
		t.Error("contract-anchored batch not marked locally")
	}
}

func TestSweepEnqueuesUnanchored(t *testing.T) {
	t.Parallel()
	store := newFakeTransparencyStore(unanchoredRoot(1), unanchoredRoot(2))
	w := newTestWorker(store, &fakeAnchorer{})

	w.sweep(context.Background())
	if len(w.ch) != 2 {
		t.Errorf("queued = %d, want 2", len(w.ch))
	}
}
