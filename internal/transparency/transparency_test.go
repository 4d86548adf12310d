package transparency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	gateway "github.com/okondo/gaasgw/internal"
	"github.com/okondo/gaasgw/internal/merkle"
)

// memStore is a minimal in-memory TransparencyStore for batching tests.
type memStore struct {
	mu        sync.Mutex
	hashes    []*gateway.RequestHash
	roots     []*gateway.MerkleRoot
	insertErr error
}

func (m *memStore) InsertRequestHash(ctx context.Context, h *gateway.RequestHash) error {
	// Mirror database/sql: a cancelled context fails the statement.
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	h.ID = int64(len(m.hashes) + 1)
	m.hashes = append(m.hashes, h)
	return nil
}

func (m *memStore) CloseMerkleBatch(ctx context.Context, batchSize int, buildRoot func([]string) string) (*gateway.MerkleRoot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []*gateway.RequestHash
	for _, h := range m.hashes {
		if h.MerkleBatchID == nil {
			pending = append(pending, h)
		}
	}
	if len(pending) < batchSize {
		return nil, nil
	}
	pending = pending[:batchSize]
	leaves := make([]string, len(pending))
	for i, h := range pending {
		leaves[i] = h.Hash
	}
	root := &gateway.MerkleRoot{
		ID:           int64(len(m.roots) + 1),
		Root:         buildRoot(leaves),
		StartTime:    pending[0].Timestamp,
		EndTime:      pending[len(pending)-1].Timestamp,
		RequestCount: len(pending),
		CreatedAt:    time.Now(),
	}
	m.roots = append(m.roots, root)
	for _, h := range pending {
		id := root.ID
		h.MerkleBatchID = &id
	}
	return root, nil
}

func (m *memStore) LatestMerkleRoot(context.Context) (*gateway.MerkleRoot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.roots) == 0 {
		return nil, gateway.ErrNotFound
	}
	return m.roots[len(m.roots)-1], nil
}

func (m *memStore) ListMerkleRoots(context.Context, int, int) ([]*gateway.MerkleRoot, error) {
	return nil, nil
}

func (m *memStore) CountMerkleRoots(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.roots), nil
}

func (m *memStore) GetMerkleRoot(_ context.Context, batchID int64) (*gateway.MerkleRoot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roots {
		if r.ID == batchID {
			return r, nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (m *memStore) BatchHashes(_ context.Context, batchID int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, h := range m.hashes {
		if h.MerkleBatchID != nil && *h.MerkleBatchID == batchID {
			out = append(out, h.Hash)
		}
	}
	return out, nil
}

func (m *memStore) MarkAnchored(context.Context, int64, string, int64, time.Time) error {
	return nil
}

func (m *memStore) ListUnanchored(context.Context, int) ([]*gateway.MerkleRoot, error) {
	return nil, nil
}

type recordingNotifier struct {
	mu  sync.Mutex
	ids []int64
}

func (n *recordingNotifier) BatchClosed(id int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, id)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHashRequest(t *testing.T) {
	t.Parallel()
	ts := time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)
	got := HashRequest(1, 2, ts, "/v1/data", 200)

	payload := fmt.Sprintf("1|2|%s|/v1/data|200", ts.Format(time.RFC3339Nano))
	sum := sha256.Sum256([]byte(payload))
	if want := hex.EncodeToString(sum[:]); got != want {
		t.Errorf("HashRequest = %s, want %s", got, want)
	}
	if len(got) != 64 {
		t.Errorf("hash length = %d, want 64", len(got))
	}
}

func TestHashRequestDistinguishesFields(t *testing.T) {
	t.Parallel()
	ts := time.Now()
	base := HashRequest(1, 2, ts, "/a", 200)
	for name, other := range map[string]string{
		"service": HashRequest(9, 2, ts, "/a", 200),
		"key":     HashRequest(1, 9, ts, "/a", 200),
		"path":    HashRequest(1, 2, ts, "/b", 200),
		"status":  HashRequest(1, 2, ts, "/a", 504),
	} {
		if other == base {
			t.Errorf("changing %s did not change the hash", name)
		}
	}
}

func TestCommitClosesBatchAtSize(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	notifier := &recordingNotifier{}
	log := New(store, 3, notifier, discard())
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 7; i++ {
		log.Commit(ctx, 1, 2, base.Add(time.Duration(i)*time.Second), "/v1/data", 200)
	}

	// 7 commits at batch size 3 close two batches; one commitment pends.
	if n, _ := store.CountMerkleRoots(ctx); n != 2 {
		t.Errorf("batches closed = %d, want 2", n)
	}
	if len(notifier.ids) != 2 || notifier.ids[0] != 1 || notifier.ids[1] != 2 {
		t.Errorf("notified batch ids = %v, want [1 2]", notifier.ids)
	}
}

func TestCommitSurvivesCancelledContext(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	log := New(store, 1, nil, discard())

	// The caller disconnected before the commit ran.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	log.Commit(ctx, 1, 2, time.Now(), "/v1/data", 200)

	if len(store.hashes) != 1 {
		t.Fatalf("hashes stored = %d, want 1", len(store.hashes))
	}
	root, err := store.LatestMerkleRoot(context.Background())
	if err != nil {
		t.Fatalf("no batch closed after cancelled-context commit: %v", err)
	}
	if root.RequestCount != 1 {
		t.Errorf("request count = %d, want 1", root.RequestCount)
	}
}

func TestCommitInsertFailureIsSilent(t *testing.T) {
	t.Parallel()
	store := &memStore{insertErr: errors.New("disk full")}
	log := New(store, 3, nil, discard())

	// Must not panic or propagate; the caller's response is unaffected.
	log.Commit(context.Background(), 1, 2, time.Now(), "/v1/data", 200)
	if len(store.hashes) != 0 {
		t.Errorf("hashes stored despite failure: %d", len(store.hashes))
	}
}

func TestVerifyBatch(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	log := New(store, 4, nil, discard())
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 4; i++ {
		log.Commit(ctx, 1, 2, base.Add(time.Duration(i)*time.Second), "/v1/data", 200)
	}

	root, leaves, ok, err := log.VerifyBatch(ctx, 1)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Error("freshly closed batch failed verification")
	}
	if len(leaves) != 4 {
		t.Errorf("leaves = %d, want 4", len(leaves))
	}
	if merkle.Root(leaves) != root.Root {
		t.Error("recomputed root mismatch")
	}

	// Tamper with a stored leaf; verification must fail.
	store.mu.Lock()
	store.hashes[0].Hash = HashRequest(1, 2, base, "/tampered", 200)
	store.mu.Unlock()

	_, _, ok, err = log.VerifyBatch(ctx, 1)
	if err != nil {
		t.Fatalf("verify tampered: %v", err)
	}
	if ok {
		t.Error("tampered batch passed verification")
	}
}
