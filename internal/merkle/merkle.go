// Package merkle builds binary Merkle trees over hex-encoded leaf hashes.
//
// Parents are computed as SHA-256 over the ASCII concatenation of the two
// child hex strings, not over raw digest bytes. Odd nodes at any level are
// paired with themselves. Auditors recomputing roots from published leaves
// must follow the same scheme.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
)

// Root computes the Merkle root of the given leaf hashes in order.
// An empty input yields ""; a single leaf is its own root.
func Root(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := leaves
	for len(level) > 1 {
		next := make([]string, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			next = append(next, parent(left, right))
		}
		level = next
	}
	return level[0]
}

// Proof returns the sibling path for the leaf at index i, bottom-up. Each
// step carries the sibling hash and whether it sits to the left of the
// running hash. Returns nil when i is out of range.
func Proof(leaves []string, i int) []ProofStep {
	if i < 0 || i >= len(leaves) {
		return nil
	}
	var steps []ProofStep
	level := leaves
	for len(level) > 1 {
		sibling := i ^ 1
		if sibling >= len(level) {
			sibling = i // odd node pairs with itself
		}
		steps = append(steps, ProofStep{
			Hash: level[sibling],
			Left: sibling < i,
		})
		next := make([]string, 0, (len(level)+1)/2)
		for j := 0; j < len(level); j += 2 {
			left := level[j]
			right := left
			if j+1 < len(level) {
				right = level[j+1]
			}
			next = append(next, parent(left, right))
		}
		level = next
		i /= 2
	}
	return steps
}

// ProofStep is one sibling in an inclusion proof.
type ProofStep struct {
	Hash string `json:"hash"`
	Left bool   `json:"left"`
}

// Verify recomputes a root from a leaf and its proof and compares.
func Verify(leaf string, proof []ProofStep, root string) bool {
	h := leaf
	for _, step := range proof {
		if step.Left {
			h = parent(step.Hash, h)
		} else {
			h = parent(h, step.Hash)
		}
	}
	return h == root
}

func parent(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}
