package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	gateway "github.com/okondo/gaasgw/internal"
	"github.com/okondo/gaasgw/internal/watermark"
)

// maxVerifyBody caps the document size accepted for watermark extraction.
const maxVerifyBody = 32 << 20

// handleWatermarkVerify extracts a watermark from a leaked document and
// attributes it to a service, key, and point in time.
func (s *server) handleWatermarkVerify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxVerifyBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("could not read document"))
		return
	}

	token := watermark.Extract(body)
	if token == "" {
		writeJSON(w, http.StatusOK, map[string]any{"watermark_found": false})
		return
	}
	wm, err := watermark.Decode(token)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"watermark_found": true,
			"valid":           false,
		})
		return
	}

	ctx := r.Context()
	serviceName := "unknown"
	if svc, err := s.deps.Store.GetService(ctx, wm.ServiceID); err == nil {
		serviceName = svc.Name
	}
	maskedKey := "unknown"
	if key, err := s.deps.Store.GetKeyByID(ctx, wm.APIKeyID); err == nil {
		maskedKey = gateway.MaskSecret(key.Secret)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"watermark_found": true,
		"valid":           true,
		"service_id":      wm.ServiceID,
		"service_name":    serviceName,
		"api_key_id":      wm.APIKeyID,
		"api_key":         maskedKey,
		"request_id":      wm.RequestID,
		"timestamp":       wm.Timestamp.Format(time.RFC3339Nano),
	})
}

func (s *server) handleMerkleLatest(w http.ResponseWriter, r *http.Request) {
	root, err := s.deps.Store.LatestMerkleRoot(r.Context())
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]any{"batches": 0})
			return
		}
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, root)
}

func (s *server) handleMerkleHistory(w http.ResponseWriter, r *http.Request) {
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if offset < 0 {
		offset = 0
	}

	ctx := r.Context()
	roots, err := s.deps.Store.ListMerkleRoots(ctx, offset, limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	total, err := s.deps.Store.CountMerkleRoots(ctx)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"roots":  roots,
		"offset": offset,
		"total":  total,
	})
}

// handleMerkleVerify recomputes a batch root from its stored leaves and
// reports whether it matches the recorded root.
func (s *server) handleMerkleVerify(w http.ResponseWriter, r *http.Request) {
	batchID, ok := pathID(w, r, "batchID")
	if !ok {
		return
	}
	root, hashes, match, err := s.deps.TLog.VerifyBatch(r.Context(), batchID)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch_id":      root.ID,
		"merkle_root":   root.Root,
		"request_count": root.RequestCount,
		"hashes":        hashes,
		"valid":         match,
	})
}

// handleBlockchainStatus reports the anchoring state of a batch, from the
// local record and, when an RPC client is configured, from the contract.
func (s *server) handleBlockchainStatus(w http.ResponseWriter, r *http.Request) {
	batchID, ok := pathID(w, r, "batchID")
	if !ok {
		return
	}
	ctx := r.Context()
	root, err := s.deps.Store.GetMerkleRoot(ctx, batchID)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}

	resp := map[string]any{
		"batch_id":    root.ID,
		"merkle_root": root.Root,
		"anchored":    root.IsAnchored,
	}
	if root.TxHash != nil {
		resp["tx_hash"] = *root.TxHash
	}
	if root.BlockNumber != nil {
		resp["block_number"] = *root.BlockNumber
	}
	if root.AnchoredAt != nil {
		resp["anchored_at"] = root.AnchoredAt.Format(time.RFC3339Nano)
	}

	// Cross-check the contract when a chain client is wired. Failures here
	// degrade to the local view rather than failing the request.
	if s.deps.Chain != nil {
		if onChain, err := s.deps.Chain.IsBatchAnchored(ctx, batchID); err == nil {
			resp["on_chain"] = onChain
			if onChain {
				if rec, err := s.deps.Chain.Record(ctx, batchID); err == nil {
					resp["on_chain_root"] = rec.Root
					resp["on_chain_timestamp"] = rec.Timestamp.Format(time.RFC3339Nano)
					resp["on_chain_match"] = rec.Root == root.Root
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
