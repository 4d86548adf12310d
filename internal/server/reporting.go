package server

import (
	"net/http"
	"strconv"
	"time"

	gateway "github.com/okondo/gaasgw/internal"
)

// handleUsage returns the request count for one service. An optional
// ?window_seconds=N restricts the count to a recent window; the default
// counts all recorded usage.
func (s *server) handleUsage(w http.ResponseWriter, r *http.Request) {
	serviceID, ok := pathID(w, r, "serviceID")
	if !ok {
		return
	}
	ctx := r.Context()
	if _, err := s.deps.Store.GetService(ctx, serviceID); err != nil {
		writeAdminError(w, r, err)
		return
	}

	var since time.Time
	if raw := r.URL.Query().Get("window_seconds"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse("window_seconds must be a positive integer"))
			return
		}
		since = time.Now().UTC().Add(-time.Duration(n) * time.Second)
	}

	count, err := s.deps.Store.CountServiceUsage(ctx, serviceID, since)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service_id":    serviceID,
		"request_count": count,
	})
}

func (s *server) handleBillingSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Store.BillingSummary(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type billingKeyEntry struct {
	KeyID           int64   `json:"key_id"`
	Key             string  `json:"key"`
	ServiceID       int64   `json:"service_id"`
	IsActive        bool    `json:"is_active"`
	PricePerRequest float64 `json:"price_per_request"`
	TotalCost       float64 `json:"total_cost"`
}

func (s *server) handleBillingKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.deps.Store.ListKeys(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	out := make([]billingKeyEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, billingKeyEntry{
			KeyID:           k.ID,
			Key:             gateway.MaskSecret(k.Secret),
			ServiceID:       k.ServiceID,
			IsActive:        k.IsActive,
			PricePerRequest: k.PricePerRequest,
			TotalCost:       k.TotalCost,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_keys": out})
}

type botActivityEntry struct {
	ID             int64     `json:"id"`
	ServiceID      int64     `json:"service_id"`
	Key            string    `json:"key"`
	BotScore       float64   `json:"bot_score"`
	Classification string    `json:"classification"`
	UserAgent      string    `json:"user_agent"`
	Action         string    `json:"action"`
	Timestamp      time.Time `json:"timestamp"`
}

func (s *server) handleBotActivity(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	detections, err := s.deps.Store.ListBotDetections(r.Context(), limit)
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	out := make([]botActivityEntry, 0, len(detections))
	for _, d := range detections {
		out = append(out, botActivityEntry{
			ID:             d.ID,
			ServiceID:      d.ServiceID,
			Key:            gateway.MaskSecret(d.KeySecret),
			BotScore:       d.BotScore,
			Classification: d.Classification,
			UserAgent:      d.UserAgent,
			Action:         d.Action,
			Timestamp:      d.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"detections": out})
}

func (s *server) handleBotStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Store.BotStats(r.Context())
	if err != nil {
		writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
