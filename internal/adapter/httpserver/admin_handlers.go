package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/scribehq/notegen/internal/domain"
)

// QueueStatsHandler reports depth and head age for one queue.
// GET /admin/queue-stats?queue=text_processing
func (s *Server) QueueStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		queue := r.URL.Query().Get("queue")
		if queue == "" {
			queue = domain.QueueTextProcessing
		}
		stats, err := s.Jobs.QueueStats(r.Context(), queue)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

type workerView struct {
	ID                  string    `json:"id"`
	Variant             string    `json:"variant"`
	RegisteredAt        time.Time `json:"registeredAt"`
	LastHeartbeat       time.Time `json:"lastHeartbeat"`
	TotalProcessed      int64     `json:"totalProcessed"`
	TotalFailed         int64     `json:"totalFailed"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Active              bool      `json:"active"`
	Failed              bool      `json:"failed"`
}

// WorkersHandler lists every registered worker with its counters.
func (s *Server) WorkersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Registry == nil {
			writeError(w, r, fmt.Errorf("%w: worker registry not wired", domain.ErrInternal), nil)
			return
		}
		snap := s.Registry.Snapshot()
		out := make([]workerView, 0, len(snap))
		for _, d := range snap {
			out = append(out, workerView{
				ID:                  d.ID,
				Variant:             string(d.Variant),
				RegisteredAt:        d.RegistrationTime,
				LastHeartbeat:       d.LastHeartbeat,
				TotalProcessed:      d.TotalProcessed,
				TotalFailed:         d.TotalFailed,
				ConsecutiveFailures: d.ConsecutiveFailures,
				Active:              d.IsActive,
				Failed:              d.IsFailed,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"workers": out, "count": len(out)})
	}
}

type upstreamView struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	LastProbeAt time.Time `json:"lastProbeAt"`
	LatencyMs   float64   `json:"latencyMs"`
	ErrorRate   float64   `json:"errorRate"`
}

// SystemHealthHandler exposes the degradation controller's view.
func (s *Server) SystemHealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Health == nil {
			writeError(w, r, fmt.Errorf("%w: degradation controller not wired", domain.ErrInternal), nil)
			return
		}
		snap := s.Health.Snapshot()
		upstreams := make([]upstreamView, 0, len(snap.Upstreams))
		for _, u := range snap.Upstreams {
			upstreams = append(upstreams, upstreamView{
				Name:        u.Name,
				Status:      string(u.Status),
				LastProbeAt: u.LastProbeAt,
				LatencyMs:   u.LatencyMs,
				ErrorRate:   u.ErrorRate,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"level":     snap.Level.String(),
			"upstreams": upstreams,
		})
	}
}
