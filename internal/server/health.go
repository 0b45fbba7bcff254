package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/kon-rad/logship/internal/metrics"
	"github.com/kon-rad/logship/internal/overflow"
	"github.com/kon-rad/logship/internal/shipper"
)

type ShipperStatus interface {
	Snapshot() metrics.Snapshot
	QueueDepth() int
	RetryCount() int
	State() shipper.State
	AvgSendDuration() time.Duration
}

type OverflowStatus interface {
	Stats(ctx context.Context) overflow.Stats
	PendingCount(ctx context.Context) (int64, error)
}

type OverflowHealth struct {
	overflow.Stats
	PendingRows int64 `json:"pending_rows"`
	LostRecords int64 `json:"lost_records"`
}

type HealthResponse struct {
	Status        string          `json:"status"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Version       string          `json:"version"`
	Sink          string          `json:"sink"`
	State         string          `json:"state"`
	QueueDepth    int             `json:"queue_depth"`
	RetryCount    int             `json:"retry_count"`
	Received      int64           `json:"received"`
	Processed     int64           `json:"processed"`
	Succeeded     int64           `json:"succeeded"`
	Dropped       int64           `json:"dropped"`
	AvgSendMillis float64         `json:"avg_send_millis"`
	Overflow      *OverflowHealth `json:"overflow"`
	RSSBytes      int64           `json:"rss_bytes"`
	GeneratedAt   string          `json:"generated_at"`
	Warnings      []string        `json:"warnings,omitempty"`
}

type HealthHandler struct {
	shipper   ShipperStatus
	overflow  OverflowStatus
	lost      func() int64
	startTime time.Time
	version   string
	sink      string
}

// NewHealthHandler builds the /health handler. store may be nil when
// overflow persistence is disabled; lost reports payloads the overflow writer
// could not keep.
func NewHealthHandler(shp ShipperStatus, store OverflowStatus, lost func() int64, start time.Time, version, sink string) *HealthHandler {
	if lost == nil {
		lost = func() int64 { return 0 }
	}
	return &HealthHandler{
		shipper:   shp,
		overflow:  store,
		lost:      lost,
		startTime: start,
		version:   version,
		sink:      sink,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := h.shipper.Snapshot()
	resp := HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Version:       h.version,
		Sink:          h.sink,
		State:         h.shipper.State().String(),
		QueueDepth:    h.shipper.QueueDepth(),
		RetryCount:    h.shipper.RetryCount(),
		Received:      snap.Received,
		Processed:     snap.Processed,
		Succeeded:     snap.Succeeded,
		Dropped:       snap.Dropped,
		AvgSendMillis: float64(h.shipper.AvgSendDuration().Microseconds()) / 1000,
		RSSBytes:      residentBytes(),
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	if resp.State != shipper.StateRunning.String() {
		resp.Status = "degraded"
		resp.Warnings = append(resp.Warnings, "shipper_not_running")
	}
	if resp.RetryCount > 0 {
		resp.Status = "degraded"
		resp.Warnings = append(resp.Warnings, "sink_failing")
	}

	if h.overflow != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		oh := &OverflowHealth{Stats: h.overflow.Stats(ctx), LostRecords: h.lost()}
		pending, err := h.overflow.PendingCount(ctx)
		if err != nil {
			resp.Warnings = append(resp.Warnings, "overflow_pending_unavailable")
		}
		oh.PendingRows = pending
		if err != nil || oh.Status != "ok" {
			resp.Status = "degraded"
		}
		resp.Overflow = oh
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}
