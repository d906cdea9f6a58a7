package handlers

import (
	"net/http"
	"sync"
	"time"
)

var (
	startTime time.Time
	startOnce sync.Once
)

// InitStartTime records the server start time. Only the first call counts.
func InitStartTime() {
	startOnce.Do(func() {
		startTime = time.Now()
	})
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string         `json:"status"`
	Version string         `json:"version"`
	Uptime  int64          `json:"uptime"`
	Gauges  map[string]int `json:"gauges,omitempty"`
}

// HealthHandler returns a health check handler. Each gauge is sampled per
// request.
func HealthHandler(version string, gauges map[string]func() int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(0)
		if !startTime.IsZero() {
			uptime = int64(time.Since(startTime).Seconds())
		}

		resp := HealthResponse{
			Status:  "ok",
			Version: version,
			Uptime:  uptime,
		}
		if len(gauges) > 0 {
			resp.Gauges = make(map[string]int, len(gauges))
			for name, fn := range gauges {
				resp.Gauges[name] = fn()
			}
		}
		SendJSON(w, http.StatusOK, resp)
	}
}
