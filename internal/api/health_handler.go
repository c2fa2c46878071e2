package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/busybox42/elemta-lmtp/internal/lmtp"
)

// HealthStats represents server health statistics
type HealthStats struct {
	Status          string      `json:"status"`
	Uptime          int64       `json:"uptime"`           // seconds
	UptimeFormatted string      `json:"uptime_formatted"` // human readable
	StartedAt       time.Time   `json:"started_at"`
	GoVersion       string      `json:"go_version"`
	NumGoroutines   int         `json:"num_goroutines"`
	Memory          MemoryStats `json:"memory"`
	LMTP            *lmtp.Stats `json:"lmtp,omitempty"`
	ServerVersion   string      `json:"server_version"`
}

// MemoryStats represents memory usage statistics
type MemoryStats struct {
	Alloc     uint64  `json:"alloc"`
	Sys       uint64  `json:"sys"`
	HeapInuse uint64  `json:"heap_inuse"`
	NumGC     uint32  `json:"num_gc"`
	AllocMB   float64 `json:"alloc_mb"`
}

// handleHealth answers 200 while the LMTP listener accepts connections and
// 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := time.Since(s.startedAt)
	health := HealthStats{
		Status:          "ok",
		Uptime:          int64(uptime.Seconds()),
		UptimeFormatted: formatDuration(uptime),
		StartedAt:       s.startedAt,
		GoVersion:       runtime.Version(),
		NumGoroutines:   runtime.NumGoroutine(),
		Memory: MemoryStats{
			Alloc:     mem.Alloc,
			Sys:       mem.Sys,
			HeapInuse: mem.HeapInuse,
			NumGC:     mem.NumGC,
			AllocMB:   float64(mem.Alloc) / 1024 / 1024,
		},
		ServerVersion: s.version,
	}

	status := http.StatusOK
	if s.source != nil {
		stats := s.source.Stats()
		health.LMTP = &stats
		if !stats.Listening {
			health.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, health)
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}
