package httpapi

import (
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// healthReporter backs /healthz.
type healthReporter struct {
	started time.Time
	drivers map[string]string
	// cpuPercent is swappable in tests.
	cpuPercent func() (float64, error)
}

type healthStatus struct {
	Status     string            `json:"status"`
	Uptime     string            `json:"uptime"`
	Drivers    map[string]string `json:"drivers,omitempty"`
	CPUPercent *float64          `json:"cpuPercent,omitempty"`
	Goroutines int               `json:"goroutines"`
	HeapBytes  uint64            `json:"heapBytes"`
}

func newHealthReporter(drivers map[string]string) *healthReporter {
	return &healthReporter{
		started:    time.Now(),
		drivers:    drivers,
		cpuPercent: hostCPUPercent,
	}
}

func hostCPUPercent() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0], nil
}

func (h *healthReporter) snapshot() healthStatus {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	out := healthStatus{
		Status:     "ok",
		Uptime:     time.Since(h.started).Round(time.Second).String(),
		Drivers:    h.drivers,
		Goroutines: runtime.NumGoroutine(),
		HeapBytes:  mem.HeapAlloc,
	}
	if pct, err := h.cpuPercent(); err == nil {
		out.CPUPercent = &pct
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.health.snapshot())
}
