package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	MQTT          *MQTTMetrics   `json:"mqtt,omitempty"`
	Rules         RuleMetrics    `json:"rules"`
	Timers        TimerMetrics   `json:"timers"`
	Items         ItemMetrics    `json:"items"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int   `json:"connected_clients"`
	DroppedEvents    int64 `json:"dropped_events"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// RuleMetrics summarises loaded rules.
type RuleMetrics struct {
	RuleSets int   `json:"rule_sets"`
	Total    int   `json:"total"`
	Enabled  int   `json:"enabled"`
	Firings  int64 `json:"firings"`
}

// TimerMetrics counts scheduled timers by scope.
type TimerMetrics struct {
	Scheduled int            `json:"scheduled"`
	ByScope   map[string]int `json:"by_scope"`
}

// ItemMetrics counts items by type.
type ItemMetrics struct {
	Total  int            `json:"total"`
	ByType map[string]int `json:"by_type"`
}

// handleMetrics returns a JSON snapshot of the service for dashboards.
// Prometheus scrapes the separate promhttp endpoint.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		Timers: TimerMetrics{ByScope: make(map[string]int)},
		Items:  ItemMetrics{ByType: make(map[string]int)},
	}

	if s.hub != nil {
		metrics.WebSocket.ConnectedClients = s.hub.ClientCount()
		metrics.WebSocket.DroppedEvents = s.hub.Dropped()
	}
	if s.bus != nil {
		metrics.MQTT = &MQTTMetrics{Connected: s.bus.IsConnected()}
	}

	metrics.Rules.RuleSets = len(s.engine.RuleSets())
	for _, info := range s.engine.ListRules() {
		metrics.Rules.Total++
		if info.Enabled {
			metrics.Rules.Enabled++
		}
		metrics.Rules.Firings += info.Firings
	}

	for _, t := range s.engine.Timers() {
		metrics.Timers.Scheduled++
		metrics.Timers.ByScope[t.Scope]++
	}

	for _, it := range s.items.ListItems() {
		metrics.Items.Total++
		metrics.Items.ByType[string(it.Type)]++
	}

	writeJSON(w, http.StatusOK, metrics)
}
