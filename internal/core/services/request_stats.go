package services

import (
	"net/http"
	"sync"
	"time"
)

// RequestStats aggregates management API traffic.
type RequestStats struct {
	mu        sync.Mutex
	count     int64
	errors    int64
	totalTime time.Duration
	startedAt time.Time
}

type RequestStatsSnapshot struct {
	TotalRequests     int64   `json:"total_requests"`
	ErrorResponses    int64   `json:"error_responses"`
	AvgResponseTimeMs float64 `json:"avg_response_time_ms"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
}

func NewRequestStats() *RequestStats {
	return &RequestStats{startedAt: time.Now()}
}

func (s *RequestStats) Observe(elapsed time.Duration, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.totalTime += elapsed
	if status >= http.StatusInternalServerError {
		s.errors++
	}
}

func (s *RequestStats) Snapshot() RequestStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := RequestStatsSnapshot{
		TotalRequests:  s.count,
		ErrorResponses: s.errors,
		UptimeSeconds:  time.Since(s.startedAt).Seconds(),
	}
	if s.count > 0 {
		snap.AvgResponseTimeMs = float64(s.totalTime.Microseconds()) / float64(s.count) / 1000
	}
	return snap
}
