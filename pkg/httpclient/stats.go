package httpclient

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// Well-known failure kinds recorded in the stats registry. Status
// failures use the form "StatusCode NNN".
const (
	FailureConnection = "ConnectionError"
	FailureTimeout    = "Timeout"
	FailureRequest    = "RequestError"
)

// RequestStats aggregates outcomes for one (session, request-name) pair.
type RequestStats struct {
	SuccessCount int64            `json:"success_count"`
	AverageTime  float64          `json:"average_time"`
	MaxTime      float64          `json:"max_time"`
	FailedCount  int64            `json:"failed_count"`
	Failures     map[string]int64 `json:"failures"`
}

// Stats is a registry of request statistics keyed by session and
// request name. The zero value is not usable; construct with NewStats.
type Stats struct {
	mu       sync.Mutex
	requests map[string]map[string]*RequestStats
}

// DefaultStats is the process-wide registry. Components share it unless
// a test injects its own.
var DefaultStats = NewStats()

// NewStats creates an empty registry.
func NewStats() *Stats {
	return &Stats{
		requests: make(map[string]map[string]*RequestStats),
	}
}

func (s *Stats) entry(sessionID, requestName string) *RequestStats {
	bySession, ok := s.requests[sessionID]
	if !ok {
		bySession = make(map[string]*RequestStats)
		s.requests[sessionID] = bySession
	}
	entry, ok := bySession[requestName]
	if !ok {
		entry = &RequestStats{Failures: make(map[string]int64)}
		bySession[requestName] = entry
	}
	return entry
}

// AddSuccess records a successful request and its latency.
func (s *Stats) AddSuccess(sessionID, requestName string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entry(sessionID, requestName)
	total := float64(entry.SuccessCount) * entry.AverageTime
	entry.SuccessCount++
	entry.AverageTime = (total + d.Seconds()) / float64(entry.SuccessCount)
	if d.Seconds() > entry.MaxTime {
		entry.MaxTime = d.Seconds()
	}
}

// AddFailure records a failed request under a failure kind.
func (s *Stats) AddFailure(sessionID, requestName, failure string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.entry(sessionID, requestName)
	entry.FailedCount++
	entry.Failures[failure]++
}

// Snapshot returns a deep copy of all recorded statistics.
func (s *Stats) Snapshot() map[string]map[string]RequestStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]map[string]RequestStats, len(s.requests))
	for sessionID, bySession := range s.requests {
		outSession := make(map[string]RequestStats, len(bySession))
		for name, entry := range bySession {
			failures := make(map[string]int64, len(entry.Failures))
			for k, v := range entry.Failures {
				failures[k] = v
			}
			copied := *entry
			copied.Failures = failures
			outSession[name] = copied
		}
		out[sessionID] = outSession
	}
	return out
}

// RemoveSession drops all statistics recorded for a session.
func (s *Stats) RemoveSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, sessionID)
}

// categorizeError maps a transport error onto a failure kind.
func categorizeError(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return FailureTimeout
	case errors.As(err, &netErr):
		return FailureConnection
	default:
		return FailureRequest
	}
}
