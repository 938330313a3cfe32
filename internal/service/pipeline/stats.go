// Package pipeline holds state shared between the command and query sides of
// the ingestion pipeline.
package pipeline

import (
	"sync"
	"time"
)

// Stats counts terminal message outcomes. Written by the submission
// coordinator, read by the status query. Safe for concurrent use.
type Stats struct {
	mu            sync.Mutex
	started       time.Time
	received      uint64
	committed     uint64
	suppressed    uint64
	rejected      uint64
	failed        uint64
	lastOutcomeAt time.Time
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Started       time.Time
	Received      uint64
	Committed     uint64
	Suppressed    uint64
	Rejected      uint64
	Failed        uint64
	LastOutcomeAt time.Time
}

func NewStats() *Stats {
	return &Stats{started: time.Now()}
}

// Receive counts a frame handed to the coordinator.
func (s *Stats) Receive() {
	s.mu.Lock()
	s.received++
	s.mu.Unlock()
}

// Outcome records one terminal outcome by name.
func (s *Stats) Outcome(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch name {
	case "committed":
		s.committed++
	case "suppressed":
		s.suppressed++
	case "rejected":
		s.rejected++
	case "failed":
		s.failed++
	}
	s.lastOutcomeAt = time.Now()
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Started:       s.started,
		Received:      s.received,
		Committed:     s.committed,
		Suppressed:    s.suppressed,
		Rejected:      s.rejected,
		Failed:        s.failed,
		LastOutcomeAt: s.lastOutcomeAt,
	}
}
