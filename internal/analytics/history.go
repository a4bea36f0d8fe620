package analytics

import (
	"sort"
	"sync"
	"time"
)

// DefaultRetention bounds how far back a strike's history is kept.
const DefaultRetention = 30 * time.Minute

// Sample is one observation of a strike's cumulative volumes.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Call      int64     `json:"call"`
	Put       int64     `json:"put"`
}

// Store keeps a bounded, time ordered sample history per strike price.
// Strikes are matched exactly. Mutation is driven by one fetch cycle at a time.
type Store struct {
	mu        sync.RWMutex
	retention time.Duration
	history   map[float64][]Sample
}

func NewStore(retention time.Duration) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{
		retention: retention,
		history:   make(map[float64][]Sample),
	}
}

// Record appends a sample and evicts everything older than ts-retention,
// keeping exactly one older sample as the anchor for the longest window.
// A sample older than the strike's last sample is rejected.
func (s *Store) Record(strike float64, ts time.Time, call, put int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	samples := s.history[strike]
	if n := len(samples); n > 0 && ts.Before(samples[n-1].Timestamp) {
		return false
	}
	samples = append(samples, Sample{Timestamp: ts, Call: call, Put: put})

	cutoff := ts.Add(-s.retention)
	idx := sort.Search(len(samples), func(i int) bool {
		return !samples[i].Timestamp.Before(cutoff)
	})
	if idx > 1 {
		samples = append([]Sample(nil), samples[idx-1:]...)
	}

	s.history[strike] = samples
	return true
}

// Get returns a copy of the strike's samples, oldest first.
func (s *Store) Get(strike float64) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	samples := s.history[strike]
	out := make([]Sample, len(samples))
	copy(out, samples)
	return out
}

// Clear drops the history of every strike.
func (s *Store) Clear() {
	s.mu.Lock()
	s.history = make(map[float64][]Sample)
	s.mu.Unlock()
}

// Len reports the number of tracked strikes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history)
}

func (s *Store) Retention() time.Duration {
	return s.retention
}

// strikes lists the tracked strikes in ascending order.
func (s *Store) strikes() []float64 {
	s.mu.RLock()
	out := make([]float64, 0, len(s.history))
	for k := range s.history {
		out = append(out, k)
	}
	s.mu.RUnlock()
	sort.Float64s(out)
	return out
}
