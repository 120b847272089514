package activity

import (
	"sync"
	"time"
)

// sampleSet holds one fixed-size circular duration buffer per
// activity. Rings are created lazily on first touch, pre-seeded with
// zeros; a per-activity countdown tracks how many real samples are
// still needed and is dropped once it reaches zero.
type sampleSet struct {
	size int

	mu     sync.Mutex
	rings  map[int64][]time.Duration
	cursor map[int64]int
	needed map[int64]int
}

func newSampleSet(size int) *sampleSet {
	return &sampleSet{
		size:   size,
		rings:  make(map[int64][]time.Duration),
		cursor: make(map[int64]int),
		needed: make(map[int64]int),
	}
}

// init (re)creates the ring for an activity, discarding any samples.
func (s *sampleSet) init(activityID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rings[activityID] = make([]time.Duration, s.size)
	s.cursor[activityID] = 0
	s.needed[activityID] = s.size
}

// ensureLocked lazily creates the ring on first touch.
func (s *sampleSet) ensureLocked(activityID int64) {
	if _, ok := s.rings[activityID]; !ok {
		s.rings[activityID] = make([]time.Duration, s.size)
		s.cursor[activityID] = 0
		s.needed[activityID] = s.size
	}
}

// push records a sample, overwriting the oldest once the ring is full,
// and counts down the needed counter until it is dropped.
func (s *sampleSet) push(activityID int64, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(activityID)

	ring := s.rings[activityID]
	i := s.cursor[activityID]
	ring[i] = d
	s.cursor[activityID] = (i + 1) % s.size

	if n, ok := s.needed[activityID]; ok {
		if n <= 1 {
			delete(s.needed, activityID)
		} else {
			s.needed[activityID] = n - 1
		}
	}
}

// mean returns the arithmetic mean over the full ring length, zeros
// included.
func (s *sampleSet) mean(activityID int64) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(activityID)

	var sum time.Duration
	for _, d := range s.rings[activityID] {
		sum += d
	}
	return sum / time.Duration(s.size)
}

// full reports whether the needed counter has been dropped, i.e. the
// ring has seen at least size real samples since its last init.
func (s *sampleSet) full(activityID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLocked(activityID)
	_, stillNeeded := s.needed[activityID]
	return !stillNeeded
}

// drop forgets everything about an activity.
func (s *sampleSet) drop(activityID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rings, activityID)
	delete(s.cursor, activityID)
	delete(s.needed, activityID)
}
