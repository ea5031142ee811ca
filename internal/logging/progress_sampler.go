package logging

import "strings"

// ProgressSampler suppresses repetitive transfer progress logs while keeping a
// line per percentage bucket and one whenever the transferred resource changes.
type ProgressSampler struct {
	bucketSize   float64
	lastResource string
	lastBucket   int
}

// NewProgressSampler constructs a sampler that emits when the percent crosses
// bucket boundaries (default 10%) or when the resource changes.
func NewProgressSampler(bucketSize float64) *ProgressSampler {
	if bucketSize <= 0 {
		bucketSize = 10
	}
	return &ProgressSampler{bucketSize: bucketSize, lastBucket: -1}
}

// ShouldLog reports whether a progress event should be logged. Percent is
// negative when the total size is unknown.
func (s *ProgressSampler) ShouldLog(percent float64, resource string) bool {
	if s == nil {
		return true
	}
	resource = strings.TrimSpace(resource)
	emit := false
	if resource != "" && resource != s.lastResource {
		s.lastResource = resource
		s.lastBucket = -1
		emit = true
	}
	if percent >= 0 {
		bucket := int(percent / s.bucketSize)
		if percent >= 100 {
			bucket = int(100 / s.bucketSize)
		}
		if bucket > s.lastBucket {
			s.lastBucket = bucket
			emit = true
		}
	}
	return emit
}

// Reset clears the sampler state.
func (s *ProgressSampler) Reset() {
	if s == nil {
		return
	}
	s.lastResource = ""
	s.lastBucket = -1
}
