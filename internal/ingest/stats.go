package ingest

import "sync"

// maxFailureSamples bounds how many failure examples a Stats keeps. Summaries
// only print a handful; keeping everything would grow without bound on large
// backlogs.
const maxFailureSamples = 50

// FailureSample captures one terminally failed job for the batch summary.
type FailureSample struct {
	RowID     int64
	URL       string
	Domain    string
	Container string
	Err       string
}

// Stats aggregates per-batch outcomes across all workers. It is the only
// shared mutable state outside the job queue and is guarded by one mutex.
type Stats struct {
	mu      sync.Mutex
	ok      int
	fail    int
	retries int
	samples []FailureSample
}

// RecordOK counts one successfully completed job.
func (s *Stats) RecordOK() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ok++
}

// RecordRetry counts one retried attempt.
func (s *Stats) RecordRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
}

// RecordFailure counts one job that exhausted its retries and keeps a bounded
// sample for the summary.
func (s *Stats) RecordFailure(sample FailureSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail++
	if len(s.samples) < maxFailureSamples {
		s.samples = append(s.samples, sample)
	}
}

// Snapshot returns a copy of the current totals.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	samples := make([]FailureSample, len(s.samples))
	copy(samples, s.samples)
	return StatsSnapshot{
		OK:       s.ok,
		Fail:     s.fail,
		Retries:  s.retries,
		Failures: samples,
	}
}

// StatsSnapshot is an immutable view of a Stats.
type StatsSnapshot struct {
	OK       int             `json:"ok"`
	Fail     int             `json:"fail"`
	Retries  int             `json:"retries"`
	Failures []FailureSample `json:"-"`
}

// Merge folds another snapshot into this one. Failure samples are carried
// over up to the same bound.
func (s StatsSnapshot) Merge(other StatsSnapshot) StatsSnapshot {
	merged := StatsSnapshot{
		OK:      s.OK + other.OK,
		Fail:    s.Fail + other.Fail,
		Retries: s.Retries + other.Retries,
	}
	merged.Failures = append(merged.Failures, s.Failures...)
	for _, f := range other.Failures {
		if len(merged.Failures) >= maxFailureSamples {
			break
		}
		merged.Failures = append(merged.Failures, f)
	}
	return merged
}
