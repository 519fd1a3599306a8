// -----------------------------------------------------------------------
// Job Cache Model - leased, revisioned entries for in-flight jobs
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// CacheEntry wraps a serialized job with coordination metadata. The value
// is an opaque blob to the cache; only the scheduler and Job API decode it.
type CacheEntry struct {
	Key          string        `json:"key"`
	Revision     int64         `json:"revision"`
	Status       JobStatusCode `json:"status"`
	Value        []byte        `json:"value"`
	LastActivity time.Time     `json:"last_activity"`
	LeaseOwner   string        `json:"lease_owner,omitempty"`
	LeaseExpiry  time.Time     `json:"lease_expiry,omitempty"`
}

// Ticket is a leased handle over a cache key permitting exclusive mutation
// at a known revision. Tickets are issued by cache backends and validated
// on every mutating call.
type Ticket struct {
	ID       string        `json:"id"`
	Key      string        `json:"key"`
	Revision int64         `json:"revision"`
	Expiry   time.Time     `json:"expiry"`
	Duration time.Duration `json:"duration"`
	// New marks a ticket opened for a key with no existing entry.
	New bool `json:"new"`
}

// jobStateVersion is bumped when the serialized shape changes. Decoding
// rejects versions it does not understand instead of guessing.
const jobStateVersion = 1

// JobState is the envelope serialized into a cache entry value: the job
// plus scheduling bookkeeping that travels with it between ticks.
type JobState struct {
	Version  int       `json:"version"`
	Job      *Job      `json:"job"`
	Retries  int       `json:"retries"`
	PollTime time.Time `json:"poll_time,omitempty"`
}

// NewJobState wraps a job in a versioned state envelope.
func NewJobState(job *Job) *JobState {
	return &JobState{Version: jobStateVersion, Job: job}
}

// Encode serializes the state envelope for cache storage.
func (s *JobState) Encode() ([]byte, error) {
	s.Version = jobStateVersion
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job state: %w", err)
	}
	return data, nil
}

// DecodeJobState deserializes a cache entry value. An undecodable or
// unversioned blob is cache corruption, never a transient failure.
func DecodeJobState(value []byte) (*JobState, error) {
	var state JobState
	if err := json.Unmarshal(value, &state); err != nil {
		return nil, WrapError(ErrCacheCorruption, "cache entry cannot be deserialized", err)
	}
	if state.Version != jobStateVersion || state.Job == nil {
		return nil, NewErrorf(ErrCacheCorruption, "unsupported job state version %d", state.Version)
	}
	return &state, nil
}
