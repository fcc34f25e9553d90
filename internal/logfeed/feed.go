// Package logfeed is the in-memory fan-out of live job log lines.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers get bounded buffered channels.
//   - Slow subscribers drop entries; persistence is elsewhere and
//     never affected.
package logfeed

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultBuffer is the per-subscriber queue depth.
const DefaultBuffer = 100

// Entry is one live log line for a job.
type Entry struct {
	JobID     string    `json:"job_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Feed fans entries out to per-job subscribers.
//
// It owns no background goroutines.
type Feed struct {
	mu   sync.RWMutex
	subs map[string]map[uint64]chan Entry // job id -> subscriber set
	seq  atomic.Uint64
}

func New() *Feed {
	return &Feed{subs: map[string]map[uint64]chan Entry{}}
}

// Publish delivers an entry to every subscriber of its job. Delivery is
// best-effort: a full queue drops the entry for that subscriber only.
func (f *Feed) Publish(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	// Snapshot so sends happen without holding the lock.
	f.mu.RLock()
	set := f.subs[e.JobID]
	chs := make([]chan Entry, 0, len(set))
	for _, ch := range set {
		chs = append(chs, ch)
	}
	f.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close the channel; recover from
		// the send panic rather than coordinating with a lock.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

// Subscribe attaches a listener to one job's log stream. The returned
// unsubscribe is idempotent and closes the channel.
func (f *Feed) Subscribe(jobID string) (<-chan Entry, func()) {
	ch := make(chan Entry, DefaultBuffer)
	id := f.seq.Add(1)

	f.mu.Lock()
	set := f.subs[jobID]
	if set == nil {
		set = map[uint64]chan Entry{}
		f.subs[jobID] = set
	}
	set[id] = ch
	f.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			f.mu.Lock()
			if set := f.subs[jobID]; set != nil {
				delete(set, id)
				if len(set) == 0 {
					delete(f.subs, jobID)
				}
			}
			f.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Subscribers reports the listener count for a job (used in tests and
// status output).
func (f *Feed) Subscribers(jobID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[jobID])
}
