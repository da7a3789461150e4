package events

import (
	"sync"
	"time"

	"github.com/cuongbtq/analysis-pipeline/internal/domain"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// the clamp only matters while the clock has not moved past a job's last stamp
	defaultTrackedJobs = 10000
	defaultTrackedFor  = time.Minute
)

// Emitter stamps events before handing them to a Publisher. Timestamps of one job
// strictly increase even when the clock does not advance between two transitions.
type Emitter struct {
	sink Publisher
	now  func() time.Time

	mu   sync.Mutex
	last *expirable.LRU[string, time.Time]
}

// NewEmitter creates an emitter publishing to sink
func NewEmitter(sink Publisher) *Emitter {
	return newEmitter(sink, defaultTrackedJobs, defaultTrackedFor)
}

func newEmitter(sink Publisher, trackedJobs int, trackedFor time.Duration) *Emitter {
	return &Emitter{
		sink: sink,
		now:  time.Now,
		last: expirable.NewLRU[string, time.Time](trackedJobs, nil, trackedFor),
	}
}

// Emit stamps event and publishes it. The stamped event is returned.
func (e *Emitter) Emit(event domain.JobUpdateEvent) domain.JobUpdateEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	ts := event.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	ts = ts.UTC()
	if last, ok := e.last.Get(event.JobID); ok && !ts.After(last) {
		ts = last.Add(time.Microsecond)
	}
	event.Timestamp = ts

	if event.Status.IsTerminal() {
		e.last.Remove(event.JobID)
	} else {
		e.last.Add(event.JobID, ts)
	}

	e.sink.Publish(event)
	return event
}
