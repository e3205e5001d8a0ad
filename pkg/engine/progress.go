package engine

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultProgressInterval is the minimum spacing between delivered updates.
const DefaultProgressInterval = 1000 * time.Millisecond

const defaultProgressBuffer = 16

// ProgressReporter throttles updates from the worker and hands them to a
// ProgressSink on a separate consumer goroutine. Intermediate updates may
// be dropped; the last update of every phase and the first update of a
// new phase are always delivered. Report must be called from a single
// goroutine.
type ProgressReporter struct {
	sink    ProgressSink
	limiter *rate.Limiter
	ch      chan Progress
	done    chan struct{}

	last      Progress
	hasLast   bool
	delivered bool

	closeOnce sync.Once
}

// NewProgressReporter starts a reporter delivering to sink at most once per
// interval. A zero interval disables throttling.
func NewProgressReporter(sink ProgressSink, interval time.Duration, buffer int) *ProgressReporter {
	if buffer <= 0 {
		buffer = defaultProgressBuffer
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}

	r := &ProgressReporter{
		sink:    sink,
		limiter: rate.NewLimiter(limit, 1),
		ch:      make(chan Progress, buffer),
		done:    make(chan struct{}),
	}
	go r.consume()
	return r
}

// Report offers an update.
func (r *ProgressReporter) Report(p Progress) {
	if r.hasLast && p.Phase != r.last.Phase {
		if !r.delivered {
			r.ch <- r.last
		}
		r.ch <- p
		r.limiter.Allow()
		r.last, r.delivered = p, true
		return
	}

	r.last, r.hasLast, r.delivered = p, true, false
	if !r.limiter.Allow() {
		return
	}
	select {
	case r.ch <- p:
		r.delivered = true
	default:
	}
}

// Close flushes the final update and waits for the consumer to drain.
func (r *ProgressReporter) Close() {
	r.closeOnce.Do(func() {
		if r.hasLast && !r.delivered {
			r.ch <- r.last
		}
		close(r.ch)
		<-r.done
	})
}

func (r *ProgressReporter) consume() {
	defer close(r.done)
	for p := range r.ch {
		if r.sink != nil {
			r.sink.Update(p)
		}
	}
}
