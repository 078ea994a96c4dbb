package audit

import (
	"log"
	"sync"
	"sync/atomic"
)

// Recorder wraps a Sink with a bounded queue so the validation path never
// blocks on audit storage. When the queue is full the oldest entry is dropped
// and the recorder enters a degraded state; degradation is surfaced to the
// operational alert callback, never to the terminal caller.
type Recorder struct {
	sink    Sink
	queue   chan Entry
	alertFn func(msg string)

	degraded atomic.Bool
	dropped  atomic.Uint64

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewRecorder starts a recorder draining into sink. depth bounds the queue;
// alertFn (optional) is invoked when the recorder enters the degraded state.
func NewRecorder(sink Sink, depth int, alertFn func(msg string)) *Recorder {
	if depth <= 0 {
		depth = 256
	}
	r := &Recorder{
		sink:    sink,
		queue:   make(chan Entry, depth),
		alertFn: alertFn,
		done:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.drain()
	return r
}

// Append enqueues one entry without blocking. On overflow the oldest queued
// entry is dropped in its favor.
func (r *Recorder) Append(e Entry) {
	for {
		select {
		case r.queue <- e:
			return
		default:
		}
		// Queue full: drop the oldest entry and retry.
		select {
		case <-r.queue:
			r.dropped.Add(1)
			if r.degraded.CompareAndSwap(false, true) {
				log.Printf("[audit] queue overflow, dropping oldest entries; audit is degraded")
				if r.alertFn != nil {
					r.alertFn("audit sink degraded: queue overflow")
				}
			}
		default:
		}
	}
}

// drain moves entries from the queue to the sink until Close.
func (r *Recorder) drain() {
	defer r.wg.Done()
	for {
		select {
		case e := <-r.queue:
			r.sink.Append(e)
			if len(r.queue) == 0 && r.degraded.CompareAndSwap(true, false) {
				log.Printf("[audit] queue drained, audit recovered (dropped %d entries total)", r.dropped.Load())
			}
		case <-r.done:
			// Flush whatever is left.
			for {
				select {
				case e := <-r.queue:
					r.sink.Append(e)
				default:
					return
				}
			}
		}
	}
}

// Degraded reports whether entries have been dropped and the backlog has not
// yet cleared.
func (r *Recorder) Degraded() bool {
	return r.degraded.Load()
}

// Dropped returns the total number of entries dropped over the recorder's
// lifetime.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close stops the recorder after flushing queued entries.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}
