// Package rcu implements an epoch based quiescence domain for deferred
// reclamation.
//
// Readers (packet workers) report a quiescent state once per processing
// round. Writers retire objects with Call; the callback runs once every
// online reader has quiesced after the retirement. Offline readers never
// hold up reclamation.
package rcu

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Domain tracks readers and pending reclamation callbacks.
type Domain struct {
	epoch atomic.Uint64

	mu      sync.Mutex
	readers map[*Reader]struct{}
	pending []callback
}

type callback struct {
	epoch uint64
	fn    func()
}

// Reader is one registered reader. Each goroutine registers its own Reader.
type Reader struct {
	d *Domain
	// state is the last epoch observed in a quiescent state, 0 while offline.
	state atomic.Uint64
}

// NewDomain returns an empty domain.
func NewDomain() *Domain {
	d := &Domain{readers: make(map[*Reader]struct{})}
	d.epoch.Store(1)
	return d
}

// Register adds an online reader that has just passed a quiescent state.
func (d *Domain) Register() *Reader {
	r := &Reader{d: d}
	r.state.Store(d.epoch.Load())
	d.mu.Lock()
	d.readers[r] = struct{}{}
	d.mu.Unlock()
	return r
}

// Unregister removes the reader. It must not be used afterwards.
func (r *Reader) Unregister() {
	r.state.Store(0)
	r.d.mu.Lock()
	delete(r.d.readers, r)
	r.d.mu.Unlock()
}

// Quiesce reports that the reader holds no references obtained before this
// call.
func (r *Reader) Quiesce() {
	r.state.Store(r.d.epoch.Load())
}

// Offline marks the reader as not holding any references until the next
// Online call, e.g. while sleeping.
func (r *Reader) Offline() {
	r.state.Store(0)
}

// Online ends an offline period.
func (r *Reader) Online() {
	r.Quiesce()
}

// Call schedules fn to run after a grace period.
func (d *Domain) Call(fn func()) {
	d.mu.Lock()
	e := d.epoch.Add(1)
	d.pending = append(d.pending, callback{epoch: e, fn: fn})
	d.mu.Unlock()
}

// Pending returns the number of callbacks waiting for a grace period.
func (d *Domain) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// minEpoch returns the oldest epoch any online reader may still observe.
// Callers hold d.mu.
func (d *Domain) minEpoch() uint64 {
	min := d.epoch.Load()
	for r := range d.readers {
		if s := r.state.Load(); s != 0 && s < min {
			min = s
		}
	}
	return min
}

// Reclaim runs every callback whose grace period has elapsed and returns the
// number run.
func (d *Domain) Reclaim() int {
	d.mu.Lock()
	min := d.minEpoch()
	var ready []callback
	keep := d.pending[:0]
	for _, cb := range d.pending {
		if cb.epoch <= min {
			ready = append(ready, cb)
		} else {
			keep = append(keep, cb)
		}
	}
	for i := len(keep); i < len(d.pending); i++ {
		d.pending[i] = callback{}
	}
	d.pending = keep
	d.mu.Unlock()

	for _, cb := range ready {
		cb.fn()
	}
	return len(ready)
}

// Synchronize blocks until every online reader has quiesced after the call,
// or ctx is done.
func (d *Domain) Synchronize(ctx context.Context) error {
	target := d.epoch.Add(1)
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		d.mu.Lock()
		done := d.minEpoch() >= target
		d.mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Barrier runs all pending callbacks regardless of reader state. It is only
// safe once every reader is offline or unregistered.
func (d *Domain) Barrier() int {
	d.mu.Lock()
	ready := d.pending
	d.pending = nil
	d.mu.Unlock()
	for _, cb := range ready {
		cb.fn()
	}
	return len(ready)
}

// Run reclaims on every tick until ctx is cancelled.
func (d *Domain) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.Reclaim(); n > 0 {
				slog.Debug("rcu: reclaimed", "callbacks", n)
			}
		}
	}
}
