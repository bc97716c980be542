// Copyright (C) 2017-2020  Nexedi SA and Contributors.
//                     Kirill Smelkov <kirr@nexedi.com>
//
// This program is free software: you can Use, Study, Modify and Redistribute
// it under the terms of the GNU General Public License version 3, or (at your
// option) any later version, as published by the Free Software Foundation.
//
// You can also Link and Combine this program with other software covered by
// the terms of any of the Free Software licenses or any of the Open Source
// Initiative approved licenses and Convey the resulting work. Corresponding
// source of such a combination shall include the source code for all other
// software used.
//
// This program is distributed WITHOUT ANY WARRANTY; without even the implied
// warranty of MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.
//
// See COPYING file for full licensing terms.
// See https://www.nexedi.com/licensing for rationale and options.

// Package xloop provides single-threaded execution contexts.
//
// A Loop runs work items one after another on one goroutine: either on the
// goroutine that called Run, or on the one that called Poll. Work can be
// scheduled onto a loop from any goroutine via Schedule and ScheduleAfter,
// and canceled via Cancel. Everything that is executed on a loop is thus
// serialized and code running there needs no locking for state owned by that
// loop.
//
// Connections of package xio are affine to a Loop: all their state
// transitions happen on it, and operations from other goroutines are
// marshaled onto it as work items.
package xloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

var (
	ErrClosed = errors.New("loop closed")
	ErrDriven = errors.New("loop is already driven by another goroutine")
)

// Loop is a single-threaded execution context.
type Loop struct {
	name string

	mu      sync.Mutex
	pending *queue.Queue // of *Work, in order of scheduling
	closed  bool
	timers  map[*Work]struct{} // armed delayed works

	wakeup   chan struct{} // signalled when .pending becomes non-empty
	down     chan struct{} // closed by Close
	downOnce sync.Once

	driving int32 // 1 while Run or Poll is executing works
}

type workState int

const (
	workPending workState = iota
	workDone
	workCanceled
)

// Work is a handle to scheduled work item.
type Work struct {
	loop  *Loop
	f     func()
	state workState // under loop.mu
	timer *time.Timer
}

// New creates new loop.
func New(name string) *Loop {
	return &Loop{
		name:    name,
		pending: queue.New(),
		timers:  make(map[*Work]struct{}),
		wakeup:  make(chan struct{}, 1),
		down:    make(chan struct{}),
	}
}

func (l *Loop) String() string {
	return l.name
}

// Schedule arranges for f to be run on the loop.
//
// It is safe to call Schedule from any goroutine including from work running
// on l itself.
func (l *Loop) Schedule(f func()) *Work {
	w := &Work{loop: l, f: f}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		w.state = workCanceled
		return w
	}
	l.enqueue(w)
	return w
}

// ScheduleAfter arranges for f to be run on the loop after at least d.
func (l *Loop) ScheduleAfter(d time.Duration, f func()) *Work {
	w := &Work{loop: l, f: f}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		w.state = workCanceled
		return w
	}

	l.timers[w] = struct{}{}
	w.timer = time.AfterFunc(d, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.timers, w)
		if w.state != workPending || l.closed {
			return
		}
		l.enqueue(w)
	})
	return w
}

// enqueue puts w to pending queue and wakes up the driver.
//
// must be called with l.mu held.
func (l *Loop) enqueue(w *Work) {
	l.pending.Add(w)
	select {
	case l.wakeup <- struct{}{}:
	default:
	}
}

// Cancel cancels scheduled work.
//
// After Cancel returns - when called on the loop itself - w is guaranteed not
// to run. It is ok to cancel already executed or already canceled work, as
// well as nil work.
func (l *Loop) Cancel(w *Work) {
	if w == nil {
		return
	}
	w.Cancel()
}

// Cancel cancels the work. See Loop.Cancel for details.
func (w *Work) Cancel() {
	if w == nil {
		return
	}
	l := w.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if w.state != workPending {
		return
	}
	w.state = workCanceled
	if w.timer != nil {
		w.timer.Stop()
		delete(l.timers, w)
	}
}

// Pending returns whether w is still scheduled to run.
func (w *Work) Pending() bool {
	if w == nil {
		return false
	}
	w.loop.mu.Lock()
	defer w.loop.mu.Unlock()
	return w.state == workPending
}

// next dequeues next work to run, if any.
func (l *Loop) next() *Work {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.pending.Length() > 0 {
		w := l.pending.Remove().(*Work)
		if w.state != workPending {
			continue // canceled
		}
		w.state = workDone
		return w
	}
	return nil
}

// Run executes scheduled works until ctx is canceled or the loop is closed.
func (l *Loop) Run(ctx context.Context) (err error) {
	if !atomic.CompareAndSwapInt32(&l.driving, 0, 1) {
		return ErrDriven
	}
	defer atomic.StoreInt32(&l.driving, 0)

	for {
		if w := l.next(); w != nil {
			w.f()
			continue
		}

		select {
		case <-l.wakeup:
		case <-ctx.Done():
			return ctx.Err()
		case <-l.down:
			return ErrClosed
		}
	}
}

// Poll executes at most max scheduled works (max <= 0 means no limit on
// the number) on the calling goroutine.
//
// If less than min works were executed Poll waits for more works to be
// scheduled, but no longer than timeout. Negative timeout means wait forever.
// It returns how many works were executed.
func (l *Loop) Poll(min, max int, timeout time.Duration) (int, error) {
	if !atomic.CompareAndSwapInt32(&l.driving, 0, 1) {
		return 0, ErrDriven
	}
	defer atomic.StoreInt32(&l.driving, 0)

	var deadline <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}

	n := 0
	for max <= 0 || n < max {
		if w := l.next(); w != nil {
			w.f()
			n++
			continue
		}

		if n >= min {
			break
		}

		select {
		case <-l.wakeup:
		case <-deadline:
			return n, nil
		case <-l.down:
			return n, ErrClosed
		}
	}
	return n, nil
}

// Call runs f on the loop and waits for it to complete.
//
// It must not be called from work running on l, and l must be driven by Run
// on another goroutine.
func (l *Loop) Call(ctx context.Context, f func()) error {
	done := make(chan struct{})
	w := l.Schedule(func() {
		f()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		w.Cancel()
		return ctx.Err()
	case <-l.down:
		return fmt.Errorf("%s: %w", l, ErrClosed)
	}
}

// Close stops the loop.
//
// Pending works are dropped and armed timers are stopped. Run returns
// ErrClosed.
func (l *Loop) Close() {
	l.downOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		for w := range l.timers {
			w.timer.Stop()
			w.state = workCanceled
		}
		l.timers = nil
		for l.pending.Length() > 0 {
			w := l.pending.Remove().(*Work)
			if w.state == workPending {
				w.state = workCanceled
			}
		}
		l.mu.Unlock()
		close(l.down)
	})
}
