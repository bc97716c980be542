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

package xloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestScheduleOrder(t *testing.T) {
	l := New("test")
	var trace []int

	l.Schedule(func() { trace = append(trace, 1) })
	w2 := l.Schedule(func() { trace = append(trace, 2) })
	l.Schedule(func() {
		trace = append(trace, 3)
		// scheduled from inside the loop -> runs after everything already queued
		l.Schedule(func() { trace = append(trace, 5) })
	})
	l.Schedule(func() { trace = append(trace, 4) })
	l.Cancel(w2)

	n, err := l.Poll(0, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, []int{1, 3, 4, 5}, trace)

	// cancel is idempotent and safe on already executed / nil works
	l.Cancel(w2)
	l.Cancel(nil)
	require.False(t, w2.Pending())
}

func TestScheduleAfter(t *testing.T) {
	l := New("test")
	fired := make(chan int, 2)

	w1 := l.ScheduleAfter(10*time.Millisecond, func() { fired <- 1 })
	w2 := l.ScheduleAfter(time.Hour, func() { fired <- 2 })
	require.True(t, w1.Pending())

	n, err := l.Poll(1, 0, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, <-fired)
	require.False(t, w1.Pending())

	// canceled timer never fires
	w2.Cancel()
	w2.Cancel()
	require.False(t, w2.Pending())
	n, err = l.Poll(0, 0, 20*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// cancel of a timer that already fired into the queue, before it was run
	w3 := l.ScheduleAfter(0, func() { fired <- 3 })
	time.Sleep(20 * time.Millisecond)
	w3.Cancel()
	n, _ = l.Poll(0, 0, 0)
	require.Equal(t, 0, n)
	require.Len(t, fired, 0)
}

func TestPollBounds(t *testing.T) {
	l := New("test")
	for i := 0; i < 5; i++ {
		l.Schedule(func() {})
	}

	n, err := l.Poll(0, 2, 0)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	// min not reached -> wait until timeout
	t0 := time.Now()
	n, err = l.Poll(10, 0, 30*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.True(t, time.Since(t0) >= 30*time.Millisecond)
}

func TestRunCall(t *testing.T) {
	l := New("test")
	ctx, cancel := context.WithCancel(context.Background())
	wg, _ := errgroup.WithContext(context.Background())
	wg.Go(func() error {
		return l.Run(ctx)
	})

	counter := 0
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Call(ctx, func() { counter++ }))
	}
	var seen int
	require.NoError(t, l.Call(ctx, func() { seen = counter }))
	require.Equal(t, 100, seen)

	// loop is driven by Run -> Poll must refuse
	_, err := l.Poll(0, 0, 0)
	require.Equal(t, ErrDriven, err)

	cancel()
	require.Equal(t, context.Canceled, wg.Wait())
}

func TestClose(t *testing.T) {
	l := New("test")
	ran := false
	l.Schedule(func() { ran = true })
	w := l.ScheduleAfter(time.Millisecond, func() { ran = true })
	l.Close()
	l.Close()

	require.False(t, w.Pending())
	require.Equal(t, ErrClosed, l.Run(context.Background()))
	require.False(t, ran)

	w = l.Schedule(func() { ran = true })
	require.False(t, w.Pending())
}
