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

package xio

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gitter-badger/accelio/xio/xloop"
)

func TestTaskPool(t *testing.T) {
	p := NewTaskPool(2)
	require.Equal(t, 2, p.Len())
	require.Equal(t, 2, p.Free())

	t1 := p.Acquire()
	t2 := p.Acquire()
	require.NotNil(t, t1)
	require.NotNil(t, t2)
	require.NotEqual(t, t1.ltid, t2.ltid)
	require.Nil(t, p.Acquire())
	require.Equal(t, 0, p.Free())

	require.Equal(t, t1, p.Lookup(t1.ltid))
	require.Equal(t, t2, p.Lookup(t2.ltid))
	require.Nil(t, p.Lookup(2))

	m := &Msg{}
	t1.omsg = m
	m.task = t1
	t1.rtid = 7
	gen := t1.gen

	p.Release(t1)
	require.True(t, t1.free)
	require.Equal(t, gen+1, t1.gen)
	require.Nil(t, m.task)
	require.Nil(t, t1.omsg)
	require.Equal(t, uint32(0), t1.rtid)
	require.Equal(t, inPool, t1.owner)
	require.Equal(t, 1, p.Free())

	// double release is a no-op
	p.Release(t1)
	require.Equal(t, gen+1, t1.gen)
	require.Equal(t, 1, p.Free())

	require.Equal(t, t1, p.Acquire())
	require.False(t, t1.free)
	require.Equal(t, 0, p.Free())
}

// task owned by one stage of a connection moves in between stage lists.
func TestTaskOwner(t *testing.T) {
	l := xloop.New("c0")
	defer l.Close()
	e := newClient(t, Options{})
	c, err := e.s.Connect(l, 0, nil)
	require.NoError(t, err)

	p := NewTaskPool(1)
	tk := p.Acquire()
	tk.conn = c

	for _, owner := range []taskOwner{inPreSend, inIO, inPostIO} {
		c.moveTask(tk, owner)
		require.Equal(t, owner, tk.owner)
		head := c.taskList(owner)
		require.Equal(t, tk, taskOf(head.Next()))
		require.Equal(t, head, head.Next().Next())
	}

	c.flushTasks()
	require.Equal(t, 1, p.Free())
	require.Equal(t, &c.postIO, c.postIO.Next())
}
