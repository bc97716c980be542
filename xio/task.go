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
	"fmt"
	"unsafe"

	"lab.nexedi.com/kirr/go123/xcontainer/list"
)

// taskOwner tells which list a task is on.
type taskOwner int

const (
	inPool    taskOwner = iota
	inPreSend           // handed to transport, write not yet confirmed
	inIO                // waiting for peer / being processed by application
	inPostIO            // delivered to application, waiting for release
)

var taskOwnerStr = [...]string{
	inPool:    "pool",
	inPreSend: "pre-send",
	inIO:      "io",
	inPostIO:  "post-io",
}

func (o taskOwner) String() string {
	return taskOwnerStr[o]
}

// Task is transport-level descriptor of one in-transit message.
//
// A task is always on exactly one list: the free list of its pool, or one of
// pre-send / io / post-io lists of the connection it serves.
type Task struct {
	link  list.Head // must be first
	owner taskOwner
	pool  *TaskPool
	free  bool

	ltid uint32 // our id; index in pool
	rtid uint32 // peer task id for inbound requests
	gen  uint64 // bumped on every release; echoed by send completions

	conn *Connection
	omsg *Msg // outbound message the task carries
	imsg *Msg // inbound message the task carries

	// for inbound response: the task that carried the request.
	// Both are released together.
	senderTask *Task
}

func (t *Task) String() string {
	return fmt.Sprintf("task #%d (%s)", t.ltid, t.owner)
}

func taskOf(h *list.Head) *Task {
	return (*Task)(unsafe.Pointer(h))
}

// TaskPool is fixed-size pool of tasks.
//
// It is used only from the loop of the nexus it belongs to.
type TaskPool struct {
	tasks []Task
	free  list.Head
	nfree int
}

// NewTaskPool creates pool with n tasks.
func NewTaskPool(n int) *TaskPool {
	p := &TaskPool{tasks: make([]Task, n), nfree: n}
	p.free.Init()
	for i := range p.tasks {
		t := &p.tasks[i]
		t.pool = p
		t.ltid = uint32(i)
		t.free = true
		t.link.Init()
		t.link.MoveBefore(&p.free)
	}
	return p
}

// Acquire takes a task from the pool.
//
// nil is returned if the pool is exhausted.
func (p *TaskPool) Acquire() *Task {
	if p.nfree == 0 {
		return nil
	}
	t := taskOf(p.free.Next())
	t.link.Delete()
	t.free = false
	p.nfree--
	return t
}

// Release puts t back into the pool.
//
// Releasing a task which is already in the pool is a no-op.
func (p *TaskPool) Release(t *Task) {
	if t.free {
		return
	}
	if t.omsg != nil && t.omsg.task == t {
		t.omsg.task = nil
	}
	if t.imsg != nil && t.imsg.task == t {
		t.imsg.task = nil
	}
	t.omsg = nil
	t.imsg = nil
	t.conn = nil
	t.senderTask = nil
	t.rtid = 0
	t.gen++
	t.owner = inPool
	t.free = true
	t.link.MoveBefore(&p.free)
	p.nfree++
}

// Lookup returns task with id ltid, or nil.
func (p *TaskPool) Lookup(ltid uint32) *Task {
	if int(ltid) >= len(p.tasks) {
		return nil
	}
	return &p.tasks[ltid]
}

// Len returns pool capacity.
func (p *TaskPool) Len() int { return len(p.tasks) }

// Free returns number of tasks available for Acquire.
func (p *TaskPool) Free() int { return p.nfree }
