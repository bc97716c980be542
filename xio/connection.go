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
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"lab.nexedi.com/kirr/go123/xcontainer/list"

	"github.com/gitter-badger/accelio/internal/log"
	taskctx "github.com/gitter-badger/accelio/internal/xcontext/task"
	"github.com/gitter-badger/accelio/xio/proto"
	"github.com/gitter-badger/accelio/xio/transport"
	"github.com/gitter-badger/accelio/xio/xloop"
)

// Connection is one leg of a session bound to one loop.
//
// All connection state is mutated only on its loop. Methods documented as
// "must be called on the loop" have to be invoked either from a handler
// callback or from the goroutine that drives the loop.
type Connection struct {
	session *Session
	loop    *xloop.Loop
	nexus   *Nexus
	idx     int
	destID  uint32 // peer session id if different from the one of session

	state        ConnState
	userCtx      interface{}
	queueDepth   int
	closeTimeout time.Duration

	// outbound queues and messages sent from them awaiting completion
	reqQ, rspQ                 msgList
	inflightReqs, inflightRsps msgList
	sendRsp                    bool // xmit toggle: next pick is from rspQ

	// requests + one-way messages queued or in flight.
	//
	// A message is counted until it completes or is reported failed. flush
	// only moves in-flight messages back to queues and leaves the count as
	// is: restart sends them again, and teardown decrements when it reports
	// them MsgFlushed.
	queuedMsgs int

	// tasks by their stage
	preSend, ioTasks, postIO list.Head

	// one-way control messages: FIN, hello, setup, receipts
	ctrlFree msgList
	ctrlNr   int

	txbuf []byte

	closeReason    proto.Status
	inClose        bool
	disableNotify  bool
	inList         bool // on session connection list
	destroyed      bool
	onlineNotified bool
	onlineCounted  bool // counted in session establishedNr; protected by session.mu
	closedNotified bool
	teardownSent   bool

	helloWork    *xloop.Work
	finWork      *xloop.Work
	timeWaitWork *xloop.Work

	refs int32
}

func newConnection(s *Session, l *xloop.Loop, idx int, userCtx interface{}) *Connection {
	c := &Connection{
		session:      s,
		loop:         l,
		idx:          idx,
		state:        StateInit,
		userCtx:      userCtx,
		queueDepth:   s.opts.QueueDepth,
		closeTimeout: s.opts.CloseTimeout,
		refs:         1,
	}
	c.reqQ.init()
	c.rspQ.init()
	c.inflightReqs.init()
	c.inflightRsps.init()
	c.ctrlFree.init()
	c.preSend.Init()
	c.ioTasks.Init()
	c.postIO.Init()
	return c
}

func (c *Connection) String() string {
	return fmt.Sprintf("%s/c%d", c.session, c.idx)
}

func (c *Connection) ctx() context.Context {
	return taskctx.Of(c)
}

// Session returns session the connection belongs to.
func (c *Connection) Session() *Session { return c.session }

// Loop returns loop the connection is bound to.
func (c *Connection) Loop() *xloop.Loop { return c.loop }

// Index returns connection index within its session.
func (c *Connection) Index() int { return c.idx }

// State returns current connection state.
//
// must be called on the loop.
func (c *Connection) State() ConnState { return c.state }

func (c *Connection) setState(state ConnState) {
	if c.state != state {
		log.V(1).Infof(c.ctx(), "%s -> %s", c.state, state)
	}
	c.state = state
}

// get/put maintain connection references. The last put cancels all pending
// work of the connection.
func (c *Connection) get() {
	atomic.AddInt32(&c.refs, 1)
}

func (c *Connection) put() {
	if atomic.AddInt32(&c.refs, -1) == 0 {
		c.release()
	}
}

func (c *Connection) release() {
	c.cancelWorks()
}

func (c *Connection) cancelWorks() {
	c.helloWork.Cancel()
	c.finWork.Cancel()
	c.timeWaitWork.Cancel()
	c.helloWork = nil
	c.finWork = nil
	c.timeWaitWork = nil
}


// ---- one-way control message pool ----

// ctrlMsg returns a control message of type typ, or nil if the pool is exhausted.
func (c *Connection) ctrlMsg(typ proto.MsgType) *Msg {
	var m *Msg
	if !c.ctrlFree.empty() {
		m = c.ctrlFree.front()
		m.link.Delete()
	} else {
		if c.ctrlNr == msgPoolSize {
			log.Errorf(c.ctx(), "control message pool exhausted")
			return nil
		}
		c.ctrlNr++
		m = newMsg()
		m.pooled = true
	}
	m.Type = typ
	m.conn = c
	return m
}

// putCtrl returns control message back to the pool.
func (c *Connection) putCtrl(m *Msg) {
	if !m.pooled {
		return
	}
	if m.task != nil && m.task.omsg == m {
		m.task.omsg = nil
	}
	*m = Msg{link: m.link, pooled: true}
	m.link.MoveBefore(&c.ctrlFree.Head)
}


// ---- tasks ----

func (c *Connection) taskList(owner taskOwner) *list.Head {
	switch owner {
	case inPreSend:
		return &c.preSend
	case inIO:
		return &c.ioTasks
	case inPostIO:
		return &c.postIO
	}
	panic(fmt.Sprintf("%s: no task list for %s", c, owner))
}

// moveTask moves t to list of connection tasks at stage owner.
func (c *Connection) moveTask(t *Task, owner taskOwner) {
	t.link.MoveBefore(c.taskList(owner))
	t.owner = owner
}

// releaseTask puts t, and the task it was paired with, back to the pool.
func (c *Connection) releaseTask(t *Task) {
	if st := t.senderTask; st != nil {
		t.senderTask = nil
		st.pool.Release(st)
	}
	t.pool.Release(t)
}

// acceptTask takes a task for inbound request frame f.
func (c *Connection) acceptTask(f *transport.Frame) *Task {
	t := c.nexus.pool.Acquire()
	if t == nil {
		log.Errorf(c.ctx(), "recv %v: task pool exhausted", f)
		return nil
	}
	t.conn = c
	t.rtid = f.Tid
	c.moveTask(t, inIO)
	return t
}

// ourTask returns task with id tid that carried our request, or nil.
func (c *Connection) ourTask(tid uint32) *Task {
	if c.nexus == nil {
		return nil
	}
	t := c.nexus.pool.Lookup(tid)
	if t == nil || t.free || t.conn != c || t.omsg == nil {
		return nil
	}
	return t
}

// flushTasks returns all tasks of the connection to the pool.
func (c *Connection) flushTasks() {
	for _, head := range []*list.Head{&c.postIO, &c.preSend, &c.ioTasks} {
		for head.Next() != head {
			c.releaseTask(taskOf(head.Next()))
		}
	}
}


// ---- events ----

// onNexusEstablished is called when transport link of the connection is up.
func (c *Connection) onNexusEstablished() {
	if c.destroyed {
		return
	}
	c.session.onConnEstablished(c)
}

func (c *Connection) onNexusRefused(err error) {
	if c.destroyed {
		return
	}
	c.session.onConnRefused(c, err)
}

func (c *Connection) onNexusDisconnected(err error) {
	if c.destroyed {
		return
	}
	log.Infof(c.ctx(), "disconnected: %s", err)
	switch c.state {
	case StateTimeWait, StateClosed:
		// close handshake is complete; time-wait finishes it

	case StateFinWait1, StateFinWait2, StateClosing, StateCloseWait, StateLastAck:
		// peer went away in the middle of close handshake
		c.finWork.Cancel()
		c.finWork = nil
		c.flush()
		c.notifyFlushed()
		c.setState(StateClosed)
		c.teardown()

	default:
		c.disconnected(EventConnectionDisconnected, StateDisconnected, proto.SessionDisconnected)
	}
}

func (c *Connection) onNexusError(err error) {
	if c.destroyed {
		return
	}
	c.disconnected(EventConnectionError, StateError, proto.PeerError)
}

// refused handles failure to establish connection transport.
func (c *Connection) refused() {
	if c.destroyed {
		return
	}
	c.disconnected(EventConnectionRefused, StateDisconnected, proto.SessionRefused)
}

// disconnected handles loss of the connection outside of close handshake.
func (c *Connection) disconnected(ev SessionEvent, state ConnState, reason proto.Status) {
	if c.teardownSent {
		return
	}
	c.cancelWorks()
	if c.closeReason == proto.StatusOK {
		c.closeReason = reason
	}
	if !c.disableNotify {
		c.session.notifyEvent(ev, c, c.closeReason)
	}
	c.flush()
	c.notifyFlushed()
	c.setState(state)
	c.teardown()
}

// teardown notifies the application that the connection is gone and destroys it.
func (c *Connection) teardown() {
	if !c.teardownSent {
		c.teardownSent = true
		if !c.disableNotify {
			c.session.notifyEvent(EventConnectionTeardown, c, c.closeReason)
		}
	}
	if err := c.destroy(); err != nil {
		log.Errorf(c.ctx(), "teardown: %s", err)
	}
}

// setOnline moves connection to ONLINE and, once, reports it to the application.
func (c *Connection) setOnline() {
	c.setState(StateOnline)
	if !c.onlineNotified {
		c.onlineNotified = true
		if !c.disableNotify {
			c.session.notifyEvent(EventConnectionEstablished, c, proto.StatusOK)
		}
	}
}


// ---- close handshake ----

// Disconnect starts active close of the connection.
//
// The close runs on the connection loop: FIN is sent after already queued
// messages and the connection is torn down after peer acknowledges it or
// after close timeout. Disconnect of a connection that is not online, or is
// already closing, does nothing.
func (c *Connection) Disconnect() error {
	c.get()
	c.loop.Schedule(func() {
		defer c.put()
		c.disconnect()
	})
	return nil
}

func (c *Connection) disconnect() {
	if c.state != StateOnline || c.inClose {
		return
	}
	c.inClose = true
	c.preDisconnect()
}

func (c *Connection) preDisconnect() {
	c.setState(StateFinWait1)

	fin := c.ctrlMsg(proto.FinReq)
	if fin != nil {
		fin.SN = c.session.nextSN()
		c.enqueue(&c.reqQ, fin)
	}
	c.armFinTimeout()

	if err := c.xmit(); err != nil {
		log.Error(c.ctx(), err)
	}

	c.notifyClosed()
}

func (c *Connection) notifyClosed() {
	if c.closedNotified {
		return
	}
	c.closedNotified = true
	if !c.disableNotify {
		reason := c.closeReason
		if reason == proto.StatusOK {
			reason = proto.SessionDisconnected
		}
		c.session.notifyEvent(EventConnectionClosed, c, reason)
	}
}

func (c *Connection) armFinTimeout() {
	c.finWork.Cancel()
	c.finWork = c.loop.ScheduleAfter(c.closeTimeout, c.onFinTimeout)
}

func (c *Connection) onFinTimeout() {
	c.finWork = nil
	if c.destroyed {
		return
	}
	log.Warningf(c.ctx(), "%s: close timeout", c.state)
	c.flush()
	c.notifyFlushed()
	c.setState(StateClosed)
	c.teardown()
}

// sendFin sends FIN outside of the send queues and moves connection to state.
func (c *Connection) sendFin(state ConnState) {
	c.setState(state)
	fin := c.ctrlMsg(proto.FinReq)
	if fin == nil {
		return
	}
	fin.SN = c.session.nextSN()
	c.sendCtrl(fin)
}

// disconnectInitial closes a connection which never went online in the
// application sense: redirected or rejected lead, or the handshake leg of an
// accepted session.
func (c *Connection) disconnectInitial() {
	c.setState(StateOnline)
	c.inClose = true
	c.sendFin(StateFinWait1)
	c.armFinTimeout()
	c.notifyClosed()
}

// onFin handles FIN (ack=false) and FIN-ACK (ack=true) from peer.
func (c *Connection) onFin(f *transport.Frame, ack bool) {
	var t *Task
	if ack {
		if rt := c.ourTask(f.Tid); rt != nil {
			m := rt.omsg
			c.releaseTask(rt)
			c.putCtrl(m)
		}
	} else {
		t = c.acceptTask(f)
	}

	next, sendAck, ok := finTransition(c.state, ack)
	if !ok {
		log.Warningf(c.ctx(), "%s: invalid FIN transition (ack=%v)", c.state, ack)
		if t != nil {
			c.releaseTask(t)
		}
		return
	}
	c.setState(next)

	if sendAck && t != nil {
		rsp := c.ctrlMsg(proto.FinRsp)
		if rsp != nil {
			rsp.task = t
			c.sendCtrl(rsp)
		} else {
			c.releaseTask(t)
		}
	} else if t != nil {
		c.releaseTask(t)
	}

	switch next {
	case StateCloseWait:
		// passive close: peer will not accept new messages
		c.inClose = true
		c.notifyClosed()
		if err := c.destroy(); err != nil {
			log.Error(c.ctx(), err)
		}

	case StateTimeWait:
		c.finWork.Cancel()
		c.finWork = nil
		c.timeWaitWork = c.loop.ScheduleAfter(c.session.opts.TimeWait, c.onTimeWait)

	case StateClosed:
		c.finWork.Cancel()
		c.finWork = nil
		c.flush()
		c.notifyFlushed()
		c.teardown()
	}
}

func (c *Connection) onTimeWait() {
	c.timeWaitWork = nil
	if c.destroyed {
		return
	}
	c.flush()
	c.notifyFlushed()
	c.setState(StateClosed)
	c.teardown()
}

// Destroy releases the connection.
//
// Destroy is permitted only in INIT, CLOSE_WAIT, CLOSED, DISCONNECTED and
// ERROR states. In CLOSE_WAIT the connection first sends its own FIN and is
// released after peer acknowledges it. Destroying an already destroyed
// connection is a no-op.
//
// must be called on the loop.
func (c *Connection) Destroy() error {
	return c.err("destroy", c.destroy())
}

func (c *Connection) destroy() error {
	if c.destroyed {
		return nil
	}
	if !c.state.canDestroy() {
		return proto.Permission
	}
	if c.state == StateCloseWait {
		c.sendFin(StateLastAck)
		c.armFinTimeout()
		return nil
	}
	c.postDestroy()
	return nil
}

func (c *Connection) postDestroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.cancelWorks()

	c.flush()
	c.notifyFlushed()
	c.flushTasks()

	if n := c.nexus; n != nil {
		n.detach(c)
		c.nexus = nil
		n.put()
	}

	c.session.connDestroyed(c)
	c.put()
}


// ---- frames ----

// onFrame handles frame received for the connection.
func (c *Connection) onFrame(f *transport.Frame, hdr *proto.SessionHdr, body []byte) {
	if c.destroyed {
		return
	}

	switch f.Type {
	case proto.SessionSetupRsp:
		c.session.onSetupRsp(c, f, body)

	case proto.ConnHelloReq:
		c.onHelloReq(f)

	case proto.ConnHelloRsp:
		c.session.onHelloRsp(c, f)

	case proto.FinReq:
		c.onFin(f, false)

	case proto.FinRsp:
		c.onFin(f, true)

	case proto.MsgReq, proto.OneWayReq:
		c.onRequest(f, hdr, body)

	case proto.MsgRsp:
		c.onResponse(f, hdr, body)

	case proto.OneWayRsp:
		c.onReceipt(f, hdr)

	case proto.CancelReq:
		c.onCancelReq(body)

	case proto.CancelRsp:
		c.onCancelRsp(body)

	default:
		log.Warningf(c.ctx(), "recv %v: unexpected message", f)
	}
}

// onHelloReq answers hello on a connection.
func (c *Connection) onHelloReq(f *transport.Frame) {
	t := c.acceptTask(f)
	if t == nil {
		return
	}
	rsp := c.ctrlMsg(proto.ConnHelloRsp)
	if rsp == nil {
		c.releaseTask(t)
		return
	}
	rsp.task = t
	c.sendCtrl(rsp)
	if c.state == StateInit || c.state == StateEstablished {
		c.setOnline()
		c.kickLog()
	}
}

// onRequest handles inbound request or one-way message.
func (c *Connection) onRequest(f *transport.Frame, hdr *proto.SessionHdr, body []byte) {
	var ab proto.AppBody
	if err := ab.Decode(body); err != nil {
		log.Errorf(c.ctx(), "recv %v: %s", f, err)
		return
	}

	t := c.acceptTask(f)
	if t == nil {
		return
	}

	m := newMsg()
	m.Type = f.Type
	m.SN = hdr.SerialNum
	m.Flags = MsgFlags(hdr.Flags)
	m.In = VMsg{Header: ab.Header, Data: ab.Data}
	m.conn = c
	m.task = t
	t.imsg = m

	if f.Type == proto.OneWayReq && m.Flags&MsgFlagReadReceipt != 0 {
		c.sendReceipt(m, f.Tid)
	}

	c.session.notifyMsg(m)
}

// sendReceipt acknowledges delivery of one-way message m.
func (c *Connection) sendReceipt(m *Msg, tid uint32) {
	r := c.ctrlMsg(proto.OneWayRsp)
	if r == nil {
		return
	}
	r.SN = m.SN
	r.Flags = MsgFlagRspFirst
	r.peerTid = tid
	r.ReceiptResult = proto.StatusOK
	c.sendCtrl(r)
}

// onResponse handles response to one of our requests.
func (c *Connection) onResponse(f *transport.Frame, hdr *proto.SessionHdr, body []byte) {
	rt := c.ourTask(f.Tid)
	if rt == nil || rt.omsg.Type != proto.MsgReq || c.inflightReqs.find(rt.omsg.SN) != rt.omsg {
		log.Warningf(c.ctx(), "recv %v: response to unknown request", f)
		return
	}
	var ab proto.AppBody
	if err := ab.Decode(body); err != nil {
		log.Errorf(c.ctx(), "recv %v: %s", f, err)
		return
	}

	req := rt.omsg
	req.link.Delete() // from in-flight
	c.queuedMsgs--

	rsp := newMsg()
	rsp.Type = proto.MsgRsp
	rsp.SN = hdr.SerialNum
	rsp.Flags = MsgFlags(hdr.Flags)
	rsp.In = VMsg{Header: ab.Header, Data: ab.Data}
	rsp.Request = req
	rsp.UserContext = req.UserContext
	rsp.conn = c

	if it := c.nexus.pool.Acquire(); it != nil {
		it.conn = c
		it.imsg = rsp
		it.senderTask = rt
		rsp.task = it
		c.moveTask(it, inIO)
	} else {
		rt.imsg = rsp
		rsp.task = rt
	}

	c.session.notifyMsg(rsp)
}

// onReceipt handles delivery receipt of one-way message.
func (c *Connection) onReceipt(f *transport.Frame, hdr *proto.SessionHdr) {
	rt := c.ourTask(f.Tid)
	if rt == nil || rt.omsg.Type != proto.OneWayReq {
		log.Warningf(c.ctx(), "recv %v: receipt for unknown message", f)
		return
	}
	m := rt.omsg
	m.link.Delete()
	c.queuedMsgs--
	m.ReceiptResult = hdr.ReceiptResult
	c.releaseTask(rt)

	c.session.notifyDelivered(m)
	c.kickLog()
}


// ---- attributes ----

// Query returns connection attributes selected by mask.
//
// must be called on the loop.
func (c *Connection) Query(mask AttrMask) ConnAttr {
	var attr ConnAttr
	if mask&AttrUserContext != 0 {
		attr.UserContext = c.userCtx
	}
	if mask&AttrQueueDepth != 0 {
		attr.QueueDepth = c.queueDepth
	}
	if mask&AttrCloseTimeout != 0 {
		attr.CloseTimeout = c.closeTimeout
	}
	if mask&AttrDisableNotify != 0 {
		attr.DisableNotify = c.disableNotify
	}
	return attr
}

// Modify changes connection attributes selected by mask.
//
// must be called on the loop.
func (c *Connection) Modify(attr ConnAttr, mask AttrMask) error {
	if mask&AttrQueueDepth != 0 && attr.QueueDepth <= 0 {
		return c.err("modify", proto.InvalidArg)
	}
	if mask&AttrCloseTimeout != 0 && attr.CloseTimeout <= 0 {
		return c.err("modify", proto.InvalidArg)
	}

	if mask&AttrUserContext != 0 {
		c.userCtx = attr.UserContext
	}
	if mask&AttrQueueDepth != 0 {
		c.queueDepth = attr.QueueDepth
	}
	if mask&AttrCloseTimeout != 0 {
		c.closeTimeout = attr.CloseTimeout
	}
	if mask&AttrDisableNotify != 0 {
		c.disableNotify = attr.DisableNotify
	}
	return nil
}

// PollCompletions drives the connection loop processing between min and max
// events, waiting at most timeout.
//
// It must be called only when nothing else drives the loop.
func (c *Connection) PollCompletions(min, max int, timeout time.Duration) (int, error) {
	if n := c.nexus; n != nil && n.tr != nil {
		return n.tr.Poll(min, max, timeout)
	}
	return c.loop.Poll(min, max, timeout)
}


// ---- errors ----

// ConnError is returned by Connection operations.
type ConnError struct {
	Conn *Connection
	Op   string
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Conn, e.Op, e.Err)
}

func (e *ConnError) Cause() error  { return e.Err }
func (e *ConnError) Unwrap() error { return e.Err }

func (c *Connection) err(op string, e error) error {
	if e == nil {
		return nil
	}
	return &ConnError{Conn: c, Op: op, Err: e}
}
