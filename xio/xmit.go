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
	"github.com/gitter-badger/accelio/internal/log"
	"github.com/gitter-badger/accelio/xio/proto"
	"github.com/gitter-badger/accelio/xio/transport"
)

// ---- application send ----

// SendRequest queues request msg, and requests chained to it via Next, for
// transmission.
//
// Either the whole chain is queued or, on error, nothing. Response is
// delivered to MsgHandler of the session as a message with Request pointing
// to msg.
//
// must be called on the loop.
func (c *Connection) SendRequest(msg *Msg) error {
	if err := c.validateSend(msg); err != nil {
		return c.err("send request", err)
	}
	for m := msg; m != nil; m = m.Next {
		m.Type = proto.MsgReq
		c.queueApp(m)
	}
	return c.err("send request", c.kick())
}

// SendMsg queues one-way message msg, and messages chained to it, for
// transmission.
//
// If msg has MsgFlagReadReceipt the application is notified with
// OnMsgDelivered when peer receives it. Otherwise it is notified with
// OnMsgSendComplete when the message is written to transport.
//
// must be called on the loop.
func (c *Connection) SendMsg(msg *Msg) error {
	if err := c.validateSend(msg); err != nil {
		return c.err("send msg", err)
	}
	for m := msg; m != nil; m = m.Next {
		m.Type = proto.OneWayReq
		c.queueApp(m)
	}
	return c.err("send msg", c.kick())
}

// validateSend checks that chain starting at msg can be queued as a whole.
func (c *Connection) validateSend(msg *Msg) error {
	if msg == nil {
		return proto.InvalidArg
	}
	if c.destroyed || c.inClose || !c.state.acceptsSend() {
		return proto.Shutdown
	}
	n := 0
	for m := msg; m != nil; m = m.Next {
		if m.queued || m.task != nil {
			return proto.InvalidArg // already in use
		}
		if m.Out.len() > c.session.opts.MaxMsgSize {
			return proto.MsgSize
		}
		n++
	}
	if c.queuedMsgs+n > c.queueDepth {
		log.V(1).Infof(c.ctx(), "queue depth exceeded (queued %d)", c.queuedMsgs)
		return proto.TxQueueOverflow
	}
	return nil
}

func (c *Connection) queueApp(m *Msg) {
	m.SN = c.session.nextSN()
	m.conn = c
	m.Request = nil
	m.ReceiptResult = proto.StatusOK
	c.queuedMsgs++
	c.enqueue(&c.reqQ, m)
}

// SendResponse queues response rsp, and responses chained to it via Next.
//
// rsp.Request must be a request received from peer which was not yet
// answered.
//
// must be called on the loop of the connection the request came from.
func SendResponse(rsp *Msg) error {
	if rsp == nil || rsp.Request == nil || rsp.Request.conn == nil {
		return proto.InvalidArg
	}
	c := rsp.Request.conn

	for m := rsp; m != nil; m = m.Next {
		req := m.Request
		if req == nil || req.Type != proto.MsgReq || req.conn != c ||
			req.task == nil || req.task.imsg != req || m.queued {
			return c.err("send response", proto.InvalidArg)
		}
		if m.Out.len() > c.session.opts.MaxMsgSize {
			return c.err("send response", proto.MsgSize)
		}
	}
	if c.destroyed {
		return c.err("send response", proto.Shutdown)
	}

	for m := rsp; m != nil; m = m.Next {
		m.Type = proto.MsgRsp
		m.SN = m.Request.SN
		m.conn = c
		m.task = m.Request.task
		c.enqueue(&c.rspQ, m)
	}
	return c.err("send response", c.kick())
}

// ReleaseResponse gives response rsp, and responses chained to it, back to
// the library after the application is done with them.
//
// must be called on the loop.
func ReleaseResponse(rsp *Msg) error {
	var c *Connection
	for m := rsp; m != nil; m = m.Next {
		if m.Type != proto.MsgRsp || m.Request == nil || m.conn == nil {
			return proto.InvalidArg
		}
		c = m.conn
		t := m.task
		if t == nil || t.imsg != m {
			continue // already released
		}
		st := t.senderTask
		t.senderTask = nil
		t.imsg = nil
		m.task = nil
		c.retire(t)
		if st != nil {
			c.retire(st)
		}
	}
	if c != nil {
		return c.err("release response", c.kick())
	}
	return nil
}

// ReleaseMsg gives received one-way message msg back to the library.
//
// must be called on the loop.
func ReleaseMsg(msg *Msg) error {
	if msg == nil || msg.Type != proto.OneWayReq || msg.conn == nil {
		return proto.InvalidArg
	}
	c := msg.conn
	t := msg.task
	if t == nil || t.imsg != msg {
		return nil
	}
	t.imsg = nil
	msg.task = nil
	c.retire(t)
	return c.err("release msg", c.kick())
}

// retire releases t, or parks it on post-io if its send completion is still due.
func (c *Connection) retire(t *Task) {
	if t.owner == inPreSend && t.conn != nil {
		t.conn.moveTask(t, inPostIO)
		return
	}
	t.pool.Release(t)
}


// ---- transmit pipeline ----

// enqueue appends m to send queue q.
func (c *Connection) enqueue(q *msgList, m *Msg) {
	if m.link.Next() == nil {
		m.link.Init()
	}
	m.queued = true
	q.pushBack(m)
}

// dequeue removes m from the send queue it is on.
func (c *Connection) dequeue(m *Msg) {
	m.link.Delete()
	m.queued = false
	if m.countsQueued() {
		c.queuedMsgs--
	}
}

// drop reports m, which was removed from queues, as failed with st.
func (c *Connection) drop(m *Msg, st proto.Status) {
	if m.Type.IsApplication() {
		c.session.notifyMsgError(m, st)
	} else {
		c.putCtrl(m)
	}
}

// kick starts transmission if the connection is in a state to transmit.
func (c *Connection) kick() error {
	if c.destroyed {
		return nil
	}
	switch {
	case c.state == StateFinWait1:
	case c.state == StateOnline && c.session.isOnline():
	default:
		return nil
	}
	if c.reqQ.empty() && c.rspQ.empty() {
		return nil
	}
	return c.xmit()
}

// kickLog is kick for event handlers which have nobody to return error to.
//
// A message that failed is already reported with OnMsgError.
func (c *Connection) kickLog() {
	if err := c.kick(); err != nil {
		log.Error(c.ctx(), err)
	}
}

// xmit drains send queues alternating in between requests and responses.
//
// It stops after two consecutive picks that made no progress: an empty queue
// or transport backpressure.
func (c *Connection) xmit() error {
	if c.state != StateOnline && c.state != StateFinWait1 {
		return nil
	}

	retry := 0
	for retry < 2 {
		q, inflight := &c.reqQ, &c.inflightReqs
		if c.sendRsp {
			q, inflight = &c.rspQ, &c.inflightRsps
		}
		c.sendRsp = !c.sendRsp

		m := q.front()
		if m == nil {
			retry++
			continue
		}

		err := c.send(m)
		switch err {
		case nil:
			m.queued = false
			if m.Type.IsApplication() {
				m.link.MoveBefore(&inflight.Head)
			} else {
				m.link.Delete()
			}
			retry = 0

		case transport.ErrAgain, proto.NoBufs:
			retry++

		case transport.ErrFrameTooBig, proto.MsgSize:
			// the message cannot ever go; report it and keep draining
			c.dequeue(m)
			c.drop(m, proto.MsgSize)
			retry = 0

		default:
			c.dequeue(m)
			c.drop(m, proto.MsgDiscarded)
			return c.err("xmit", err)
		}
	}
	return nil
}

// send hands m to transport.
//
// Requests and receipts take a fresh task; responses go with the task of
// the request they answer.
func (c *Connection) send(m *Msg) error {
	n := c.nexus
	if n == nil {
		return transport.ErrNotConnected
	}

	var t *Task
	var tid uint32
	isReq := m.Type.IsRequest() || m.isReceipt()
	if isReq {
		t = n.pool.Acquire()
		if t == nil {
			return proto.NoBufs
		}
		t.conn = c
		t.omsg = m
		m.task = t
		tid = t.ltid
		if m.isReceipt() {
			tid = m.peerTid
		}
	} else {
		t = m.task
		if t == nil || t.free || t.conn != c {
			return proto.InvalidArg
		}
		t.omsg = m
		tid = t.rtid
	}

	payload, err := c.encode(m)
	if err == nil {
		c.moveTask(t, inPreSend)
		err = n.send(&transport.Frame{
			Type:    m.Type,
			Tid:     tid,
			Payload: payload,
			Owner:   t,
			Seq:     t.gen,
		})
	}
	if err != nil {
		if isReq {
			c.releaseTask(t)
		} else {
			c.moveTask(t, inIO)
		}
		return err
	}
	return nil
}

// encode returns frame payload for m: session header followed by body.
//
// The returned buffer is reused by the next encode.
func (c *Connection) encode(m *Msg) ([]byte, error) {
	b := c.txbuf[:0]
	b = append(b, make([]byte, proto.SessionHdrLen)...)
	dest := c.destID
	if dest == 0 {
		dest = c.session.peerSessionID()
	}
	hdr := proto.SessionHdr{
		SerialNum:     m.SN,
		Flags:         uint16(m.Flags),
		DestSessionID: dest,
		ReceiptResult: m.ReceiptResult,
	}
	hdr.Encode(b)

	if m.Type.IsApplication() {
		body := proto.AppBody{Header: m.Out.Header, Data: m.Out.Data}
		var err error
		b, err = body.Encode(b)
		if err != nil {
			log.Warningf(c.ctx(), "send %v: %s", m, err)
			return nil, proto.MsgSize
		}
	} else {
		b = append(b, m.body...)
	}
	c.txbuf = b
	return b, nil
}

// sendCtrl transmits control message m.
//
// While the connection transmits, m goes through send queues after already
// queued messages. Otherwise it is handed to transport right away.
func (c *Connection) sendCtrl(m *Msg) {
	if c.state == StateOnline || c.state == StateFinWait1 {
		q := &c.reqQ
		if m.Type.IsResponse() {
			q = &c.rspQ
		}
		c.enqueue(q, m)
		if err := c.xmit(); err != nil {
			log.Error(c.ctx(), err)
		}
		return
	}

	if err := c.send(m); err != nil {
		log.Warningf(c.ctx(), "send %v: %s", m, err)
		if t := m.task; t != nil && t.omsg == m {
			c.releaseTask(t)
		}
		c.putCtrl(m)
	}
}

// onSendComplete handles notification that frame of task t was written.
func (c *Connection) onSendComplete(t *Task) {
	m := t.omsg
	switch {
	case t.owner == inPostIO:
		t.pool.Release(t)

	case m == nil:

	case m.Type == proto.OneWayReq && m.Flags&MsgFlagReadReceipt == 0:
		m.link.Delete()
		c.queuedMsgs--
		c.releaseTask(t)
		c.session.notifySendComplete(m)

	case m.Type.IsRequest():
		// wait for response / receipt
		if t.owner == inPreSend {
			c.moveTask(t, inIO)
		}

	case m.Type == proto.MsgRsp:
		m.link.Delete()
		c.releaseTask(t)
		c.session.notifySendComplete(m)

	default:
		// control response or receipt
		c.releaseTask(t)
		c.putCtrl(m)
	}

	c.kickLog()
}


// ---- flush / restart ----

// flush moves in-flight messages back to the front of their queues,
// ahead of messages queued after them.
func (c *Connection) flush() {
	c.reqQ.spliceFront(&c.inflightReqs)
	c.rspQ.spliceFront(&c.inflightRsps)
	c.reqQ.foreach(func(m *Msg) { m.queued = true })
	c.rspQ.foreach(func(m *Msg) { m.queued = true })
}

// notifyFlushed reports all queued messages to the application as flushed.
func (c *Connection) notifyFlushed() {
	c.notifyReqsFlushed()
	c.notifyRspsFlushed()
}

func (c *Connection) notifyReqsFlushed() {
	c.reqQ.foreach(func(m *Msg) {
		c.dequeue(m)
		c.drop(m, proto.MsgFlushed)
	})
}

func (c *Connection) notifyRspsFlushed() {
	c.rspQ.foreach(func(m *Msg) {
		c.dequeue(m)
		c.drop(m, proto.MsgFlushed)
	})
}

// restart resumes transmission after transport reestablished its link.
//
// Frames that were not yet written when the link broke are lost: requests
// are retransmitted, queued responses are reported flushed while their
// requests stay with the application to be answered again.
func (c *Connection) restart() {
	if c.destroyed {
		return
	}
	c.flush()
	if err := c.restartTasks(); err != nil {
		log.Error(c.ctx(), err)
		c.disconnected(EventConnectionError, StateError, proto.PeerError)
		return
	}
	c.notifyRspsFlushed()
	c.kickLog()
}

func (c *Connection) restartTasks() error {
	if c.nexus == nil {
		return nil
	}

	// completions of post-io tasks will never come
	for c.postIO.Next() != &c.postIO {
		t := taskOf(c.postIO.Next())
		t.pool.Release(t)
	}

	for h := c.preSend.Next(); h != &c.preSend; {
		next := h.Next()
		t := taskOf(h)
		m := t.omsg
		if m != nil && (m.Type.IsRequest() || m.isReceipt()) {
			c.releaseTask(t)
			if m.pooled && !m.queued {
				c.putCtrl(m)
			}
		} else {
			c.moveTask(t, inIO)
		}
		h = next
	}

	// requests flushed back to queue will go with new tasks
	for h := c.ioTasks.Next(); h != &c.ioTasks; {
		next := h.Next()
		t := taskOf(h)
		if m := t.omsg; m != nil && m.queued && m.task == t {
			c.releaseTask(t)
		}
		h = next
	}

	for h := c.ioTasks.Next(); h != &c.ioTasks; h = h.Next() {
		t := taskOf(h)
		err := c.nexus.tr.Update(&transport.Frame{Tid: t.rtid, Owner: t, Seq: t.gen})
		if err != nil {
			return c.err("restart", err)
		}
	}
	return nil
}
