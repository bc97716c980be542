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
// request cancellation

import (
	"github.com/gitter-badger/accelio/internal/log"
	"github.com/gitter-badger/accelio/xio/proto"
	"github.com/gitter-badger/accelio/xio/transport"
)

// CancelRequest cancels request req sent over c.
//
// A request that is still queued is canceled right away. For a request
// already handed to transport the peer is asked to cancel it. Either way the
// result is reported with CancelHandler.OnCancel.
//
// must be called on the loop.
func (c *Connection) CancelRequest(req *Msg) error {
	if req == nil || req.conn != c || req.Type != proto.MsgReq {
		return c.err("cancel", proto.InvalidArg)
	}
	if c.destroyed {
		return c.err("cancel", proto.Shutdown)
	}

	if m := c.reqQ.find(req.SN); m == req {
		c.dequeue(m)
		c.session.notifyCancel(m, proto.MsgCanceled)
		return nil
	}
	if c.inflightReqs.find(req.SN) != req {
		return c.err("cancel", proto.NotFound)
	}

	s := c.session
	err := c.sendCancel(proto.CancelReq, proto.CancelBody{
		Hdr: proto.CancelHdr{
			SN:                 req.SN,
			RequesterSessionID: s.id,
			ResponderSessionID: s.peerSessionID(),
		},
	})
	return c.err("cancel", err)
}

// CancelResponse answers peer's request to cancel req with result.
//
// result must be MsgCanceled or MsgCancelFailed. After MsgCanceled req must
// not be responded.
//
// must be called on the loop.
func (c *Connection) CancelResponse(req *Msg, result proto.Status) error {
	if req == nil || req.conn != c || req.Type != proto.MsgReq {
		return c.err("cancel response", proto.InvalidArg)
	}
	if result != proto.MsgCanceled && result != proto.MsgCancelFailed {
		return c.err("cancel response", proto.InvalidArg)
	}

	s := c.session
	err := c.sendCancel(proto.CancelRsp, proto.CancelBody{
		Hdr: proto.CancelHdr{
			SN:                 req.SN,
			RequesterSessionID: s.peerSessionID(),
			ResponderSessionID: s.id,
		},
		Result: result,
	})
	if err != nil {
		return c.err("cancel response", err)
	}

	if result == proto.MsgCanceled {
		if t := req.task; t != nil && t.imsg == req {
			t.imsg = nil
			req.task = nil
			c.retire(t)
		}
	}
	return nil
}

// sendCancel writes cancel frame of type typ right to transport.
//
// Cancel frames do not take tasks and are not subject to send queues.
func (c *Connection) sendCancel(typ proto.MsgType, body proto.CancelBody) error {
	n := c.nexus
	if n == nil {
		return proto.Shutdown
	}

	payload := make([]byte, proto.SessionHdrLen+proto.CancelBodyLen)
	hdr := proto.SessionHdr{
		SerialNum:     body.Hdr.SN,
		DestSessionID: c.session.peerSessionID(),
	}
	hdr.Encode(payload)
	body.Encode(payload[proto.SessionHdrLen:])

	err := n.send(&transport.Frame{Type: typ, Payload: payload})
	if err == transport.ErrAgain {
		err = proto.NoBufs
	}
	return err
}

// onCancelReq handles peer's request to cancel one of requests it sent us.
func (c *Connection) onCancelReq(body []byte) {
	var cb proto.CancelBody
	if _, err := cb.Decode(body); err != nil {
		log.Errorf(c.ctx(), "cancel request: %s", err)
		return
	}

	var req *Msg
	for h := c.ioTasks.Next(); h != &c.ioTasks; h = h.Next() {
		m := taskOf(h).imsg
		if m != nil && m.Type == proto.MsgReq && m.SN == cb.Hdr.SN {
			req = m
			break
		}
	}

	if req != nil && c.session.notifyCancelRequest(req) {
		return
	}

	log.V(1).Infof(c.ctx(), "cancel sn=%d: cannot cancel", cb.Hdr.SN)
	cb.Hdr.RequesterSessionID, cb.Hdr.ResponderSessionID = c.session.peerSessionID(), c.session.id
	cb.Result = proto.MsgCancelFailed
	if err := c.sendCancel(proto.CancelRsp, cb); err != nil {
		log.Error(c.ctx(), c.err("cancel response", err))
	}
}

// onCancelRsp handles peer's answer to our cancel request.
func (c *Connection) onCancelRsp(body []byte) {
	var cb proto.CancelBody
	if _, err := cb.Decode(body); err != nil {
		log.Errorf(c.ctx(), "cancel response: %s", err)
		return
	}

	m := c.inflightReqs.find(cb.Hdr.SN)
	if m == nil {
		log.Warningf(c.ctx(), "cancel response for unknown request sn=%d", cb.Hdr.SN)
		return
	}

	if cb.Result == proto.MsgCanceled {
		m.link.Delete()
		c.queuedMsgs--
		if t := m.task; t != nil && t.omsg == m {
			c.releaseTask(t)
		}
	}
	c.session.notifyCancel(m, cb.Result)

	c.kickLog()
}
