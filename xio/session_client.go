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
// client side of session setup and hello handshake

import (
	"sync/atomic"

	"lab.nexedi.com/kirr/go123/xerr"

	"github.com/gitter-badger/accelio/internal/log"
	"github.com/gitter-badger/accelio/xio/proto"
	"github.com/gitter-badger/accelio/xio/transport"
)

// onConnEstablished is called when transport of connection c is up.
func (s *Session) onConnEstablished(c *Connection) {
	s.mu.Lock()
	state := s.state
	isLead := (c == s.lead || c == s.redir)
	if state == SessionRedirected && c == s.redir {
		s.state = SessionConnect
		state = SessionConnect
	}
	s.mu.Unlock()

	switch state {
	case SessionConnect:
		if isLead {
			c.sendSetupReq()
		}

	case SessionAccepted, SessionOnline:
		c.helloWork.Cancel()
		c.helloWork = c.loop.Schedule(c.sendHello)
	}
}

// onConnRefused is called when transport of connection c could not be established.
//
// Failure of the lead connection before setup completes refuses the whole
// session.
func (s *Session) onConnRefused(c *Connection, err error) {
	s.mu.Lock()
	state := s.state
	var connv []*Connection
	if state == SessionConnect || state == SessionRedirected {
		s.state = SessionRefused
		connv = append(connv, s.conns...)
	}
	s.mu.Unlock()

	if connv == nil {
		c.refused()
		return
	}

	log.Warningf(s.ctx(), "refused: %s", err)
	for _, cc := range connv {
		if cc == c {
			cc.closeReason = proto.SessionRefused
			cc.refused()
			continue
		}
		// other connections may live on other loops
		cc := cc
		cc.schedule(func() {
			cc.closeReason = proto.SessionRefused
			cc.refused()
		})
	}
}

func (c *Connection) sendSetupReq() {
	s := c.session
	req := proto.SetupReq{SessionID: s.id, URI: s.uri, PrivateData: s.priv}
	body, err := req.Encode(nil)
	if err != nil {
		log.Error(c.ctx(), err)
		c.session.onConnRefused(c, err)
		return
	}
	m := c.ctrlMsg(proto.SessionSetupReq)
	if m == nil {
		return
	}
	m.SN = s.nextSN()
	m.body = body
	log.V(1).Infof(c.ctx(), "setup request -> %s", c.nexus.portal)
	c.sendCtrl(m)
}

func (c *Connection) sendHello() {
	c.helloWork = nil
	if c.destroyed || c.state != StateInit {
		return
	}
	m := c.ctrlMsg(proto.ConnHelloReq)
	if m == nil {
		return
	}
	m.SN = c.session.nextSN()
	c.sendCtrl(m)
}

// completeCtrl finishes our control request answered by frame with tid.
func (c *Connection) completeCtrl(tid uint32) {
	if rt := c.ourTask(tid); rt != nil {
		m := rt.omsg
		c.releaseTask(rt)
		c.putCtrl(m)
	}
}

// onSetupRsp handles response to session setup request.
func (s *Session) onSetupRsp(c *Connection, f *transport.Frame, body []byte) {
	c.completeCtrl(f.Tid)

	var rsp proto.SetupRsp
	if err := rsp.Decode(body); err != nil {
		xerr.Context(&err, "setup response")
		log.Error(c.ctx(), err)
		c.closeReason = proto.ProtocolError
		s.onConnRefused(c, err)
		return
	}

	s.mu.Lock()
	ok := (s.state == SessionConnect && (c == s.lead || c == s.redir))
	s.mu.Unlock()
	if !ok {
		log.Warningf(c.ctx(), "unexpected setup response (%v)", rsp.Action)
		return
	}

	log.Infof(c.ctx(), "setup: %v (peer session %d)", rsp.Action, rsp.SessionID)
	switch rsp.Action {
	case proto.ActionAccept:
		s.onAccept(c, &rsp)
	case proto.ActionRedirect:
		s.onRedirect(c, &rsp)
	case proto.ActionReject:
		s.onReject(c, &rsp)
	}
}

// onAccept handles accepted session setup received on lead connection c.
func (s *Session) onAccept(c *Connection, rsp *proto.SetupRsp) {
	atomic.StoreUint32(&s.peerID, rsp.SessionID)

	s.mu.Lock()
	s.redir = nil
	s.lead = nil
	s.acceptPriv = rsp.PrivateData

	if len(rsp.Portals) == 0 {
		// the session stays on the lead connection
		s.portals = []string{s.uriPortal()}
		c.setState(StateEstablished)
		c.onlineCounted = true
		s.establishedNr++

		if s.connsNr > 1 {
			s.state = SessionAccepted
			s.mu.Unlock()
			s.acceptConnections(c)
			return
		}

		s.state = SessionOnline
		s.mu.Unlock()
		c.setOnline()
		s.notifyEstablished()
		c.kickLog()
		return
	}

	// every connection, lead included, goes to portals; the handshake leg retires
	s.portals = rsp.Portals
	s.state = SessionAccepted
	s.mu.Unlock()

	t := c.handOff(rsp.SessionID)
	t.disconnectInitial()
	s.acceptConnections(nil)
}

// acceptConnections connects every connection of the session, except skip,
// to its portal.
func (s *Session) acceptConnections(skip *Connection) {
	type todo struct {
		c      *Connection
		portal string
	}
	var todov []todo

	s.mu.Lock()
	for _, c := range s.conns {
		if c == skip {
			continue
		}
		todov = append(todov, todo{c, s.nextPortal(c.idx)})
	}
	s.mu.Unlock()

	for _, x := range todov {
		c, portal := x.c, x.portal
		c.schedule(func() {
			c.connectPortal(portal, false)
		})
	}
}

// onRedirect handles redirected session setup received on lead connection c.
func (s *Session) onRedirect(c *Connection, rsp *proto.SetupRsp) {
	if len(rsp.Portals) == 0 {
		log.Errorf(c.ctx(), "redirect without services")
		c.closeReason = proto.ProtocolError
		s.onConnRefused(c, proto.ProtocolError)
		return
	}

	s.mu.Lock()
	s.state = SessionRedirected
	s.services = rsp.Portals
	service := s.services[s.lastService%len(s.services)]
	s.lastService++
	s.redir = c
	s.mu.Unlock()

	// queued messages stay with c; the old nexus is closed without them
	t := c.handOff(rsp.SessionID)
	t.disconnectInitial()
	c.connectPortal(service, false)
}

// onReject handles rejected session setup.
func (s *Session) onReject(c *Connection, rsp *proto.SetupRsp) {
	atomic.StoreUint32(&s.peerID, rsp.SessionID)

	s.mu.Lock()
	s.state = SessionRejected
	s.lead = nil
	connv := append([]*Connection(nil), s.conns...)
	s.mu.Unlock()

	s.notify(SessionEventData{
		Event:       EventSessionRejected,
		Reason:      rsp.Reason,
		PrivateData: rsp.PrivateData,
	})

	for _, cc := range connv {
		cc := cc
		reject := func() {
			if cc.destroyed {
				return
			}
			cc.closeReason = proto.SessionRejected
			if cc.nexus != nil {
				cc.flush()
				cc.notifyFlushed()
				cc.disconnectInitial()
			} else {
				cc.disconnected(EventConnectionDisconnected, StateDisconnected, proto.SessionRejected)
			}
		}
		if cc == c {
			reject()
		} else {
			cc.schedule(reject)
		}
	}
}

// handOff moves nexus of c to a new connection which only closes it.
//
// c is left without nexus, with its queued messages, to be connected again.
// The returned connection is not on the session list, does not notify the
// application and addresses peer session peer.
func (c *Connection) handOff(peer uint32) *Connection {
	c.flushTasks()

	t := newConnection(c.session, c.loop, c.idx, c.userCtx)
	t.disableNotify = true
	t.destID = peer
	t.nexus = c.nexus
	c.nexus = nil
	t.nexus.attach(t)
	c.setState(StateInit)
	return t
}

// onHelloRsp handles response to hello of connection c.
func (s *Session) onHelloRsp(c *Connection, f *transport.Frame) {
	c.completeCtrl(f.Tid)
	if c.state != StateInit {
		log.Warningf(c.ctx(), "%s: unexpected hello response", c.state)
		return
	}
	c.setState(StateEstablished)

	s.mu.Lock()
	if c.inList && !c.onlineCounted {
		c.onlineCounted = true
		s.establishedNr++
	}
	state := s.state
	var connv []*Connection
	if state == SessionAccepted && s.establishedNr == s.connsNr {
		s.state = SessionOnline
		connv = append(connv, s.conns...)
	}
	s.mu.Unlock()

	switch {
	case connv != nil:
		// all connections are there
		s.notifyEstablished()
		for _, cc := range connv {
			cc.schedule(cc.goOnline)
		}

	case state == SessionOnline:
		c.goOnline()
	}
}

// goOnline moves established connection online and starts transmission.
func (c *Connection) goOnline() {
	if c.destroyed || c.state != StateEstablished {
		return
	}
	c.setOnline()
	c.kickLog()
}
