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
// server side of session establishment

import (
	"context"
	"fmt"
	"sync"

	"lab.nexedi.com/kirr/go123/xerr"
	"lab.nexedi.com/kirr/go123/xnet"

	"github.com/gitter-badger/accelio/internal/log"
	taskctx "github.com/gitter-badger/accelio/internal/xcontext/task"
	"github.com/gitter-badger/accelio/xio/proto"
	"github.com/gitter-badger/accelio/xio/transport"
	"github.com/gitter-badger/accelio/xio/xloop"
)

// ServerHandler handles sessions on server side.
//
// OnNewSession is called on the server loop for every session setup request
// and decides whether the session is accepted, redirected or rejected. Events
// of accepted sessions are then delivered to the same handler as for client
// sessions.
type ServerHandler interface {
	Handler
	OnNewSession(s *Session, req *NewSessionReq) Verdict
}

// NewSessionReq describes session setup request.
type NewSessionReq struct {
	URI         string
	PrivateData []byte
	Portal      string // address of the requesting peer
}

// Verdict is answer to session setup request.
//
// Zero Verdict accepts the session on the connection it was requested on.
type Verdict struct {
	action  proto.Action
	portals []string
	priv    []byte
	reason  proto.Status
}

// Accept accepts session.
//
// If portals are given, the client moves all its connections to them
// round-robin.
func Accept(portals []string, privateData []byte) Verdict {
	return Verdict{action: proto.ActionAccept, portals: portals, priv: privateData}
}

// Redirect tells client to setup the session with one of services instead.
func Redirect(services ...string) Verdict {
	return Verdict{action: proto.ActionRedirect, portals: services}
}

// Reject rejects session.
func Reject(reason proto.Status, privateData []byte) Verdict {
	return Verdict{action: proto.ActionReject, reason: reason, priv: privateData}
}

func (v Verdict) String() string {
	switch v.action {
	case proto.ActionReject:
		return fmt.Sprintf("reject (%s)", v.reason)
	default:
		return fmt.Sprintf("%s %v", v.action, v.portals)
	}
}

// Server accepts xio sessions.
//
// All server sessions and their connections run on the loop passed to Listen.
type Server struct {
	loop *xloop.Loop
	lsn  *transport.Listener
	h    ServerHandler
	opts Options

	cancel  context.CancelFunc
	serveWg sync.WaitGroup

	mu      sync.Mutex
	nexuses map[*Nexus]struct{}
	closed  bool
}

// Listen starts serving sessions on laddr.
//
// Incoming links are accepted from net and bound to loop l.
func Listen(l *xloop.Loop, net xnet.Networker, laddr string, h ServerHandler, opts *Options) (_ *Server, err error) {
	defer xerr.Contextf(&err, "xio: listen %s", laddr)

	o := opts.withDefaults()
	sopts := o.streamOptions()
	lsn, err := transport.Listen(net, laddr, &sopts)
	if err != nil {
		return nil, err
	}
	return NewServer(l, lsn, h, &o), nil
}

// NewServer starts serving sessions on links accepted by lsn.
//
// The server owns lsn and closes it on Close.
func NewServer(l *xloop.Loop, lsn *transport.Listener, h ServerHandler, opts *Options) *Server {
	srv := &Server{
		loop:    l,
		lsn:     lsn,
		h:       h,
		opts:    opts.withDefaults(),
		nexuses: make(map[*Nexus]struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv.cancel = cancel
	srv.serveWg.Add(1)
	go srv.serve(ctx)
	return srv
}

func (srv *Server) String() string {
	return fmt.Sprintf("server %s", srv.lsn.Addr())
}

func (srv *Server) ctx() context.Context {
	return taskctx.Of(srv)
}

// Addr returns address the server listens on.
func (srv *Server) Addr() string {
	return srv.lsn.Addr().String()
}

// Loop returns loop server sessions run on.
func (srv *Server) Loop() *xloop.Loop { return srv.loop }

// Close stops accepting and closes all links accepted by the server.
func (srv *Server) Close() (err error) {
	defer xerr.Contextf(&err, "%s: close", srv)

	srv.mu.Lock()
	srv.closed = true
	var nexusv []*Nexus
	for n := range srv.nexuses {
		nexusv = append(nexusv, n)
	}
	srv.nexuses = nil
	srv.mu.Unlock()

	srv.cancel()
	err = srv.lsn.Close()
	srv.serveWg.Wait()

	for _, n := range nexusv {
		n.closeNow()
	}
	return err
}

func (srv *Server) serve(ctx context.Context) {
	defer srv.serveWg.Done()

	for {
		st, err := srv.lsn.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Warning(srv.ctx(), err)
			continue
		}

		n := newServerNexus(srv, st)
		srv.mu.Lock()
		if srv.closed {
			srv.mu.Unlock()
			n.closeNow()
			continue
		}
		srv.nexuses[n] = struct{}{}
		srv.mu.Unlock()

		log.Infof(n.ctx(), "accepted")
		st.Bind(srv.loop, n)
	}
}

// forget is called when nexus n is closed.
func (srv *Server) forget(n *Nexus) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.nexuses, n)
}

// onFrame handles frame received on nexus n for which there is no connection.
func (srv *Server) onFrame(n *Nexus, f *transport.Frame, hdr *proto.SessionHdr, body []byte) {
	switch f.Type {
	case proto.SessionSetupReq:
		srv.onSetupReq(n, f, hdr, body)

	case proto.ConnHelloReq:
		srv.onHelloReq(n, f, hdr)

	default:
		log.Warningf(n.ctx(), "recv %v: no session %d", f, hdr.DestSessionID)
	}
}

// onSetupReq creates session for setup request and answers it with verdict
// of the handler.
func (srv *Server) onSetupReq(n *Nexus, f *transport.Frame, hdr *proto.SessionHdr, body []byte) {
	var req proto.SetupReq
	if err := req.Decode(body); err != nil {
		log.Errorf(n.ctx(), "setup request: %s", err)
		return
	}

	s := newSession(nextSessionID(), req.URI, req.PrivateData, srv.h, &srv.opts)
	s.srv = srv
	s.peerID = req.SessionID

	c := newConnection(s, srv.loop, 0, nil)
	c.nexus = n
	n.get()
	n.attach(c)

	t := c.acceptTask(f)
	if t == nil {
		c.disableNotify = true
		c.postDestroy()
		return
	}

	verdict := srv.h.OnNewSession(s, &NewSessionReq{
		URI:         req.URI,
		PrivateData: req.PrivateData,
		Portal:      n.portal,
	})
	log.Infof(s.ctx(), "setup from %s (peer session %d): %s", n.portal, req.SessionID, verdict)

	rsp := proto.SetupRsp{
		SessionID:   s.id,
		Action:      verdict.action,
		Portals:     verdict.portals,
		PrivateData: verdict.priv,
		Reason:      verdict.reason,
	}
	rspBody, err := rsp.Encode(nil)
	if err != nil {
		log.Errorf(s.ctx(), "setup: %s", err)
		rsp = proto.SetupRsp{SessionID: s.id, Action: proto.ActionReject, Reason: proto.InvalidArg}
		rspBody, _ = rsp.Encode(nil)
	}

	s.mu.Lock()
	switch {
	case rsp.Action == proto.ActionAccept && len(rsp.Portals) == 0:
		// the session lives on this connection
		c.inList = true
		c.onlineCounted = true
		s.conns = append(s.conns, c)
		s.connsNr++
		s.establishedNr++
		s.state = SessionOnline
		s.acceptPriv = rsp.PrivateData

	case rsp.Action == proto.ActionAccept:
		// client closes this connection and comes back on the portals
		c.disableNotify = true
		s.lead = c
		s.state = SessionAccepted
		s.acceptPriv = rsp.PrivateData

	case rsp.Action == proto.ActionRedirect:
		c.disableNotify = true
		s.quiet = true
		s.state = SessionRedirected

	default:
		c.disableNotify = true
		s.quiet = true
		s.state = SessionRejected
	}
	state := s.state
	s.mu.Unlock()

	if !s.quiet {
		registerSession(s)
	}

	m := c.ctrlMsg(proto.SessionSetupRsp)
	if m == nil {
		c.releaseTask(t)
		return
	}
	m.SN = hdr.SerialNum
	m.task = t
	m.body = rspBody
	c.sendCtrl(m)

	// the client leaves this connection with FIN unless the session stays on it
	c.setState(StateOnline)
	if state == SessionOnline {
		c.setOnline()
		s.notifyEstablished()
	}
}

// onHelloReq attaches new connection to accepted session.
func (srv *Server) onHelloReq(n *Nexus, f *transport.Frame, hdr *proto.SessionHdr) {
	s := lookupSession(hdr.DestSessionID)
	if s == nil || s.srv != srv {
		log.Warningf(n.ctx(), "hello for unknown session %d", hdr.DestSessionID)
		return
	}

	s.mu.Lock()
	if s.state != SessionAccepted && s.state != SessionOnline {
		state := s.state
		s.mu.Unlock()
		log.Warningf(s.ctx(), "%s: hello refused", state)
		return
	}
	s.lastIdx++
	c := newConnection(s, srv.loop, s.lastIdx, nil)
	c.inList = true
	c.onlineCounted = true
	s.conns = append(s.conns, c)
	s.connsNr++
	s.establishedNr++
	online := false
	if s.state == SessionAccepted {
		s.state = SessionOnline
		online = true
	}
	s.mu.Unlock()

	c.nexus = n
	n.get()
	n.attach(c)

	if online {
		s.notifyEstablished()
	}
	c.onHelloReq(f)
}
