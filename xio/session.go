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

// Package xio provides sessions for request/response and one-way messaging
// over pluggable transports.
//
// A client creates Session to a uri and connects it on one or several loops
// (xloop.Loop). Every Connect creates a Connection bound to that loop. The
// first connection performs session setup with the server which may accept,
// redirect or reject the session. An accepted session may be spread over
// several connections, possibly to different portals returned by the server;
// the session becomes online after all of its connections complete hello
// handshake.
//
// Messages are queued per connection and transmitted from the connection
// loop. All library callbacks for a connection are invoked on its loop, and
// the application has to call connection methods only from there too, with
// the exception of Disconnect which may be called from anywhere.
//
// Connections close with two-phase FIN handshake. Every connection, and then
// the session, are reported torn down exactly once.
package xio

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"lab.nexedi.com/kirr/go123/xerr"

	"github.com/gitter-badger/accelio/internal/log"
	taskctx "github.com/gitter-badger/accelio/internal/xcontext/task"
	"github.com/gitter-badger/accelio/xio/proto"
	"github.com/gitter-badger/accelio/xio/transport"
	"github.com/gitter-badger/accelio/xio/xloop"
)

// SessionEvent is kind of event reported to Handler.
type SessionEvent int

const (
	EventConnectionEstablished SessionEvent = iota
	EventConnectionClosed
	EventConnectionDisconnected
	EventConnectionRefused
	EventConnectionError
	EventConnectionTeardown
	EventSessionRejected
	EventSessionTeardown
)

var sessionEventStr = [...]string{
	EventConnectionEstablished:  "connection established",
	EventConnectionClosed:       "connection closed",
	EventConnectionDisconnected: "connection disconnected",
	EventConnectionRefused:      "connection refused",
	EventConnectionError:        "connection error",
	EventConnectionTeardown:     "connection teardown",
	EventSessionRejected:        "session rejected",
	EventSessionTeardown:        "session teardown",
}

func (e SessionEvent) String() string {
	if e < 0 || int(e) >= len(sessionEventStr) {
		return fmt.Sprintf("event(%d)", int(e))
	}
	return sessionEventStr[e]
}

// SessionEventData describes one session event.
type SessionEventData struct {
	Event           SessionEvent
	Reason          proto.Status
	Conn            *Connection // nil for session-level events
	ConnUserContext interface{}
	PrivateData     []byte // EventSessionRejected: private data from peer
}

// Handler receives session events.
//
// A handler may additionally implement any of EstablishedHandler,
// MsgHandler, MsgErrorHandler, SendCompleteHandler, DeliveredHandler,
// CancelHandler and CancelRequestHandler.
//
// Connection events are delivered on the connection loop. Session events
// are delivered on the loop of the connection that caused them.
type Handler interface {
	OnSessionEvent(s *Session, ev SessionEventData)
}

type EstablishedHandler interface {
	// OnSessionEstablished is called once when session becomes online.
	OnSessionEstablished(s *Session, privateData []byte)
}

type MsgHandler interface {
	// OnMsg is called for received requests, responses and one-way messages.
	OnMsg(s *Session, msg *Msg)
}

type MsgErrorHandler interface {
	// OnMsgError reports that msg sent by the application failed.
	OnMsgError(s *Session, err proto.Status, msg *Msg)
}

type SendCompleteHandler interface {
	// OnMsgSendComplete reports that a response or a one-way message
	// without receipt was written to transport.
	OnMsgSendComplete(s *Session, msg *Msg)
}

type DeliveredHandler interface {
	// OnMsgDelivered reports that peer received one-way message msg.
	OnMsgDelivered(s *Session, msg *Msg)
}

type CancelHandler interface {
	// OnCancel reports result of canceling request msg.
	OnCancel(s *Session, msg *Msg, result proto.Status)
}

type CancelRequestHandler interface {
	// OnCancelRequest asks the application to cancel received request msg.
	// The application answers with Connection.CancelResponse.
	OnCancelRequest(s *Session, msg *Msg)
}


// Session is a logical channel to a peer spread over one or several connections.
type Session struct {
	id      uint32
	peerID  uint32 // atomic; assigned by peer on accept
	uri     string
	priv    []byte
	handler Handler
	opts    Options
	srv     *Server // != nil on responder side
	quiet   bool    // responder side of not accepted session: no notifications

	sn uint64 // atomic; last message serial number

	mu            sync.Mutex
	state         SessionState
	conns         []*Connection
	connsNr       int
	establishedNr int // connections of conns that completed hello
	lastIdx       int // responder: last connection index
	lead          *Connection
	redir         *Connection
	portals       []string
	services      []string
	lastPortal    int // round-robin cursor for connection 0
	lastService   int
	acceptPriv    []byte
	onlineSent    bool
	teardownSent  bool
}

var (
	lastSessionID uint32 // atomic

	sessMu   sync.Mutex
	sessions = map[uint32]*Session{}
)

func nextSessionID() uint32 {
	return atomic.AddUint32(&lastSessionID, 1)
}

func registerSession(s *Session) {
	sessMu.Lock()
	defer sessMu.Unlock()
	sessions[s.id] = s
}

func unregisterSession(s *Session) {
	sessMu.Lock()
	defer sessMu.Unlock()
	if sessions[s.id] == s {
		delete(sessions, s.id)
	}
}

func lookupSession(id uint32) *Session {
	sessMu.Lock()
	defer sessMu.Unlock()
	return sessions[id]
}

// NewSession creates client session to uri.
//
// uri has the form "scheme://address[/resource]"; scheme selects transport
// unless opts specify one. privateData is passed to the server with session
// setup request.
func NewSession(uri string, privateData []byte, h Handler, opts *Options) (_ *Session, err error) {
	defer xerr.Contextf(&err, "xio: new session %q", uri)

	if h == nil {
		return nil, errors.New("nil handler")
	}
	s := newSession(nextSessionID(), uri, privateData, h, opts)
	if _, err = s.opts.driver(s.uriPortal()); err != nil {
		return nil, err
	}
	registerSession(s)
	return s, nil
}

func newSession(id uint32, uri string, priv []byte, h Handler, opts *Options) *Session {
	return &Session{
		id:      id,
		uri:     uri,
		priv:    priv,
		handler: h,
		opts:    opts.withDefaults(),
		state:   SessionInit,
	}
}

func (s *Session) String() string {
	return fmt.Sprintf("session %d", s.id)
}

func (s *Session) ctx() context.Context {
	return taskctx.Of(s)
}

// ID returns session id.
func (s *Session) ID() uint32 { return s.id }

// PeerID returns id peer assigned to the session, or 0 if not yet accepted.
func (s *Session) PeerID() uint32 { return atomic.LoadUint32(&s.peerID) }

func (s *Session) peerSessionID() uint32 { return s.PeerID() }

// URI returns uri the session was created for.
func (s *Session) URI() string { return s.uri }

// PrivateData returns private data sent with setup request.
func (s *Session) PrivateData() []byte { return s.priv }

// State returns current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) isOnline() bool {
	return s.State() == SessionOnline
}

// Connections returns connections of the session.
func (s *Session) Connections() []*Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Connection(nil), s.conns...)
}

func (s *Session) nextSN() uint64 {
	return atomic.AddUint64(&s.sn, 1)
}

// uriPortal returns portal part of session uri.
func (s *Session) uriPortal() string {
	scheme, addr, err := transport.ParsePortal(s.uri)
	if err != nil {
		return s.uri
	}
	return scheme + "://" + addr
}

var errLoopBusy = errors.New("session already has connection on this loop")

// Connect creates connection of the session bound to loop l.
//
// The first Connect of a session starts session setup. Connections created
// while setup is in progress are connected after the server accepts the
// session. A session may have only one connection per loop.
func (s *Session) Connect(l *xloop.Loop, idx int, userCtx interface{}) (_ *Connection, err error) {
	defer func() {
		if err != nil {
			err = &SessionError{Session: s, Op: "connect", Err: err}
		}
	}()

	s.mu.Lock()
	for _, c := range s.conns {
		if c.loop == l {
			s.mu.Unlock()
			return nil, errLoopBusy
		}
	}

	var portal string
	reuse := false
	switch s.state {
	case SessionInit:
		portal = s.uriPortal()
		reuse = true

	case SessionConnect, SessionRedirected:
		// connected after accept

	case SessionAccepted, SessionOnline:
		if len(s.portals) == 0 {
			s.mu.Unlock()
			return nil, proto.Shutdown
		}

	default:
		s.mu.Unlock()
		return nil, proto.Shutdown
	}

	c := newConnection(s, l, idx, userCtx)
	c.inList = true
	s.conns = append(s.conns, c)
	s.connsNr++

	switch s.state {
	case SessionInit:
		s.state = SessionConnect
		s.lead = c
	case SessionAccepted, SessionOnline:
		portal = s.nextPortal(idx)
	}
	s.mu.Unlock()

	if portal != "" {
		c.schedule(func() {
			c.connectPortal(portal, reuse)
		})
	}
	return c, nil
}

// nextPortal returns portal for connection with index idx.
//
// must be called with s.mu held.
func (s *Session) nextPortal(idx int) string {
	n := len(s.portals)
	if idx == 0 {
		p := s.portals[s.lastPortal%n]
		s.lastPortal++
		return p
	}
	return s.portals[idx%n]
}

// schedule runs f on connection loop holding a reference to c.
func (c *Connection) schedule(f func()) {
	c.get()
	c.loop.Schedule(func() {
		defer c.put()
		f()
	})
}

// connectPortal opens nexus to portal and starts connecting c over it.
func (c *Connection) connectPortal(portal string, reuse bool) {
	if c.destroyed {
		return
	}
	if err := c.openPortal(portal, reuse); err != nil {
		log.Error(c.ctx(), err)
		c.session.onConnRefused(c, err)
	}
}

func (c *Connection) openPortal(portal string, reuse bool) (err error) {
	defer xerr.Contextf(&err, "connect %s", portal)

	n, err := openNexus(c.loop, portal, &c.session.opts, reuse)
	if err != nil {
		return err
	}
	c.nexus = n
	n.attach(c)
	return n.connect(c)
}

// connDestroyed is called when connection c is destroyed.
//
// The last connection of the session going away tears the session down.
func (s *Session) connDestroyed(c *Connection) {
	s.mu.Lock()
	if s.lead == c {
		s.lead = nil
	}
	if s.redir == c {
		s.redir = nil
	}
	teardown := false
	if c.inList {
		c.inList = false
		for i, cc := range s.conns {
			if cc == c {
				s.conns = append(s.conns[:i], s.conns[i+1:]...)
				break
			}
		}
		if c.onlineCounted {
			c.onlineCounted = false
			s.establishedNr--
		}
		if s.connsNr == 1 && s.state != SessionRejected && s.state != SessionRefused {
			s.state = SessionClosing
		}
		s.connsNr--
		if s.connsNr == 0 && !s.teardownSent {
			s.teardownSent = true
			teardown = true
		}
	}
	state := s.state
	s.mu.Unlock()

	if !teardown {
		return
	}

	reason := c.closeReason
	if state == SessionRejected {
		reason = proto.SessionRejected
	}
	log.Infof(s.ctx(), "teardown: %s", reason)
	unregisterSession(s)
	s.notify(SessionEventData{Event: EventSessionTeardown, Reason: reason})
}


// ---- notifications ----

func (s *Session) notify(ev SessionEventData) {
	if s.quiet {
		return
	}
	s.handler.OnSessionEvent(s, ev)
}

func (s *Session) notifyEvent(event SessionEvent, c *Connection, reason proto.Status) {
	ev := SessionEventData{Event: event, Reason: reason, Conn: c}
	if c != nil {
		ev.ConnUserContext = c.userCtx
	}
	s.notify(ev)
}

// notifyEstablished reports, once, that the session became online.
func (s *Session) notifyEstablished() {
	s.mu.Lock()
	already := s.onlineSent
	s.onlineSent = true
	priv := s.acceptPriv
	s.mu.Unlock()

	if already || s.quiet {
		return
	}
	log.Infof(s.ctx(), "online")
	if h, ok := s.handler.(EstablishedHandler); ok {
		h.OnSessionEstablished(s, priv)
	}
}

func (s *Session) notifyMsg(m *Msg) {
	if h, ok := s.handler.(MsgHandler); ok {
		h.OnMsg(s, m)
	}
}

func (s *Session) notifyMsgError(m *Msg, st proto.Status) {
	if h, ok := s.handler.(MsgErrorHandler); ok {
		h.OnMsgError(s, st, m)
	}
}

func (s *Session) notifySendComplete(m *Msg) {
	if h, ok := s.handler.(SendCompleteHandler); ok {
		h.OnMsgSendComplete(s, m)
	}
}

func (s *Session) notifyDelivered(m *Msg) {
	if h, ok := s.handler.(DeliveredHandler); ok {
		h.OnMsgDelivered(s, m)
	}
}

func (s *Session) notifyCancel(m *Msg, result proto.Status) {
	if h, ok := s.handler.(CancelHandler); ok {
		h.OnCancel(s, m, result)
	}
}

// notifyCancelRequest asks the application to cancel m.
//
// It returns false if the application does not handle cancel requests.
func (s *Session) notifyCancelRequest(m *Msg) bool {
	h, ok := s.handler.(CancelRequestHandler)
	if ok {
		h.OnCancelRequest(s, m)
	}
	return ok
}


// SessionError is returned by Session operations.
type SessionError struct {
	Session *Session
	Op      string
	Err     error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Session, e.Op, e.Err)
}

func (e *SessionError) Cause() error  { return e.Err }
func (e *SessionError) Unwrap() error { return e.Err }
