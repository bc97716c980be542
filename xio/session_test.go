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
// session establishment and close handshake

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gitter-badger/accelio/xio/proto"
	"github.com/gitter-badger/accelio/xio/xloop"
)

func TestSessionAccept(t *testing.T) {
	l := xloop.New("c0")
	defer l.Close()
	e := newClient(t, Options{})

	c, tr := e.xconnect(l, 0)
	require.Equal(t, tPortal, tr.portal)
	require.Equal(t, []proto.MsgType{proto.SessionSetupReq}, tr.frames())
	require.Equal(t, SessionConnect, e.s.State())

	_, hdr, body := tr.lastSent(t, proto.SessionSetupReq)
	require.Equal(t, uint32(0), hdr.DestSessionID)
	var req proto.SetupReq
	require.NoError(t, req.Decode(body))
	require.Equal(t, e.s.ID(), req.SessionID)
	require.Equal(t, tURI, req.URI)
	require.Equal(t, []byte("hello"), req.PrivateData)

	e.setupRsp(tr, proto.SetupRsp{SessionID: tPeerSID, Action: proto.ActionAccept, PrivateData: []byte("welcome")})
	drain(t, l)

	require.Equal(t, SessionOnline, e.s.State())
	require.Equal(t, uint32(tPeerSID), e.s.PeerID())
	require.Equal(t, StateOnline, c.State())
	require.Equal(t, []SessionEvent{EventConnectionEstablished}, e.h.eventv())
	require.Equal(t, [][]byte{[]byte("welcome")}, e.h.established)
	ev := e.h.lastEvent(t, EventConnectionEstablished)
	require.Equal(t, c, ev.Conn)
	require.Equal(t, 0, ev.ConnUserContext)

	// the setup task went back to the pool
	pool := c.nexus.pool
	require.Equal(t, pool.Len(), pool.Free())
}

func TestSessionConnectSameLoop(t *testing.T) {
	l := xloop.New("c0")
	defer l.Close()
	e := newClient(t, Options{})

	_, err := e.s.Connect(l, 0, nil)
	require.NoError(t, err)
	_, err = e.s.Connect(l, 1, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, errLoopBusy))
}

func TestSessionRedirect(t *testing.T) {
	l := xloop.New("c0")
	defer l.Close()
	e := newClient(t, Options{})

	c, tr0 := e.xconnect(l, 0)

	// queued before session setup completes; goes out after accept
	m := newMsgData("ping")
	require.NoError(t, c.SendRequest(m))
	require.Equal(t, []proto.MsgType{proto.SessionSetupReq}, tr0.frames())

	const service = "tcp://other:2"
	e.setupRsp(tr0, proto.SetupRsp{SessionID: tPeerSID, Action: proto.ActionRedirect, Portals: []string{service}})
	drain(t, l)

	// old link is closed with FIN addressed to the session that redirected us
	require.Equal(t, []proto.MsgType{proto.SessionSetupReq, proto.FinReq}, tr0.frames())
	_, hdr, _ := tr0.lastSent(t, proto.FinReq)
	require.Equal(t, uint32(tPeerSID), hdr.DestSessionID)

	trv := e.drv.transports(service)
	require.Len(t, trv, 1)
	tr1 := trv[0]
	require.Equal(t, []proto.MsgType{proto.SessionSetupReq}, tr1.frames())
	_, hdr, _ = tr1.lastSent(t, proto.SessionSetupReq)
	require.Equal(t, uint32(0), hdr.DestSessionID)
	require.Equal(t, SessionConnect, e.s.State())

	e.setupRsp(tr1, proto.SetupRsp{SessionID: tPeerSID + 1, Action: proto.ActionAccept})
	drain(t, l)

	require.Equal(t, SessionOnline, e.s.State())
	require.Equal(t, []proto.MsgType{proto.SessionSetupReq, proto.MsgReq}, tr1.frames())
	_, hdr, body := tr1.lastSent(t, proto.MsgReq)
	require.Equal(t, uint32(tPeerSID+1), hdr.DestSessionID)
	require.Equal(t, m.SN, hdr.SerialNum)
	require.Equal(t, "ping", appData(t, body))

	// only the connection that went online is visible to the application
	require.Equal(t, []SessionEvent{EventConnectionEstablished}, e.h.eventv())
	require.Equal(t, []proto.MsgType{proto.SessionSetupReq, proto.FinReq}, tr0.frames())
}

func TestSessionReject(t *testing.T) {
	l := xloop.New("c0")
	defer l.Close()
	e := newClient(t, Options{TimeWait: time.Millisecond})

	c, tr := e.xconnect(l, 0)
	m := newMsgData("x")
	require.NoError(t, c.SendRequest(m))

	e.setupRsp(tr, proto.SetupRsp{
		SessionID:   tPeerSID,
		Action:      proto.ActionReject,
		Reason:      proto.Permission,
		PrivateData: []byte("go away"),
	})
	drain(t, l)

	require.Equal(t, SessionRejected, e.s.State())
	ev := e.h.lastEvent(t, EventSessionRejected)
	require.Equal(t, proto.Permission, ev.Reason)
	require.Equal(t, []byte("go away"), ev.PrivateData)
	require.Equal(t, []msgErr{{m, proto.MsgFlushed}}, e.h.msgErrs)
	require.Equal(t, proto.SessionRejected, e.h.lastEvent(t, EventConnectionClosed).Reason)
	require.Equal(t, 0, c.queuedMsgs)

	// close handshake: our FIN, peer's FIN-ACK, peer's FIN, our FIN-ACK
	require.Equal(t, StateFinWait1, c.State())
	fin, hdr, _ := tr.lastSent(t, proto.FinReq)
	require.Equal(t, uint32(tPeerSID), hdr.DestSessionID)

	tr.recv(proto.FinRsp, fin.Tid, e.hdr(hdr.SerialNum), nil)
	drain(t, l)
	require.Equal(t, StateFinWait2, c.State())

	tr.recv(proto.FinReq, 99, e.hdr(1), nil)
	drain(t, l)
	require.Equal(t, StateTimeWait, c.State())
	ack, _, _ := tr.lastSent(t, proto.FinRsp)
	require.Equal(t, uint32(99), ack.Tid)

	pollUntil(t, l, func() bool { return e.h.count(EventSessionTeardown) == 1 })

	require.Equal(t, []SessionEvent{
		EventSessionRejected,
		EventConnectionClosed,
		EventConnectionTeardown,
		EventSessionTeardown,
	}, e.h.eventv())
	require.Equal(t, proto.SessionRejected, e.h.lastEvent(t, EventSessionTeardown).Reason)
	require.Equal(t, StateClosed, c.State())
	require.True(t, tr.isClosed())

	// nothing can be sent anymore
	err := c.SendRequest(newMsgData("y"))
	require.True(t, errors.Is(err, proto.Shutdown), "%v", err)
}

func TestSessionRefused(t *testing.T) {
	l := xloop.New("c0")
	defer l.Close()
	e := newClient(t, Options{})
	e.drv.refuse = errors.New("connection refused")

	c, err := e.s.Connect(l, 0, nil)
	require.NoError(t, err)
	drain(t, l)

	require.Equal(t, SessionRefused, e.s.State())
	require.Equal(t, StateDisconnected, c.State())
	require.Equal(t, []SessionEvent{
		EventConnectionRefused,
		EventConnectionTeardown,
		EventSessionTeardown,
	}, e.h.eventv())
	require.Equal(t, proto.SessionRefused, e.h.lastEvent(t, EventSessionTeardown).Reason)
}

// session accepted with portals spreads its connections over them and goes
// online after all connections complete hello.
func TestSessionPortals(t *testing.T) {
	lv := []*xloop.Loop{xloop.New("c0"), xloop.New("c1"), xloop.New("c2")}
	for _, l := range lv {
		defer l.Close()
	}
	e := newClient(t, Options{})

	c0, tr0 := e.xconnect(lv[0], 0)
	c1, err := e.s.Connect(lv[1], 1, 1)
	require.NoError(t, err)
	c2, err := e.s.Connect(lv[2], 2, 2)
	require.NoError(t, err)
	drain(t, lv...)
	require.Len(t, e.drv.all(), 1) // only the lead connects before accept

	portals := []string{"tcp://p:1", "tcp://p:2", "tcp://p:3"}
	e.setupRsp(tr0, proto.SetupRsp{
		SessionID:   tPeerSID,
		Action:      proto.ActionAccept,
		Portals:     portals,
		PrivateData: []byte("welcome"),
	})
	drain(t, lv...)

	require.Equal(t, SessionAccepted, e.s.State())
	require.Equal(t, []proto.MsgType{proto.SessionSetupReq, proto.FinReq}, tr0.frames())

	connv := []*Connection{c0, c1, c2}
	for i, c := range connv {
		trv := e.drv.transports(portals[i])
		require.Len(t, trv, 1, "portal %s", portals[i])
		tr := trv[0]
		require.Equal(t, lv[i], tr.loop)
		require.Equal(t, []proto.MsgType{proto.ConnHelloReq}, tr.frames())

		hello, hdr, _ := tr.lastSent(t, proto.ConnHelloReq)
		require.Equal(t, uint32(tPeerSID), hdr.DestSessionID)
		tr.recv(proto.ConnHelloRsp, hello.Tid, e.hdr(hdr.SerialNum), nil)
		drain(t, lv...)

		if i < len(connv)-1 {
			require.Equal(t, SessionAccepted, e.s.State())
			require.Equal(t, StateEstablished, c.State())
			require.Empty(t, e.h.established)
		}
	}

	require.Equal(t, SessionOnline, e.s.State())
	require.Equal(t, [][]byte{[]byte("welcome")}, e.h.established)
	require.Equal(t, 3, e.h.count(EventConnectionEstablished))
	for _, c := range connv {
		require.Equal(t, StateOnline, c.State())
	}
	require.Equal(t, 0, e.h.count(EventConnectionClosed))
}

func TestActiveCloseTimeout(t *testing.T) {
	l := xloop.New("c0")
	defer l.Close()
	e := newClient(t, Options{})
	c, tr := e.xonline(l)

	m := newMsgData("x")
	require.NoError(t, c.SendRequest(m))
	drain(t, l)

	require.NoError(t, c.Modify(ConnAttr{CloseTimeout: 5 * time.Millisecond}, AttrCloseTimeout))
	require.Equal(t, 5*time.Millisecond, c.Query(AttrCloseTimeout).CloseTimeout)

	require.NoError(t, c.Disconnect())
	drain(t, l)
	require.Equal(t, StateFinWait1, c.State())
	require.Equal(t, []proto.MsgType{proto.SessionSetupReq, proto.MsgReq, proto.FinReq}, tr.frames())
	require.Equal(t, proto.SessionDisconnected, e.h.lastEvent(t, EventConnectionClosed).Reason)

	// peer never answers
	pollUntil(t, l, func() bool { return e.h.count(EventSessionTeardown) == 1 })

	require.Equal(t, []SessionEvent{
		EventConnectionEstablished,
		EventConnectionClosed,
		EventConnectionTeardown,
		EventSessionTeardown,
	}, e.h.eventv())
	require.Equal(t, []msgErr{{m, proto.MsgFlushed}}, e.h.msgErrs)
	require.Equal(t, StateClosed, c.State())
	require.Equal(t, SessionClosing, e.s.State())
	require.True(t, tr.isClosed())
}

func TestPassiveClose(t *testing.T) {
	l := xloop.New("c0")
	defer l.Close()
	e := newClient(t, Options{})
	c, tr := e.xonline(l)

	tr.recv(proto.FinReq, 5, e.hdr(7), nil)
	drain(t, l)

	// FIN is acknowledged; then the connection sends its own FIN
	require.Equal(t, StateLastAck, c.State())
	require.Equal(t, []proto.MsgType{proto.SessionSetupReq, proto.FinRsp, proto.FinReq}, tr.frames())
	ack, _, _ := tr.lastSent(t, proto.FinRsp)
	require.Equal(t, uint32(5), ack.Tid)
	require.Equal(t, []SessionEvent{EventConnectionEstablished, EventConnectionClosed}, e.h.eventv())

	err := c.SendRequest(newMsgData("late"))
	require.True(t, errors.Is(err, proto.Shutdown), "%v", err)

	fin, hdr, _ := tr.lastSent(t, proto.FinReq)
	tr.recv(proto.FinRsp, fin.Tid, e.hdr(hdr.SerialNum), nil)
	drain(t, l)

	require.Equal(t, StateClosed, c.State())
	require.Equal(t, []SessionEvent{
		EventConnectionEstablished,
		EventConnectionClosed,
		EventConnectionTeardown,
		EventSessionTeardown,
	}, e.h.eventv())
	require.True(t, tr.isClosed())

	// destroy of destroyed connection is no-op
	require.NoError(t, c.Destroy())
}

func TestDisconnected(t *testing.T) {
	l := xloop.New("c0")
	defer l.Close()
	e := newClient(t, Options{})
	c, tr := e.xonline(l)

	m := newMsgData("x")
	require.NoError(t, c.SendRequest(m))
	drain(t, l)

	tr.post(transportDisconnected())
	drain(t, l)

	require.Equal(t, StateDisconnected, c.State())
	require.Equal(t, []SessionEvent{
		EventConnectionEstablished,
		EventConnectionDisconnected,
		EventConnectionTeardown,
		EventSessionTeardown,
	}, e.h.eventv())
	require.Equal(t, proto.SessionDisconnected, e.h.lastEvent(t, EventConnectionTeardown).Reason)
	require.Equal(t, []msgErr{{m, proto.MsgFlushed}}, e.h.msgErrs)
}

func TestDestroyPermission(t *testing.T) {
	l := xloop.New("c0")
	defer l.Close()
	e := newClient(t, Options{})
	c, _ := e.xonline(l)

	err := c.Destroy()
	require.True(t, errors.Is(err, proto.Permission), "%v", err)
	require.Equal(t, StateOnline, c.State())
}

// reject tears down every connection of the session, with or without link,
// and then the session once.
func TestSessionRejectAll(t *testing.T) {
	lv := []*xloop.Loop{xloop.New("c0"), xloop.New("c1"), xloop.New("c2")}
	for _, l := range lv {
		defer l.Close()
	}
	e := newClient(t, Options{TimeWait: time.Millisecond})

	c0, tr0 := e.xconnect(lv[0], 0)
	c1, err := e.s.Connect(lv[1], 1, 1)
	require.NoError(t, err)
	c2, err := e.s.Connect(lv[2], 2, 2)
	require.NoError(t, err)
	m1 := newMsgData("on secondary")
	require.NoError(t, c1.SendRequest(m1))
	drain(t, lv...)

	e.setupRsp(tr0, proto.SetupRsp{SessionID: tPeerSID, Action: proto.ActionReject, Reason: proto.Permission})
	drain(t, lv...)

	require.Equal(t, SessionRejected, e.s.State())
	require.Equal(t, StateDisconnected, c1.State())
	require.Equal(t, StateDisconnected, c2.State())
	require.Equal(t, []msgErr{{m1, proto.MsgFlushed}}, e.h.msgErrs)
	require.Equal(t, 2, e.h.count(EventConnectionTeardown))
	require.Equal(t, 0, e.h.count(EventSessionTeardown))

	// the lead closes with FIN handshake
	fin, hdr, _ := tr0.lastSent(t, proto.FinReq)
	tr0.recv(proto.FinRsp, fin.Tid, e.hdr(hdr.SerialNum), nil)
	tr0.recv(proto.FinReq, 99, e.hdr(1), nil)
	drain(t, lv...)
	pollUntil(t, lv[0], func() bool { return e.h.count(EventSessionTeardown) == 1 })
	drain(t, lv...)

	require.Equal(t, StateClosed, c0.State())
	require.Equal(t, 1, e.h.count(EventSessionRejected))
	require.Equal(t, 3, e.h.count(EventConnectionTeardown))
	require.Equal(t, 1, e.h.count(EventSessionTeardown))
	require.Equal(t, 0, e.h.count(EventConnectionEstablished))
	require.Empty(t, e.h.established)
	require.Equal(t, proto.SessionRejected, e.h.lastEvent(t, EventSessionTeardown).Reason)
	for _, ev := range e.h.events {
		if ev.Event == EventConnectionTeardown {
			require.Equal(t, proto.SessionRejected, ev.Reason)
		}
	}
	require.Len(t, e.drv.all(), 1)
}

// refusal of the lead refuses all connections, each on its own loop.
func TestSessionRefusedAll(t *testing.T) {
	lv := []*xloop.Loop{xloop.New("c0"), xloop.New("c1")}
	for _, l := range lv {
		defer l.Close()
	}
	e := newClient(t, Options{})
	e.drv.refuse = errors.New("connection refused")

	c0, err := e.s.Connect(lv[0], 0, nil)
	require.NoError(t, err)
	c1, err := e.s.Connect(lv[1], 1, nil)
	require.NoError(t, err)
	drain(t, lv...)

	require.Equal(t, SessionRefused, e.s.State())
	require.Equal(t, StateDisconnected, c0.State())
	require.Equal(t, StateDisconnected, c1.State())
	require.Equal(t, 2, e.h.count(EventConnectionRefused))
	require.Equal(t, 2, e.h.count(EventConnectionTeardown))
	require.Equal(t, 1, e.h.count(EventSessionTeardown))
	for _, ev := range e.h.events {
		require.Equal(t, proto.SessionRefused, ev.Reason, "%s", ev.Event)
	}
}

// messages queued before accept with portals go over the portal connections
// once the session is online.
func TestSessionPortalsQueued(t *testing.T) {
	lv := []*xloop.Loop{xloop.New("c0"), xloop.New("c1")}
	for _, l := range lv {
		defer l.Close()
	}
	e := newClient(t, Options{})

	c0, tr0 := e.xconnect(lv[0], 0)
	c1, err := e.s.Connect(lv[1], 1, 1)
	require.NoError(t, err)
	m0, m1 := newMsgData("from lead"), newMsgData("from second")
	require.NoError(t, c0.SendRequest(m0))
	require.NoError(t, c1.SendRequest(m1))
	drain(t, lv...)

	portals := []string{"tcp://p:1", "tcp://p:2"}
	e.setupRsp(tr0, proto.SetupRsp{SessionID: tPeerSID, Action: proto.ActionAccept, Portals: portals})
	drain(t, lv...)

	// the handshake leg carries nothing of the queued messages
	require.Equal(t, []proto.MsgType{proto.SessionSetupReq, proto.FinReq}, tr0.frames())

	var trv []*fakeTransport
	for _, portal := range portals {
		v := e.drv.transports(portal)
		require.Len(t, v, 1)
		trv = append(trv, v[0])
	}
	for _, tr := range trv {
		require.Equal(t, []proto.MsgType{proto.ConnHelloReq}, tr.frames())
		hello, hdr, _ := tr.lastSent(t, proto.ConnHelloReq)
		tr.recv(proto.ConnHelloRsp, hello.Tid, e.hdr(hdr.SerialNum), nil)
		drain(t, lv...)
	}
	require.Equal(t, SessionOnline, e.s.State())

	for i, m := range []*Msg{m0, m1} {
		tr := trv[i]
		require.Equal(t, []proto.MsgType{proto.ConnHelloReq, proto.MsgReq}, tr.frames())
		_, hdr, body := tr.lastSent(t, proto.MsgReq)
		require.Equal(t, uint32(tPeerSID), hdr.DestSessionID)
		require.Equal(t, m.SN, hdr.SerialNum)
		require.Equal(t, string(m.Out.Data), appData(t, body))
	}
	require.Empty(t, e.h.msgErrs)
	require.Equal(t, 1, c0.inflightReqs.len())
	require.Equal(t, 1, c1.inflightReqs.len())
}

// both sides close at the same time: FIN crosses FIN.
func TestSimultaneousClose(t *testing.T) {
	l := xloop.New("c0")
	defer l.Close()
	e := newClient(t, Options{TimeWait: time.Millisecond})
	c, tr := e.xonline(l)

	require.NoError(t, c.Disconnect())
	drain(t, l)
	require.Equal(t, StateFinWait1, c.State())
	fin, hdr, _ := tr.lastSent(t, proto.FinReq)

	// peer's FIN before the ACK of ours
	tr.recv(proto.FinReq, 33, e.hdr(8), nil)
	drain(t, l)
	require.Equal(t, StateClosing, c.State())
	ack, _, _ := tr.lastSent(t, proto.FinRsp)
	require.Equal(t, uint32(33), ack.Tid)

	tr.recv(proto.FinRsp, fin.Tid, e.hdr(hdr.SerialNum), nil)
	drain(t, l)
	require.Equal(t, StateTimeWait, c.State())
	require.Equal(t, 0, e.h.count(EventConnectionTeardown))

	pollUntil(t, l, func() bool { return e.h.count(EventSessionTeardown) == 1 })
	drain(t, l)

	require.Equal(t, StateClosed, c.State())
	require.Equal(t, []SessionEvent{
		EventConnectionEstablished,
		EventConnectionClosed,
		EventConnectionTeardown,
		EventSessionTeardown,
	}, e.h.eventv())
	require.Equal(t, []proto.MsgType{proto.SessionSetupReq, proto.FinReq, proto.FinRsp}, tr.frames())
	require.True(t, tr.isClosed())
}

func TestNewSessionErrors(t *testing.T) {
	_, err := NewSession(tURI, nil, nil, &Options{Driver: &fakeDriver{}})
	require.Error(t, err)
	require.Contains(t, err.Error(), `xio: new session "tcp://srv:1/data"`)
	require.Contains(t, err.Error(), "nil handler")

	_, err = NewSession("nosuch://srv:1", nil, &tHandler{}, nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), `xio: new session "nosuch://srv:1"`)
}
