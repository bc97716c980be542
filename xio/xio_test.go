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
// infrastructure for protocol tests: recording transport driver and handler

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gitter-badger/accelio/xio/proto"
	"github.com/gitter-badger/accelio/xio/transport"
	"github.com/gitter-badger/accelio/xio/xloop"
)

// fakeDriver creates fakeTransports.
type fakeDriver struct {
	mu     sync.Mutex
	trv    []*fakeTransport
	refuse error // Connect of new transports fails with it
}

func (d *fakeDriver) Open(l *xloop.Loop, portal string, sink transport.Sink) (transport.Transport, error) {
	tr := &fakeTransport{loop: l, portal: portal, sink: sink}
	d.mu.Lock()
	tr.refuse = d.refuse
	d.trv = append(d.trv, tr)
	d.mu.Unlock()
	return tr, nil
}

// transports returns transports opened for portal in order of opening.
func (d *fakeDriver) transports(portal string) []*fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	var trv []*fakeTransport
	for _, tr := range d.trv {
		if tr.portal == portal {
			trv = append(trv, tr)
		}
	}
	return trv
}

func (d *fakeDriver) all() []*fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*fakeTransport(nil), d.trv...)
}

// fakeTransport records sent frames and lets tests inject events.
//
// Connect succeeds right away and every accepted frame is reported written.
type fakeTransport struct {
	loop   *xloop.Loop
	portal string
	sink   transport.Sink

	mu       sync.Mutex
	sent     []*transport.Frame // copies
	again    int                // that many next Sends return ErrAgain
	refuse   error              // Connect fails with it
	maxLen   int                // Send of bigger payload fails with ErrFrameTooBig
	fail     error              // Sends fail with it
	closeErr error              // Close returns it
	closed   bool
	updated  int
}

func (tr *fakeTransport) post(ev transport.Event) {
	tr.loop.Schedule(func() {
		tr.sink.OnTransportEvent(tr, ev)
	})
}

func (tr *fakeTransport) Connect(ctx context.Context) error {
	tr.mu.Lock()
	refuse := tr.refuse
	tr.mu.Unlock()
	if refuse != nil {
		tr.post(transport.EvRefused{Err: refuse})
	} else {
		tr.post(transport.EvEstablished{})
	}
	return nil
}

func (tr *fakeTransport) Send(f *transport.Frame) error {
	tr.mu.Lock()
	if tr.closed {
		tr.mu.Unlock()
		return transport.ErrClosed
	}
	if tr.fail != nil {
		err := tr.fail
		tr.mu.Unlock()
		return err
	}
	if tr.again > 0 {
		tr.again--
		tr.mu.Unlock()
		return transport.ErrAgain
	}
	if tr.maxLen > 0 && len(f.Payload) > tr.maxLen {
		tr.mu.Unlock()
		return transport.ErrFrameTooBig
	}
	fc := *f
	fc.Payload = append([]byte(nil), f.Payload...)
	tr.sent = append(tr.sent, &fc)
	tr.mu.Unlock()

	tr.post(transport.EvSendComplete{Owner: f.Owner, Seq: f.Seq})
	return nil
}

func (tr *fakeTransport) Update(f *transport.Frame) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.updated++
	return nil
}

func (tr *fakeTransport) Poll(min, max int, timeout time.Duration) (int, error) {
	return tr.loop.Poll(min, max, timeout)
}

func (tr *fakeTransport) Close() error {
	tr.mu.Lock()
	already := tr.closed
	tr.closed = true
	err := tr.closeErr
	tr.mu.Unlock()
	if !already {
		tr.post(transport.EvClosed{})
	}
	return err
}

func (tr *fakeTransport) Portal() string       { return tr.portal }
func (tr *fakeTransport) LocalAddr() net.Addr  { return nil }
func (tr *fakeTransport) RemoteAddr() net.Addr { return nil }

func (tr *fakeTransport) setAgain(n int) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.again = n
}

func (tr *fakeTransport) setFail(err error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.fail = err
}

func transportDisconnected() transport.Event {
	return transport.EvDisconnected{Err: io.ErrUnexpectedEOF}
}

func (tr *fakeTransport) isClosed() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.closed
}

// frames returns types of sent frames.
func (tr *fakeTransport) frames() []proto.MsgType {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var typev []proto.MsgType
	for _, f := range tr.sent {
		typev = append(typev, f.Type)
	}
	return typev
}

// lastSent returns last sent frame of type typ.
func (tr *fakeTransport) lastSent(t *testing.T, typ proto.MsgType) (*transport.Frame, proto.SessionHdr, []byte) {
	t.Helper()
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for i := len(tr.sent) - 1; i >= 0; i-- {
		f := tr.sent[i]
		if f.Type == typ {
			var hdr proto.SessionHdr
			_, err := hdr.Decode(f.Payload)
			require.NoError(t, err)
			return f, hdr, f.Payload[proto.SessionHdrLen:]
		}
	}
	t.Fatalf("%s: no %v frame sent (sent: %v)", tr.portal, typ, tr.sent)
	panic("unreachable")
}

// sentAll returns all sent frames of type typ.
func (tr *fakeTransport) sentAll(typ proto.MsgType) []*transport.Frame {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var fv []*transport.Frame
	for _, f := range tr.sent {
		if f.Type == typ {
			fv = append(fv, f)
		}
	}
	return fv
}

// recv injects frame received from peer.
func (tr *fakeTransport) recv(typ proto.MsgType, tid uint32, hdr proto.SessionHdr, body []byte) {
	payload := make([]byte, proto.SessionHdrLen, proto.SessionHdrLen+len(body))
	hdr.Encode(payload)
	payload = append(payload, body...)
	tr.post(transport.EvRecv{Frame: &transport.Frame{Type: typ, Tid: tid, Payload: payload}})
}

// recvApp injects application message received from peer.
func (tr *fakeTransport) recvApp(t *testing.T, typ proto.MsgType, tid uint32, hdr proto.SessionHdr, data string) {
	ab := proto.AppBody{Data: []byte(data)}
	body, err := ab.Encode(nil)
	require.NoError(t, err)
	tr.recv(typ, tid, hdr, body)
}

func appData(t *testing.T, body []byte) string {
	t.Helper()
	var ab proto.AppBody
	require.NoError(t, ab.Decode(body))
	return string(ab.Data)
}

// drain runs everything scheduled on loops without waiting for timers.
func drain(t *testing.T, loopv ...*xloop.Loop) {
	t.Helper()
	for {
		total := 0
		for _, l := range loopv {
			n, err := l.Poll(0, 0, 0)
			require.NoError(t, err)
			total += n
		}
		if total == 0 {
			return
		}
	}
}

// pollUntil drives l until cond becomes true.
func pollUntil(t *testing.T, l *xloop.Loop, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timeout")
		}
		_, err := l.Poll(1, 0, 10*time.Millisecond)
		require.NoError(t, err)
	}
}


// ---- handler ----

type msgErr struct {
	msg *Msg
	st  proto.Status
}

type cancelResult struct {
	msg    *Msg
	result proto.Status
}

// tHandler records everything reported to it.
//
// It is used only from the test goroutine which drives all loops.
type tHandler struct {
	events      []SessionEventData
	established [][]byte
	msgs        []*Msg
	msgErrs     []msgErr
	sendDone    []*Msg
	delivered   []*Msg
	canceled    []cancelResult
	cancelReqs  []*Msg
}

func (h *tHandler) OnSessionEvent(s *Session, ev SessionEventData) {
	h.events = append(h.events, ev)
}

func (h *tHandler) OnSessionEstablished(s *Session, priv []byte) {
	h.established = append(h.established, priv)
}

func (h *tHandler) OnMsg(s *Session, msg *Msg) {
	h.msgs = append(h.msgs, msg)
}

func (h *tHandler) OnMsgError(s *Session, st proto.Status, msg *Msg) {
	h.msgErrs = append(h.msgErrs, msgErr{msg, st})
}

func (h *tHandler) OnMsgSendComplete(s *Session, msg *Msg) {
	h.sendDone = append(h.sendDone, msg)
}

func (h *tHandler) OnMsgDelivered(s *Session, msg *Msg) {
	h.delivered = append(h.delivered, msg)
}

func (h *tHandler) OnCancel(s *Session, msg *Msg, result proto.Status) {
	h.canceled = append(h.canceled, cancelResult{msg, result})
}

func (h *tHandler) OnCancelRequest(s *Session, msg *Msg) {
	h.cancelReqs = append(h.cancelReqs, msg)
}

// eventv returns kinds of received events.
func (h *tHandler) eventv() []SessionEvent {
	var evv []SessionEvent
	for _, ev := range h.events {
		evv = append(evv, ev.Event)
	}
	return evv
}

// lastEvent returns last event of kind event.
func (h *tHandler) lastEvent(t *testing.T, event SessionEvent) SessionEventData {
	t.Helper()
	for i := len(h.events) - 1; i >= 0; i-- {
		if h.events[i].Event == event {
			return h.events[i]
		}
	}
	t.Fatalf("no %s event (have %v)", event, h.eventv())
	panic("unreachable")
}

func (h *tHandler) count(event SessionEvent) int {
	n := 0
	for _, ev := range h.events {
		if ev.Event == event {
			n++
		}
	}
	return n
}


// ---- client environment ----

const (
	tURI     = "tcp://srv:1/data"
	tPortal  = "tcp://srv:1"
	tPeerSID = 42
)

// tClient is client session over fake transports.
type tClient struct {
	t   *testing.T
	drv *fakeDriver
	h   *tHandler
	s   *Session
}

func newClient(t *testing.T, opts Options) *tClient {
	drv := &fakeDriver{}
	opts.Driver = drv
	h := &tHandler{}
	s := newSession(nextSessionID(), tURI, []byte("hello"), h, &opts)
	return &tClient{t: t, drv: drv, h: h, s: s}
}

// xconnect connects the session on l and runs it until setup request is sent.
func (e *tClient) xconnect(l *xloop.Loop, idx int) (*Connection, *fakeTransport) {
	t := e.t
	t.Helper()
	c, err := e.s.Connect(l, idx, idx)
	require.NoError(t, err)
	drain(t, l)

	trv := e.drv.all()
	require.NotEmpty(t, trv)
	return c, trv[len(trv)-1]
}

// setupRsp answers setup request sent over tr with rsp.
func (e *tClient) setupRsp(tr *fakeTransport, rsp proto.SetupRsp) {
	t := e.t
	t.Helper()
	f, hdr, _ := tr.lastSent(t, proto.SessionSetupReq)
	body, err := rsp.Encode(nil)
	require.NoError(t, err)
	tr.recv(proto.SessionSetupRsp, f.Tid, proto.SessionHdr{SerialNum: hdr.SerialNum, DestSessionID: e.s.id}, body)
}

// xonline brings single-connection session online on l.
func (e *tClient) xonline(l *xloop.Loop) (*Connection, *fakeTransport) {
	t := e.t
	t.Helper()
	c, tr := e.xconnect(l, 0)
	e.setupRsp(tr, proto.SetupRsp{SessionID: tPeerSID, Action: proto.ActionAccept})
	drain(t, l)
	require.Equal(t, SessionOnline, e.s.State())
	require.Equal(t, StateOnline, c.State())
	return c, tr
}

// hdr returns session header of a frame peer sends to the client.
func (e *tClient) hdr(sn uint64) proto.SessionHdr {
	return proto.SessionHdr{SerialNum: sn, DestSessionID: e.s.id}
}

func newMsgData(data string) *Msg {
	return &Msg{Out: VMsg{Data: []byte(data)}}
}
