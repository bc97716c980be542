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

	"github.com/gitter-badger/accelio/xio/proto"
)

// VMsg is one direction of a message: application header and data.
type VMsg struct {
	Header []byte
	Data   []byte
}

func (v *VMsg) len() int {
	return len(v.Header) + len(v.Data)
}

// MsgFlags are per-message flags.
type MsgFlags uint16

const (
	// MsgFlagReadReceipt asks peer to acknowledge delivery of a one-way message.
	MsgFlagReadReceipt = MsgFlags(proto.HdrReadReceipt)
	MsgFlagRspFirst    = MsgFlags(proto.HdrRspFirst)
	MsgFlagRspLast     = MsgFlags(proto.HdrRspLast)
)

// Msg is a message exchanged over a connection.
//
// For outgoing messages the application fills Out (and Request for
// responses). Incoming messages have In filled by the library.
//
// A message is on at most one queue of its connection at a time.
type Msg struct {
	link list.Head // on connection queue or free pool; must be first

	Type  proto.MsgType
	SN    uint64
	Flags MsgFlags

	Out VMsg
	In  VMsg

	// Request is, for a response, the request it answers.
	Request *Msg

	// Next chains messages for SendRequest / SendResponse.
	Next *Msg

	UserContext   interface{}
	ReceiptResult proto.Status

	conn    *Connection
	task    *Task
	peerTid uint32 // responses: tid of peer task to answer
	body    []byte // control messages: encoded body
	queued  bool   // on reqQ or rspQ (vs in flight)
	pooled  bool   // from connection one-way pool
}

func (m *Msg) String() string {
	return fmt.Sprintf("%v sn=%d", m.Type, m.SN)
}

// Conn returns connection the message is associated with.
func (m *Msg) Conn() *Connection {
	return m.conn
}

func (m *Msg) isReceipt() bool {
	return m.Type == proto.OneWayRsp
}

// countsQueued reports whether m is accounted in connection queued messages.
func (m *Msg) countsQueued() bool {
	return m.Type == proto.MsgReq || m.Type == proto.OneWayReq
}

func msgOf(h *list.Head) *Msg {
	return (*Msg)(unsafe.Pointer(h))
}


// msgList is FIFO of messages linked via Msg.link.
type msgList struct {
	list.Head
}

func (l *msgList) init() {
	l.Init()
}

func (l *msgList) empty() bool {
	return l.Next() == &l.Head
}

// front returns first message or nil.
func (l *msgList) front() *Msg {
	if l.empty() {
		return nil
	}
	return msgOf(l.Next())
}

func (l *msgList) pushBack(m *Msg) {
	m.link.MoveBefore(&l.Head)
}

func (l *msgList) len() int {
	n := 0
	for h := l.Next(); h != &l.Head; h = h.Next() {
		n++
	}
	return n
}

// foreach calls f for every message; f may remove the message it is called for.
func (l *msgList) foreach(f func(m *Msg)) {
	for h := l.Next(); h != &l.Head; {
		next := h.Next()
		f(msgOf(h))
		h = next
	}
}

// find returns message with serial number sn, or nil.
func (l *msgList) find(sn uint64) *Msg {
	for h := l.Next(); h != &l.Head; h = h.Next() {
		if m := msgOf(h); m.SN == sn {
			return m
		}
	}
	return nil
}

// spliceFront moves all messages of from to the front of l keeping their order.
func (l *msgList) spliceFront(from *msgList) {
	first := l.Next()
	for !from.empty() {
		m := from.front()
		m.link.MoveBefore(first)
	}
}

// newMsg returns new message not linked anywhere.
func newMsg() *Msg {
	m := &Msg{}
	m.link.Init()
	return m
}
