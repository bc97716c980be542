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

// Package proto provides definitions of xio wire messages and headers.
//
// Every unit on the wire is a frame: FrameHdr followed by frame payload. The
// payload of a frame starts with SessionHdr. For session setup, cancel and
// application messages the session header is followed by a type-specific
// body - see SetupReq, SetupRsp, CancelHdr and AppBody.
//
// All integers are in network byte order.
package proto

import (
	"fmt"
	"unsafe"

	"github.com/gitter-badger/accelio/internal/packed"
)

// Version is the protocol version exchanged at link handshake.
const Version uint32 = 1

// MsgType identifies kind of a message.
type MsgType uint16

const (
	typeRequest  MsgType = 1 << 12
	typeResponse MsgType = 1 << 13
)

const (
	SessionSetupReq MsgType = typeRequest | 1
	SessionSetupRsp MsgType = typeResponse | 1
	ConnHelloReq    MsgType = typeRequest | 2
	ConnHelloRsp    MsgType = typeResponse | 2
	FinReq          MsgType = typeRequest | 3
	FinRsp          MsgType = typeResponse | 3
	MsgReq          MsgType = typeRequest | 4
	MsgRsp          MsgType = typeResponse | 4
	OneWayReq       MsgType = typeRequest | 5
	OneWayRsp       MsgType = typeResponse | 5 // receipt
	CancelReq       MsgType = typeRequest | 6
	CancelRsp       MsgType = typeResponse | 6
)

// IsRequest returns whether message of type t expects a response.
func (t MsgType) IsRequest() bool { return t&typeRequest != 0 }

// IsResponse returns whether message of type t answers a request.
func (t MsgType) IsResponse() bool { return t&typeResponse != 0 }

// IsApplication returns whether messages of type t are visible to application.
//
// Receipts are not: they only confirm delivery of a one-way message.
func (t MsgType) IsApplication() bool {
	switch t {
	case MsgReq, MsgRsp, OneWayReq:
		return true
	}
	return false
}

// Reverse returns type of the response that answers request of type t.
func (t MsgType) Reverse() MsgType {
	return t&^typeRequest | typeResponse
}

var msgTypeName = map[MsgType]string{
	SessionSetupReq: "SessionSetupReq",
	SessionSetupRsp: "SessionSetupRsp",
	ConnHelloReq:    "ConnHelloReq",
	ConnHelloRsp:    "ConnHelloRsp",
	FinReq:          "FinReq",
	FinRsp:          "FinRsp",
	MsgReq:          "MsgReq",
	MsgRsp:          "MsgRsp",
	OneWayReq:       "OneWayReq",
	OneWayRsp:       "OneWayRsp",
	CancelReq:       "CancelReq",
	CancelRsp:       "CancelRsp",
}

func (t MsgType) String() string {
	if s, ok := msgTypeName[t]; ok {
		return s
	}
	return fmt.Sprintf("MsgType(%#04x)", uint16(t))
}

// Valid returns whether t is one of known message types.
func (t MsgType) Valid() bool {
	_, ok := msgTypeName[t]
	return ok
}


// ---- frame ----

// FrameHdr is the header of every frame on the wire.
//
// Tid is the task id of the sender for requests, and the task id of the
// original requester for responses.
type FrameHdr struct {
	Type  packed.BE16
	Flags packed.BE16
	Tid   packed.BE32
	Len   packed.BE32 // length of payload following the header
}

const FrameHdrLen = 12

// FrameMaxSize is the maximum size of a frame including its header.
const FrameMaxSize = 1<<24 - 1

// frame flags
const (
	FrameCompressed uint16 = 1 << 0
)

// FrameHeader returns view of frame header stored at the beginning of b.
//
// len(b) must be >= FrameHdrLen.
func FrameHeader(b []byte) *FrameHdr {
	_ = b[FrameHdrLen-1]
	return (*FrameHdr)(unsafe.Pointer(&b[0]))
}


// ---- session header ----

// Session header flags.
const (
	HdrReadReceipt uint16 = 1 << 0 // one-way message asks for receipt
	HdrRspFirst    uint16 = 1 << 1 // receipt / first part of a response
	HdrRspLast     uint16 = 1 << 2 // last part of a response
)

// SessionHdr is the session-level header that starts payload of every frame.
type SessionHdr struct {
	SerialNum     uint64
	Flags         uint16
	DestSessionID uint32
	ReceiptResult Status
}

const SessionHdrLen = 18

type sessionHdrWire struct {
	sn      packed.BE64
	flags   packed.BE16
	dest    packed.BE32
	receipt packed.BE32
}

// Encode writes h into b[:SessionHdrLen].
func (h *SessionHdr) Encode(b []byte) {
	_ = b[SessionHdrLen-1]
	w := (*sessionHdrWire)(unsafe.Pointer(&b[0]))
	w.sn = packed.Hton64(h.SerialNum)
	w.flags = packed.Hton16(h.Flags)
	w.dest = packed.Hton32(h.DestSessionID)
	w.receipt = packed.Hton32(uint32(h.ReceiptResult))
}

// Decode reads h from b and returns number of bytes consumed.
func (h *SessionHdr) Decode(b []byte) (int, error) {
	if len(b) < SessionHdrLen {
		return 0, ErrDecodeOverflow
	}
	w := (*sessionHdrWire)(unsafe.Pointer(&b[0]))
	h.SerialNum = packed.Ntoh64(w.sn)
	h.Flags = packed.Ntoh16(w.flags)
	h.DestSessionID = packed.Ntoh32(w.dest)
	h.ReceiptResult = Status(packed.Ntoh32(w.receipt))
	return SessionHdrLen, nil
}

func (h *SessionHdr) String() string {
	return fmt.Sprintf("sn=%d flags=%#x dest=%d receipt=%v", h.SerialNum, h.Flags, h.DestSessionID, h.ReceiptResult)
}


// ---- cancel ----

// CancelHdr identifies request to be canceled.
type CancelHdr struct {
	SN                 uint64
	RequesterSessionID uint32
	ResponderSessionID uint32
}

const CancelHdrLen = 16

// CancelBody is the payload of CancelReq and CancelRsp.
//
// Result is meaningful only for CancelRsp.
type CancelBody struct {
	Hdr    CancelHdr
	Result Status
}

const CancelBodyLen = CancelHdrLen + 4

type cancelBodyWire struct {
	sn        packed.BE64
	requester packed.BE32
	responder packed.BE32
	result    packed.BE32
}

func (c *CancelBody) Encode(b []byte) {
	_ = b[CancelBodyLen-1]
	w := (*cancelBodyWire)(unsafe.Pointer(&b[0]))
	w.sn = packed.Hton64(c.Hdr.SN)
	w.requester = packed.Hton32(c.Hdr.RequesterSessionID)
	w.responder = packed.Hton32(c.Hdr.ResponderSessionID)
	w.result = packed.Hton32(uint32(c.Result))
}

func (c *CancelBody) Decode(b []byte) (int, error) {
	if len(b) < CancelBodyLen {
		return 0, ErrDecodeOverflow
	}
	w := (*cancelBodyWire)(unsafe.Pointer(&b[0]))
	c.Hdr.SN = packed.Ntoh64(w.sn)
	c.Hdr.RequesterSessionID = packed.Ntoh32(w.requester)
	c.Hdr.ResponderSessionID = packed.Ntoh32(w.responder)
	c.Result = Status(packed.Ntoh32(w.result))
	return CancelBodyLen, nil
}
