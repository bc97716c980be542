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

package proto
// encoding of session setup and application message bodies

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// ErrDecodeOverflow is the error returned when a body ends prematurely.
var ErrDecodeOverflow = errors.New("decode: buffer overflow")

// Action is the verdict a server gives to a session setup request.
type Action uint16

const (
	ActionAccept Action = iota
	ActionRedirect
	ActionReject
)

func (a Action) String() string {
	switch a {
	case ActionAccept:
		return "accept"
	case ActionRedirect:
		return "redirect"
	case ActionReject:
		return "reject"
	}
	return "action(?)"
}

// SetupReq is the body of SessionSetupReq.
//
//	session_id(32) | uri_len(16) | private_len(16) | uri | private
type SetupReq struct {
	SessionID   uint32
	URI         string
	PrivateData []byte
}

// Encode appends encoded r to b.
func (r *SetupReq) Encode(b []byte) ([]byte, error) {
	if len(r.URI) > math.MaxUint16 {
		return nil, errors.Errorf("setup request: uri too long (%d)", len(r.URI))
	}
	if len(r.PrivateData) > math.MaxUint16 {
		return nil, errors.Errorf("setup request: private data too long (%d)", len(r.PrivateData))
	}
	b = be32(b, r.SessionID)
	b = be16(b, uint16(len(r.URI)))
	b = be16(b, uint16(len(r.PrivateData)))
	b = append(b, r.URI...)
	b = append(b, r.PrivateData...)
	return b, nil
}

func (r *SetupReq) Decode(data []byte) error {
	d := decoder{data: data}
	r.SessionID = d.u32()
	uriLen := d.u16()
	privLen := d.u16()
	r.URI = string(d.bytes(int(uriLen)))
	r.PrivateData = d.clone(int(privLen))
	return errors.Wrap(d.err, "setup request")
}

// SetupRsp is the body of SessionSetupRsp.
//
//	peer_session_id(32) | action(16) | ...
//
// and then depending on action:
//
//	accept:   portals_len(16) | private_len(16) | [len(16) portal]* | private
//	redirect: services_len(16) | private_len(16) | [len(16) service]*
//	reject:   reason(32) | private_len(16) | private
type SetupRsp struct {
	SessionID   uint32 // session id assigned by the responder
	Action      Action
	Portals     []string // accept: portals; redirect: services
	PrivateData []byte
	Reason      Status // reject
}

func (r *SetupRsp) Encode(b []byte) ([]byte, error) {
	if len(r.Portals) > math.MaxUint16 || len(r.PrivateData) > math.MaxUint16 {
		return nil, errors.New("setup response: too many portals or private data too long")
	}
	b = be32(b, r.SessionID)
	b = be16(b, uint16(r.Action))

	switch r.Action {
	case ActionAccept, ActionRedirect:
		b = be16(b, uint16(len(r.Portals)))
		priv := r.PrivateData
		if r.Action == ActionRedirect {
			priv = nil
		}
		b = be16(b, uint16(len(priv)))
		for _, p := range r.Portals {
			if len(p) > math.MaxUint16 {
				return nil, errors.Errorf("setup response: portal too long (%d)", len(p))
			}
			b = be16(b, uint16(len(p)))
			b = append(b, p...)
		}
		b = append(b, priv...)

	case ActionReject:
		b = be32(b, uint32(r.Reason))
		b = be16(b, uint16(len(r.PrivateData)))
		b = append(b, r.PrivateData...)

	default:
		return nil, errors.Errorf("setup response: invalid action %d", r.Action)
	}

	return b, nil
}

func (r *SetupRsp) Decode(data []byte) error {
	d := decoder{data: data}
	r.SessionID = d.u32()
	r.Action = Action(d.u16())
	r.Portals = nil
	r.PrivateData = nil
	r.Reason = StatusOK

	switch r.Action {
	case ActionAccept, ActionRedirect:
		n := d.u16()
		privLen := d.u16()
		for i := 0; i < int(n) && d.err == nil; i++ {
			l := d.u16()
			r.Portals = append(r.Portals, string(d.bytes(int(l))))
		}
		if r.Action == ActionAccept {
			r.PrivateData = d.clone(int(privLen))
		}

	case ActionReject:
		r.Reason = Status(d.u32())
		privLen := d.u16()
		r.PrivateData = d.clone(int(privLen))

	default:
		if d.err == nil {
			return errors.Errorf("setup response: invalid action %d", r.Action)
		}
	}

	return errors.Wrap(d.err, "setup response")
}

// AppBody is the body of application messages (MsgReq, MsgRsp, OneWayReq).
//
//	header_len(16) | data_len(32) | header | data
type AppBody struct {
	Header []byte
	Data   []byte
}

// Len returns length of encoded b.
func (a *AppBody) Len() int {
	return 6 + len(a.Header) + len(a.Data)
}

func (a *AppBody) Encode(b []byte) ([]byte, error) {
	if len(a.Header) > math.MaxUint16 {
		return nil, errors.Errorf("message header too long (%d)", len(a.Header))
	}
	if uint64(len(a.Data)) > math.MaxUint32 {
		return nil, errors.Errorf("message data too long (%d)", len(a.Data))
	}
	b = be16(b, uint16(len(a.Header)))
	b = be32(b, uint32(len(a.Data)))
	b = append(b, a.Header...)
	b = append(b, a.Data...)
	return b, nil
}

// Decode decodes a from data.
//
// The header and data of a alias data.
func (a *AppBody) Decode(data []byte) error {
	d := decoder{data: data}
	hlen := d.u16()
	dlen := d.u32()
	a.Header = d.bytes(int(hlen))
	a.Data = d.bytes(int(dlen))
	return errors.Wrap(d.err, "message body")
}


// ---- encoding helpers ----

func be16(b []byte, v uint16) []byte {
	var x [2]byte
	binary.BigEndian.PutUint16(x[:], v)
	return append(b, x[:]...)
}

func be32(b []byte, v uint32) []byte {
	var x [4]byte
	binary.BigEndian.PutUint32(x[:], v)
	return append(b, x[:]...)
}

// decoder reads big-endian fields; on first overflow it sticks to error state.
type decoder struct {
	data []byte
	err  error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if n < 0 || len(d.data) < n {
		d.err = ErrDecodeOverflow
		return false
	}
	return true
}

func (d *decoder) u16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(d.data)
	d.data = d.data[2:]
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.data)
	d.data = d.data[4:]
	return v
}

func (d *decoder) bytes(n int) []byte {
	if !d.need(n) {
		return nil
	}
	v := d.data[:n:n]
	d.data = d.data[n:]
	return v
}

func (d *decoder) clone(n int) []byte {
	v := d.bytes(n)
	if len(v) == 0 {
		return nil
	}
	return append([]byte(nil), v...)
}
