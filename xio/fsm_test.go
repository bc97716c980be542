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
	"testing"
)

func TestFinTransition(t *testing.T) {
	testv := []struct {
		state   ConnState
		ack     bool
		next    ConnState
		sendAck bool
		ok      bool
	}{
		// passive close
		{StateOnline, false, StateCloseWait, true, true},
		{StateLastAck, true, StateClosed, false, true},

		// active close
		{StateFinWait1, true, StateFinWait2, false, true},
		{StateFinWait2, false, StateTimeWait, true, true},

		// simultaneous close
		{StateFinWait1, false, StateClosing, true, true},
		{StateClosing, true, StateTimeWait, false, true},

		// invalid
		{StateOnline, true, StateOnline, false, false},
		{StateInit, false, StateInit, false, false},
		{StateFinWait2, true, StateFinWait2, false, false},
		{StateClosing, false, StateClosing, false, false},
		{StateCloseWait, false, StateCloseWait, false, false},
		{StateTimeWait, true, StateTimeWait, false, false},
		{StateClosed, false, StateClosed, false, false},
	}

	for _, tt := range testv {
		next, sendAck, ok := finTransition(tt.state, tt.ack)
		if !(next == tt.next && sendAck == tt.sendAck && ok == tt.ok) {
			t.Errorf("%s +ack=%v: got (%s, %v, %v); want (%s, %v, %v)",
				tt.state, tt.ack, next, sendAck, ok, tt.next, tt.sendAck, tt.ok)
		}
	}
}

func TestConnStateProperties(t *testing.T) {
	destroyable := map[ConnState]bool{
		StateInit:         true,
		StateCloseWait:    true,
		StateClosed:       true,
		StateDisconnected: true,
		StateError:        true,
	}
	sendable := map[ConnState]bool{
		StateInit:        true,
		StateEstablished: true,
		StateOnline:      true,
	}

	for s := StateInit; s <= StateInvalid; s++ {
		if s.canDestroy() != destroyable[s] {
			t.Errorf("%s: canDestroy = %v", s, s.canDestroy())
		}
		if s.acceptsSend() != sendable[s] {
			t.Errorf("%s: acceptsSend = %v", s, s.acceptsSend())
		}
	}

	if s := ConnState(100).String(); s != "INVALID" {
		t.Errorf("ConnState(100): %q", s)
	}
	if s := SessionState(-1).String(); s != "?" {
		t.Errorf("SessionState(-1): %q", s)
	}
	if s := SessionAccepted.String(); s != "ACCEPTED" {
		t.Errorf("SessionAccepted: %q", s)
	}
}
