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

// ConnState is state of a Connection.
type ConnState int

const (
	StateInit ConnState = iota
	StateEstablished
	StateOnline
	StateFinWait1
	StateFinWait2
	StateClosing
	StateTimeWait
	StateCloseWait
	StateLastAck
	StateClosed
	StateDisconnected
	StateError
	StateInvalid
)

var connStateStr = [...]string{
	StateInit:         "INIT",
	StateEstablished:  "ESTABLISHED",
	StateOnline:       "ONLINE",
	StateFinWait1:     "FIN_WAIT_1",
	StateFinWait2:     "FIN_WAIT_2",
	StateClosing:      "CLOSING",
	StateTimeWait:     "TIME_WAIT",
	StateCloseWait:    "CLOSE_WAIT",
	StateLastAck:      "LAST_ACK",
	StateClosed:       "CLOSED",
	StateDisconnected: "DISCONNECTED",
	StateError:        "ERROR",
	StateInvalid:      "INVALID",
}

func (s ConnState) String() string {
	if s < 0 || int(s) >= len(connStateStr) {
		return "INVALID"
	}
	return connStateStr[s]
}

// finTransition applies FIN (ack=false) or FIN-ACK (ack=true) received in
// state s.
//
// It returns the next state and whether FIN-ACK has to be sent back. ok=false
// means the transition is not valid and the connection must stay in s.
func finTransition(s ConnState, ack bool) (next ConnState, sendAck bool, ok bool) {
	switch {
	case s == StateOnline && !ack:
		return StateCloseWait, true, true

	case s == StateFinWait1 && !ack:
		return StateClosing, true, true
	case s == StateFinWait1 && ack:
		return StateFinWait2, false, true

	case s == StateFinWait2 && !ack:
		return StateTimeWait, true, true

	case s == StateClosing && ack:
		return StateTimeWait, false, true

	case s == StateLastAck && ack:
		return StateClosed, false, true
	}

	return s, false, false
}

// canDestroy reports whether connection in state s may be destroyed.
func (s ConnState) canDestroy() bool {
	switch s {
	case StateInit, StateCloseWait, StateClosed, StateDisconnected, StateError:
		return true
	}
	return false
}

// acceptsSend reports whether new application messages may be queued in state s.
func (s ConnState) acceptsSend() bool {
	switch s {
	case StateOnline, StateEstablished, StateInit:
		return true
	}
	return false
}


// SessionState is state of a Session.
type SessionState int

const (
	SessionInit SessionState = iota
	SessionConnect
	SessionRedirected
	SessionAccepted
	SessionOnline
	SessionRejected
	SessionRefused
	SessionClosing
)

var sessionStateStr = [...]string{
	SessionInit:       "INIT",
	SessionConnect:    "CONNECT",
	SessionRedirected: "REDIRECTED",
	SessionAccepted:   "ACCEPTED",
	SessionOnline:     "ONLINE",
	SessionRejected:   "REJECTED",
	SessionRefused:    "REFUSED",
	SessionClosing:    "CLOSING",
}

func (s SessionState) String() string {
	if s < 0 || int(s) >= len(sessionStateStr) {
		return "?"
	}
	return sessionStateStr[s]
}
