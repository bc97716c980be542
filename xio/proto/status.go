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
// status codes

import (
	"fmt"

	"github.com/pkg/errors"
)

// Status is the result code of an xio operation or of a message delivery.
//
// Statuses travel on the wire (receipt result, reject reason, cancel result)
// and are also returned / notified to application as errors.
type Status uint32

const (
	StatusOK Status = iota
	InvalidArg
	NoBufs            // task pool exhausted
	TxQueueOverflow   // queue depth exceeded
	Shutdown          // connection is not active or is closing
	Permission        // operation not permitted in current state
	MsgSize           // message does not fit into a frame
	MsgFlushed        // message flushed back on teardown
	MsgDiscarded      // message discarded because connection is not active
	MsgCanceled
	MsgCancelFailed
	NotFound
	SessionRejected
	SessionRefused
	SessionDisconnected
	ConnectError
	Timeout
	PeerError
	ProtocolError
)

var statusText = [...]string{
	StatusOK:            "success",
	InvalidArg:          "invalid argument",
	NoBufs:              "no task buffers available",
	TxQueueOverflow:     "transmit queue overflow",
	Shutdown:            "connection is shut down",
	Permission:          "operation not permitted",
	MsgSize:             "message too big",
	MsgFlushed:          "message flushed",
	MsgDiscarded:        "message discarded",
	MsgCanceled:         "message canceled",
	MsgCancelFailed:     "message cancel failed",
	NotFound:            "not found",
	SessionRejected:     "session rejected",
	SessionRefused:      "session refused",
	SessionDisconnected: "session disconnected",
	ConnectError:        "connect error",
	Timeout:             "timeout",
	PeerError:           "peer error",
	ProtocolError:       "protocol error",
}

func (s Status) String() string {
	if int(s) < len(statusText) {
		return statusText[s]
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

func (s Status) Error() string {
	return "xio: " + s.String()
}

// StatusOf returns Status carried by err.
//
// err is unwrapped to its cause; Unwrap chains below that are searched too.
// If no Status is found PeerError is returned. nil error gives StatusOK.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var s Status
	if errors.As(errors.Cause(err), &s) {
		return s
	}
	return PeerError
}
