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

// Package transport defines the capability xio sessions use to move frames
// between peers, and provides the stream driver which implements it on top
// of any reliable stream network (TCP, unix sockets, in-process pipenet).
//
// A Transport is created by a Driver for a portal address and is bound to an
// execution context (xloop.Loop). All events about the transport - link
// established, frame received, frame written, link lost - are delivered to
// its Sink as work items on that loop, so a Sink never needs locking.
//
// Send never blocks: when the transport cannot take more frames it returns
// ErrAgain and the caller retries later.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gitter-badger/accelio/xio/proto"
	"github.com/gitter-badger/accelio/xio/xloop"
)

var (
	// ErrAgain is returned by Send when the transport is temporarily unable
	// to accept frames.
	ErrAgain = errors.New("transport: resource temporarily unavailable")

	ErrClosed       = errors.New("transport: closed")
	ErrFrameTooBig  = errors.New("transport: frame too big")
	ErrNotConnected = errors.New("transport: not connected")
)

// Frame is one unit of data exchanged via transport.
//
// On send the frame is encoded before Send returns, so the caller may reuse
// Payload right after. Owner and Seq are opaque to transport: they are echoed
// back in EvSendComplete.
type Frame struct {
	Type    proto.MsgType
	Flags   uint16
	Tid     uint32
	Payload []byte

	Owner interface{}
	Seq   uint64
}

func (f *Frame) String() string {
	return fmt.Sprintf("%v tid=%d [%d]", f.Type, f.Tid, len(f.Payload))
}

// Transport is a connection to a peer at transport level.
type Transport interface {
	// Connect starts connecting to the portal the transport was opened for.
	//
	// Connect does not wait for the link: success is reported with
	// EvEstablished and failure with EvRefused.
	Connect(ctx context.Context) error

	// Send queues frame for transmission.
	//
	// It must be called on the transport loop. ErrAgain is returned if the
	// frame cannot be queued now.
	Send(f *Frame) error

	// Update refreshes per-frame routing metadata before a frame is
	// retransmitted after reconnect.
	Update(f *Frame) error

	// Poll drives the transport loop - see xloop.Loop.Poll.
	Poll(min, max int, timeout time.Duration) (int, error)

	// Close closes the transport. EvClosed is delivered when done.
	Close() error

	Portal() string
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// Driver creates transports.
type Driver interface {
	// Open creates a client transport to portal.
	//
	// Events of the transport are delivered to sink on loop l.
	Open(l *xloop.Loop, portal string, sink Sink) (Transport, error)
}

// Sink receives events of a transport.
type Sink interface {
	OnTransportEvent(t Transport, ev Event)
}


// ---- events ----

// Event is one of Ev* types.
type Event interface {
	transportEvent()
}

type (
	// EvEstablished is raised when Connect succeeds.
	EvEstablished struct{}

	// EvRefused is raised when Connect fails.
	EvRefused struct{ Err error }

	// EvReconnected is raised when a broken link was transparently
	// reestablished. Frames queued but not yet written at the time link
	// broke are lost and have to be retransmitted.
	EvReconnected struct{}

	// EvDisconnected is raised when the link to peer is lost.
	EvDisconnected struct{ Err error }

	// EvError is raised on fatal transport error.
	EvError struct{ Err error }

	// EvClosed is raised after Close completes.
	EvClosed struct{}

	// EvRecv is raised for every received frame.
	EvRecv struct{ Frame *Frame }

	// EvSendComplete is raised when frame was written to the link.
	EvSendComplete struct {
		Owner interface{}
		Seq   uint64
	}
)

func (EvEstablished) transportEvent()  {}
func (EvRefused) transportEvent()      {}
func (EvReconnected) transportEvent()  {}
func (EvDisconnected) transportEvent() {}
func (EvError) transportEvent()        {}
func (EvClosed) transportEvent()       {}
func (EvRecv) transportEvent()         {}
func (EvSendComplete) transportEvent() {}


// ---- registry of drivers ----

var (
	drvMu       sync.Mutex
	drvRegistry = map[string]Driver{}
)

// Register registers driver to be used for portals with URL scheme.
func Register(scheme string, drv Driver) {
	drvMu.Lock()
	defer drvMu.Unlock()

	if _, already := drvRegistry[scheme]; already {
		panic(fmt.Errorf("xio transport with scheme %q was already registered", scheme))
	}

	drvRegistry[scheme] = drv
}

// Available returns list of all registered schemes.
//
// the returned list is sorted.
func Available() []string {
	drvMu.Lock()
	defer drvMu.Unlock()

	var schemev []string
	for scheme := range drvRegistry {
		schemev = append(schemev, scheme)
	}
	sort.Strings(schemev)
	return schemev
}

// Lookup returns driver registered for scheme.
func Lookup(scheme string) (Driver, error) {
	drvMu.Lock()
	defer drvMu.Unlock()

	drv, ok := drvRegistry[scheme]
	if !ok {
		return nil, fmt.Errorf("xio: transport: URL scheme \"%s://\" not supported", scheme)
	}
	return drv, nil
}

// ParsePortal splits portal of form "scheme://address[/resource]" into scheme
// and address.
func ParsePortal(portal string) (scheme, addr string, err error) {
	u, err := url.Parse(portal)
	if err != nil {
		return "", "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("xio: invalid portal %q", portal)
	}
	return u.Scheme, u.Host, nil
}
