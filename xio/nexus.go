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
	"context"
	"fmt"
	"sync"

	"lab.nexedi.com/kirr/go123/xerr"

	"github.com/gitter-badger/accelio/internal/log"
	taskctx "github.com/gitter-badger/accelio/internal/xcontext/task"
	"github.com/gitter-badger/accelio/xio/proto"
	"github.com/gitter-badger/accelio/xio/transport"
	"github.com/gitter-badger/accelio/xio/xloop"
)

type nexusState int

const (
	nexusInit nexusState = iota
	nexusConnecting
	nexusEstablished
	nexusDown
)

// Nexus is a transport-level connection.
//
// A client nexus may be shared by several sessions that connect to the same
// portal from the same loop. Frames received on a nexus are dispatched to
// connections by destination session id.
type Nexus struct {
	id     uint32
	loop   *xloop.Loop
	portal string
	tr     transport.Transport
	pool   *TaskPool
	srv    *Server // server that accepted the nexus; nil on client side

	refs   int  // connections using the nexus; protected by nexus cache lock
	closed bool // protected by nexus cache lock

	// everything below is accessed only from loop
	state     nexusState
	observers map[uint32]*Connection // local session id -> connection
}

func newNexus(l *xloop.Loop, portal string, poolSize int) *Nexus {
	return &Nexus{
		loop:      l,
		portal:    portal,
		pool:      NewTaskPool(poolSize),
		observers: make(map[uint32]*Connection),
	}
}

func (n *Nexus) String() string {
	return fmt.Sprintf("nexus #%d %s", n.id, n.portal)
}

// ID returns nexus id in the nexus cache.
func (n *Nexus) ID() uint32 { return n.id }

// Portal returns address of the peer.
func (n *Nexus) Portal() string { return n.portal }

// Loop returns loop the nexus is bound to.
func (n *Nexus) Loop() *xloop.Loop { return n.loop }

func (n *Nexus) ctx() context.Context {
	return taskctx.Of(n)
}

// openNexus returns nexus to portal bound to loop l.
//
// If reuse is true an already open nexus to the same portal on l is returned
// if there is one. The caller owns one reference of the returned nexus.
func openNexus(l *xloop.Loop, portal string, opts *Options, reuse bool) (*Nexus, error) {
	if reuse {
		if n := nexusCache.acquire(l, portal); n != nil {
			return n, nil
		}
	}

	drv, err := opts.driver(portal)
	if err != nil {
		return nil, err
	}

	n := newNexus(l, portal, opts.TaskPoolSize)
	tr, err := drv.Open(l, portal, n)
	if err != nil {
		return nil, err
	}
	n.tr = tr
	n.refs = 1
	nexusCache.Add(n)
	return n, nil
}

// newServerNexus wraps transport accepted by srv.
func newServerNexus(srv *Server, tr transport.Transport) *Nexus {
	portal := tr.Portal()
	if addr := tr.RemoteAddr(); addr != nil {
		portal = addr.String()
	}
	n := newNexus(srv.loop, portal, srv.opts.TaskPoolSize)
	n.srv = srv
	n.tr = tr
	n.state = nexusEstablished
	nexusCache.Add(n)
	return n
}

// get adds a reference to n.
func (n *Nexus) get() {
	nexusCache.mu.Lock()
	n.refs++
	nexusCache.mu.Unlock()
}

// put drops a reference to n and closes it when that was the last one.
func (n *Nexus) put() {
	nexusCache.mu.Lock()
	n.refs--
	last := (n.refs <= 0 && !n.closed)
	if last {
		n.closed = true
		nexusCache.remove(n)
	}
	nexusCache.mu.Unlock()

	if last {
		n.shutdown()
	}
}

// closeNow closes n regardless of its references.
func (n *Nexus) closeNow() {
	nexusCache.mu.Lock()
	already := n.closed
	n.closed = true
	nexusCache.remove(n)
	nexusCache.mu.Unlock()

	if !already {
		n.shutdown()
	}
}

func (n *Nexus) shutdown() {
	if n.srv != nil {
		n.srv.forget(n)
	}
	if err := n.tr.Close(); err != nil {
		log.Warning(n.ctx(), err)
	}
}

// attach makes c receive frames addressed to its session.
func (n *Nexus) attach(c *Connection) {
	n.observers[c.session.id] = c
}

func (n *Nexus) detach(c *Connection) {
	if n.observers[c.session.id] == c {
		delete(n.observers, c.session.id)
	}
}

// connect makes sure the nexus is connecting and arranges for c to be
// notified when it is established.
func (n *Nexus) connect(c *Connection) error {
	switch n.state {
	case nexusInit:
		n.state = nexusConnecting
		return n.tr.Connect(context.Background())

	case nexusEstablished:
		n.loop.Schedule(func() {
			if c.nexus == n {
				c.onNexusEstablished()
			}
		})

	case nexusDown:
		return transport.ErrClosed
	}
	return nil
}

func (n *Nexus) send(f *transport.Frame) error {
	return n.tr.Send(f)
}

// snapshot returns connections observing n.
func (n *Nexus) snapshot() []*Connection {
	connv := make([]*Connection, 0, len(n.observers))
	for _, c := range n.observers {
		connv = append(connv, c)
	}
	return connv
}

// OnTransportEvent implements transport.Sink.
func (n *Nexus) OnTransportEvent(t transport.Transport, ev transport.Event) {
	switch ev := ev.(type) {
	case transport.EvEstablished:
		n.state = nexusEstablished
		for _, c := range n.snapshot() {
			c.onNexusEstablished()
		}

	case transport.EvRefused:
		n.state = nexusDown
		log.Warningf(n.ctx(), "refused: %s", ev.Err)
		for _, c := range n.snapshot() {
			c.onNexusRefused(ev.Err)
		}

	case transport.EvReconnected:
		log.Infof(n.ctx(), "reconnected")
		for _, c := range n.snapshot() {
			c.restart()
		}

	case transport.EvDisconnected:
		n.state = nexusDown
		for _, c := range n.snapshot() {
			c.onNexusDisconnected(ev.Err)
		}
		if n.srv != nil && len(n.observers) == 0 {
			n.closeNow()
		}

	case transport.EvError:
		n.state = nexusDown
		log.Errorf(n.ctx(), "%s", ev.Err)
		for _, c := range n.snapshot() {
			c.onNexusError(ev.Err)
		}
		if n.srv != nil && len(n.observers) == 0 {
			n.closeNow()
		}

	case transport.EvClosed:
		n.state = nexusDown
		log.V(1).Infof(n.ctx(), "closed")

	case transport.EvSendComplete:
		t, ok := ev.Owner.(*Task)
		if !ok || t.free || t.gen != ev.Seq || t.conn == nil {
			return // stale
		}
		t.conn.onSendComplete(t)

	case transport.EvRecv:
		n.recv(ev.Frame)
	}
}

// recv dispatches received frame to connection it is addressed to.
func (n *Nexus) recv(f *transport.Frame) {
	var hdr proto.SessionHdr
	_, err := hdr.Decode(f.Payload)
	if err != nil {
		log.Errorf(n.ctx(), "recv %v: %s", f, err)
		return
	}
	body := f.Payload[proto.SessionHdrLen:]

	c := n.observers[hdr.DestSessionID]
	if c == nil {
		if n.srv != nil {
			n.srv.onFrame(n, f, &hdr, body)
			return
		}
		log.Warningf(n.ctx(), "recv %v: no session %d", f, hdr.DestSessionID)
		return
	}
	c.onFrame(f, &hdr, body)
}


// ---- nexus cache ----

// NexusCache is the process-wide registry of open nexuses.
type NexusCache struct {
	mu     sync.Mutex
	lastID uint32
	byID   map[uint32]*Nexus
}

var nexusCache = &NexusCache{byID: make(map[uint32]*Nexus)}

// Nexuses returns the process-wide nexus cache.
func Nexuses() *NexusCache {
	return nexusCache
}

// InitNexusCache resets the nexus cache to be empty.
//
// Nexuses registered before are forgotten but not closed.
func InitNexusCache() {
	nexusCache.mu.Lock()
	defer nexusCache.mu.Unlock()
	nexusCache.byID = make(map[uint32]*Nexus)
}

// ShutdownNexusCache closes all nexuses in the cache and empties it.
func ShutdownNexusCache() (err error) {
	defer xerr.Context(&err, "xio: shutdown nexus cache")

	nexusCache.mu.Lock()
	var toClose []*Nexus
	for id, n := range nexusCache.byID {
		if !n.closed {
			n.closed = true
			toClose = append(toClose, n)
		}
		delete(nexusCache.byID, id)
	}
	nexusCache.mu.Unlock()

	var errv []error
	for _, n := range toClose {
		if n.srv != nil {
			n.srv.forget(n)
		}
		errv = append(errv, n.tr.Close())
	}
	return xerr.Merge(errv...)
}

// Add registers n in the cache and assigns it next id.
func (nc *NexusCache) Add(n *Nexus) uint32 {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	nc.lastID++
	n.id = nc.lastID
	nc.byID[n.id] = n
	return n.id
}

// Remove unregisters nexus with id from the cache.
//
// The nexus itself is not closed.
func (nc *NexusCache) Remove(id uint32) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	delete(nc.byID, id)
}

func (nc *NexusCache) remove(n *Nexus) {
	if nc.byID[n.id] == n {
		delete(nc.byID, n.id)
	}
}

// Lookup returns nexus with id, or nil.
func (nc *NexusCache) Lookup(id uint32) *Nexus {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.byID[id]
}

// Find returns client nexus bound to loop l and connected to portal, or nil.
//
// The search is linear in the number of open nexuses.
func (nc *NexusCache) Find(l *xloop.Loop, portal string) *Nexus {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return nc.find(l, portal)
}

func (nc *NexusCache) find(l *xloop.Loop, portal string) *Nexus {
	for _, n := range nc.byID {
		if n.loop == l && n.portal == portal && n.srv == nil && !n.closed {
			return n
		}
	}
	return nil
}

// acquire is Find + get under one lock.
func (nc *NexusCache) acquire(l *xloop.Loop, portal string) *Nexus {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	n := nc.find(l, portal)
	if n != nil {
		n.refs++
	}
	return n
}

// Len returns number of nexuses in the cache.
func (nc *NexusCache) Len() int {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	return len(nc.byID)
}
