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

package transport
// stream driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/jpillora/backoff"
	"github.com/jpillora/sizestr"
	"github.com/someonegg/gocontainer/rbuf"
	"lab.nexedi.com/kirr/go123/xerr"
	"lab.nexedi.com/kirr/go123/xnet"

	"github.com/gitter-badger/accelio/internal/log"
	taskctx "github.com/gitter-badger/accelio/internal/xcontext/task"
	"github.com/gitter-badger/accelio/xio/xloop"
)

// Options configures stream transports.
type Options struct {
	TxQueueLen int // how many encoded frames may wait for the writer; default 64

	// Compress is minimum payload size for frame compression; 0 disables it.
	Compress int

	ConnectRetries int           // additional dial attempts on Connect and on reconnect
	BackoffMax     time.Duration // upper bound for delay in between attempts; default 2s

	// Reconnect makes client stream reestablish a broken link and raise
	// EvReconnected instead of EvDisconnected.
	Reconnect bool

	// ReconnectTimeout bounds for how long a server keeps broken link of a
	// reconnectable client waiting to be reattached. default 5s.
	ReconnectTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	var opt Options
	if o != nil {
		opt = *o
	}
	if opt.TxQueueLen <= 0 {
		opt.TxQueueLen = 64
	}
	if opt.BackoffMax <= 0 {
		opt.BackoffMax = 2 * time.Second
	}
	if opt.ReconnectTimeout <= 0 {
		opt.ReconnectTimeout = 5 * time.Second
	}
	return opt
}

// StreamDriver is Driver that creates Streams over a stream network.
type StreamDriver struct {
	Net     xnet.Networker
	Options Options
}

func (d *StreamDriver) Open(l *xloop.Loop, portal string, sink Sink) (Transport, error) {
	_, addr, err := ParsePortal(portal)
	if err != nil {
		return nil, err
	}
	s := newStream(d.Options.withDefaults(), true)
	s.net = d.Net
	s.portal = portal
	s.addr = addr
	s.token = newToken()
	s.Bind(l, sink)
	return s, nil
}

func init() {
	Register("tcp", &StreamDriver{Net: xnet.NetPlain("tcp")})
}


// Stream is Transport over a reliable byte stream.
//
// A client stream dials its portal on Connect; a server stream is returned by
// Listener.Accept with link already established.
type Stream struct {
	opts   Options
	client bool
	net    xnet.Networker // client
	portal string
	addr   string
	token  uint64    // link identity for reattach; 0 if not reattachable
	lsn    *Listener // server

	loop *xloop.Loop
	sink Sink

	mu      sync.Mutex
	link    *link // nil while not connected or while reconnecting
	linked  bool  // whether link was ever established
	closing bool
	reattached chan struct{} // server: signalled on reattach

	down      chan struct{} // closed by Close
	closeOnce sync.Once

	nsent, nrecv int64 // atomic; traffic totals
}

// link is one raw connection of a stream.
//
// A stream may go through several links if it reconnects.
type link struct {
	conn     net.Conn
	txq      chan *pktBuf // encoded frames for serveSend
	rxbuf    rbuf.RingBuf // buffer for reading from conn
	down     chan struct{}
	downOnce sync.Once
	serving  bool           // serve{Send,Recv} were started; under Stream.mu
	serveWg  sync.WaitGroup // for serve{Send,Recv}

	flush   chan struct{} // closed to make serveSend write out txq and stop
	flushed chan struct{} // closed when serveSend returns
}

// flushTimeout bounds how long Close waits for queued frames to be written.
var flushTimeout = 3 * time.Second

func newLink(conn net.Conn, txqLen int) *link {
	return &link{
		conn:    conn,
		txq:     make(chan *pktBuf, txqLen),
		down:    make(chan struct{}),
		flush:   make(chan struct{}),
		flushed: make(chan struct{}),
	}
}

// shutdown closes raw connection and marks link as no longer operational.
func (lk *link) shutdown() {
	lk.downOnce.Do(func() {
		close(lk.down)
		lk.conn.Close()
	})
}

func newStream(opts Options, client bool) *Stream {
	return &Stream{
		opts:       opts,
		client:     client,
		reattached: make(chan struct{}, 1),
		down:       make(chan struct{}),
	}
}

// Bind attaches stream to loop and sink and starts serving its link, if any.
func (s *Stream) Bind(l *xloop.Loop, sink Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loop = l
	s.sink = sink
	if s.link != nil {
		s.serve(s.link)
	}
	if s.portal == "" && s.link != nil {
		s.portal = s.link.conn.RemoteAddr().String()
	}
}

// install makes lk the current link of the stream.
//
// must be called with s.mu held or before stream is shared.
func (s *Stream) install(lk *link) {
	s.link = lk
	s.linked = true
	if s.sink != nil {
		s.serve(lk)
	}
}

func (s *Stream) serve(lk *link) {
	lk.serving = true
	lk.serveWg.Add(2)
	go s.serveSend(lk)
	go s.serveRecv(lk)
}

// post delivers event to sink on the stream loop.
func (s *Stream) post(ev Event) {
	s.loop.Schedule(func() {
		s.sink.OnTransportEvent(s, ev)
	})
}

func (s *Stream) ctx() context.Context {
	return taskctx.Of(s)
}

func (s *Stream) String() string {
	return fmt.Sprintf("stream %s", s.portal)
}

// ---- connect ----

func (s *Stream) Connect(ctx context.Context) error {
	if !s.client {
		return fmt.Errorf("%s: connect: not a client stream", s)
	}

	go func() {
		lk, err := s.dial(ctx, hello{flags: s.helloFlags(), token: s.token})
		if err != nil {
			s.post(EvRefused{err})
			return
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			lk.conn.Close()
			return
		}
		s.install(lk)
		s.mu.Unlock()

		s.post(EvEstablished{})
	}()
	return nil
}

func (s *Stream) helloFlags() uint32 {
	if s.opts.Reconnect {
		return hsReconnectable
	}
	return 0
}

var errReattachRefused = errors.New("peer refused to reattach link")

// dial establishes new raw link to portal, retrying with backoff up to
// ConnectRetries times.
func (s *Stream) dial(ctx context.Context, our hello) (_ *link, err error) {
	defer xerr.Contextf(&err, "dial %s", s.addr)

	b := &backoff.Backoff{Max: s.opts.BackoffMax}
	for {
		if err != nil {
			attempt := int(b.Attempt())
			if attempt >= s.opts.ConnectRetries {
				return nil, err
			}
			d := b.Duration()
			log.Infof(s.ctx(), "dial: %s (attempt %d/%d); retrying in %s ...",
				err, attempt+1, s.opts.ConnectRetries, d)
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-s.down:
				return nil, ErrClosed
			}
		}

		var conn net.Conn
		conn, err = s.net.Dial(ctx, s.addr)
		if err != nil {
			continue
		}
		_, err = handshake(ctx, conn, our)
		if err != nil {
			continue
		}

		if our.flags&hsReattach != 0 {
			var verdict [1]byte
			_, err = io.ReadFull(conn, verdict[:])
			if err == nil && verdict[0] != 1 {
				err = errReattachRefused
			}
			if err != nil {
				conn.Close()
				if err == errReattachRefused {
					return nil, err
				}
				continue
			}
		}

		return newLink(conn, s.opts.TxQueueLen), nil
	}
}

// ---- link loss and reattach ----

// linkBroken handles IO error on lk.
func (s *Stream) linkBroken(lk *link, err error) {
	lk.shutdown()

	s.mu.Lock()
	if s.link != lk {
		s.mu.Unlock()
		return // already handled
	}
	s.link = nil
	lk.drainTxq()
	closing := s.closing
	s.mu.Unlock()

	if closing {
		return
	}

	switch {
	case s.client && s.opts.Reconnect:
		log.Warningf(s.ctx(), "link broken: %s; reconnecting ...", err)
		go s.reconnect(err)

	case !s.client && s.token != 0:
		go s.awaitReattach(err)

	default:
		s.post(EvDisconnected{err})
	}
}

// drainTxq frees frames that were queued for a no longer operational link.
func (lk *link) drainTxq() {
	for {
		select {
		case pkt := <-lk.txq:
			pkt.Free()
		default:
			return
		}
	}
}

func (s *Stream) reconnect(cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ReconnectTimeout)
	defer cancel()

	lk, err := s.dial(ctx, hello{flags: hsReconnectable | hsReattach, token: s.token})
	if err != nil {
		log.Warningf(s.ctx(), "reconnect: %s", err)
		s.post(EvDisconnected{cause})
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		lk.conn.Close()
		return
	}
	s.install(lk)
	s.mu.Unlock()

	s.post(EvReconnected{})
}

func (s *Stream) awaitReattach(cause error) {
	select {
	case <-s.reattached:
		// ok - reattach already posted EvReconnected
	case <-time.After(s.opts.ReconnectTimeout):
		s.mu.Lock()
		gone := s.link == nil && !s.closing
		if gone {
			s.token = 0 // no more reattach
		}
		s.mu.Unlock()
		if gone {
			s.lsn.unpark(s)
			s.post(EvDisconnected{cause})
		}
	case <-s.down:
	}
}

// reattach installs conn as new link of server stream after client reconnected.
func (s *Stream) reattach(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || s.link != nil || s.token == 0 {
		return false
	}
	s.install(newLink(conn, s.opts.TxQueueLen))
	s.post(EvReconnected{})
	select {
	case s.reattached <- struct{}{}:
	default:
	}
	return true
}

// ---- IO ----

func (s *Stream) Send(f *Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.closing:
		return ErrClosed
	case s.link == nil && !s.linked:
		return ErrNotConnected
	case s.link == nil, len(s.link.txq) == cap(s.link.txq):
		return ErrAgain
	}

	pkt, err := encodeFrame(f, s.opts.Compress)
	if err != nil {
		return err
	}

	if glog.V(2) {
		log.Infof(s.ctx(), "> %s", pkt.Dump())
	}

	select {
	case s.link.txq <- pkt:
		return nil
	default:
		pkt.Free()
		return ErrAgain
	}
}

func (s *Stream) serveSend(lk *link) {
	defer lk.serveWg.Done()
	defer close(lk.flushed)
	for {
		select {
		case <-lk.down:
			return

		case pkt := <-lk.txq:
			if !s.write(lk, pkt) {
				return
			}

		case <-lk.flush:
			// no new frames come after flush is requested
			for {
				select {
				case pkt := <-lk.txq:
					if !s.write(lk, pkt) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// write writes pkt to lk and reports whether lk is still operational.
func (s *Stream) write(lk *link, pkt *pktBuf) bool {
	// NOTE Write writes data in full, or it is error
	n, err := lk.conn.Write(pkt.data)
	owner, seq := pkt.owner, pkt.seq
	pkt.Free()

	// on IO error framing over conn becomes broken
	if err != nil {
		s.linkBroken(lk, err)
		return false
	}
	atomic.AddInt64(&s.nsent, int64(n))
	s.post(EvSendComplete{Owner: owner, Seq: seq})
	return true
}

func (s *Stream) serveRecv(lk *link) {
	defer lk.serveWg.Done()
	for {
		f, n, err := lk.recvFrame()
		if err != nil {
			s.linkBroken(lk, err)
			return
		}
		atomic.AddInt64(&s.nrecv, int64(n))
		if glog.V(2) {
			log.Infof(s.ctx(), "< %s", f)
		}
		s.post(EvRecv{f})
	}
}

// Update implements Transport.
//
// Stream frames carry no per-link routing state, so there is nothing to refresh.
func (s *Stream) Update(f *Frame) error {
	return nil
}

func (s *Stream) Poll(min, max int, timeout time.Duration) (int, error) {
	return s.loop.Poll(min, max, timeout)
}

// Close closes the stream.
//
// Frames already accepted by Send are written out before the link is shut
// down, but for no longer than flushTimeout. EvClosed is delivered after link
// IO is shut down.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		lk := s.link
		s.link = nil
		serving := false
		if lk != nil {
			serving = lk.serving
			if !serving {
				lk.drainTxq()
			}
		}
		s.mu.Unlock()
		close(s.down)

		if s.lsn != nil && s.token != 0 {
			s.lsn.unpark(s)
		}

		go func() {
			if lk != nil {
				if serving {
					close(lk.flush)
					select {
					case <-lk.flushed:
					case <-time.After(flushTimeout):
						log.Warningf(s.ctx(), "close: flush timeout; dropping %d frame(s)", len(lk.txq))
					}
				}
				lk.shutdown()
				lk.serveWg.Wait()
				lk.drainTxq()
			}
			log.Infof(s.ctx(), "close (sent %s received %s)",
				sizestr.ToString(atomic.LoadInt64(&s.nsent)),
				sizestr.ToString(atomic.LoadInt64(&s.nrecv)))
			if s.sink != nil {
				s.post(EvClosed{})
			}
		}()
	})
	return nil
}

func (s *Stream) Portal() string {
	return s.portal
}

func (s *Stream) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return nil
	}
	return s.link.conn.LocalAddr()
}

func (s *Stream) RemoteAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return nil
	}
	return s.link.conn.RemoteAddr()
}
