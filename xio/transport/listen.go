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
// link establishment

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
	"lab.nexedi.com/kirr/go123/xnet"

	"github.com/gitter-badger/accelio/internal/log"
	"github.com/gitter-badger/accelio/xio/proto"
)

// ---- handshake ----

// Every link starts with both sides sending hello:
//
//	magic "XIO"+version(8) | flags(32) | token(64)
//
// The client sets token to identify the link for later reattach. When it
// reconnects a broken link, it sets hsReattach and the server answers with
// one verdict byte after hello (1 - reattached, 0 - refused).
const helloLen = 16

var magic = [4]byte{'X', 'I', 'O', byte(proto.Version)}

const (
	hsReconnectable uint32 = 1 << 0 // client will try to reattach broken link
	hsReattach      uint32 = 1 << 1 // this link reattaches link with the token
)

type hello struct {
	flags uint32
	token uint64
}

// Match tells whether incoming stream starts like an xio link handshake.
//
// It can be used with connection multiplexers, e.g. cmux.
func Match(r io.Reader) bool {
	var b [4]byte
	n, _ := io.ReadFull(r, b[:])
	return n == 4 && bytes.Equal(b[:3], magic[:3])
}

// HandshakeError is returned when there is an error while performing handshake.
type HandshakeError struct {
	LocalAddr  net.Addr
	RemoteAddr net.Addr
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("%s - %s: handshake: %s", e.LocalAddr, e.RemoteAddr, e.Err.Error())
}

func (e *HandshakeError) Cause() error  { return e.Err }
func (e *HandshakeError) Unwrap() error { return e.Err }

// handshake exchanges hello with peer just after raw connection was established.
//
// On error conn is closed.
func handshake(ctx context.Context, conn net.Conn, our hello) (peer hello, err error) {
	var wg errgroup.Group

	// on error in one direction the other one is interrupted by closing conn
	xfail := func(err error) error {
		if err != nil {
			conn.Close()
		}
		return err
	}

	wg.Go(func() error {
		var b [helloLen]byte
		copy(b[:4], magic[:])
		binary.BigEndian.PutUint32(b[4:], our.flags)
		binary.BigEndian.PutUint64(b[8:], our.token)
		_, err := conn.Write(b[:])
		return xfail(err)
	})

	wg.Go(func() error {
		var b [helloLen]byte
		_, err := io.ReadFull(conn, b[:])
		if err == io.EOF {
			err = io.ErrUnexpectedEOF // can be returned with n = 0
		}
		if err != nil {
			return xfail(err)
		}
		if !bytes.Equal(b[:3], magic[:3]) {
			return xfail(fmt.Errorf("invalid magic % x", b[:4]))
		}
		if b[3] != magic[3] {
			return xfail(fmt.Errorf("protocol version mismatch: peer = %d  ; our side = %d", b[3], magic[3]))
		}
		peer.flags = binary.BigEndian.Uint32(b[4:])
		peer.token = binary.BigEndian.Uint64(b[8:])
		return nil
	})

	// interrupt IO on cancel
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	err = wg.Wait()
	close(done)
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		conn.Close()
		return hello{}, &HandshakeError{conn.LocalAddr(), conn.RemoteAddr(), err}
	}
	return peer, nil
}

// newToken returns random non-zero link token.
func newToken() uint64 {
	for {
		var b [8]byte
		_, err := rand.Read(b[:])
		if err != nil {
			panic(err) // crypto/rand does not fail on supported platforms
		}
		if t := binary.BigEndian.Uint64(b[:]); t != 0 {
			return t
		}
	}
}


// ---- listen ----

// Listener accepts incoming xio links.
//
// Links from clients that want transparent reconnect are remembered by their
// token; when such client reattaches its broken link, the new raw connection
// is handed over to the existing Stream and is not returned by Accept.
type Listener struct {
	l       net.Listener
	opts    Options
	acceptq chan accepted
	closed  chan struct{}
	closeOnce sync.Once

	parkMu sync.Mutex
	parked map[uint64]*Stream // token -> server stream of reconnectable client
}

type accepted struct {
	s   *Stream
	err error
}

// Listen starts listening on laddr for incoming links.
func Listen(net xnet.Networker, laddr string, opts *Options) (*Listener, error) {
	rawl, err := net.Listen(laddr)
	if err != nil {
		return nil, err
	}
	return NewListener(rawl, opts), nil
}

// NewListener creates Listener which accepts links from an inner net.Listener.
func NewListener(inner net.Listener, opts *Options) *Listener {
	l := &Listener{
		l:       inner,
		opts:    opts.withDefaults(),
		acceptq: make(chan accepted),
		closed:  make(chan struct{}),
		parked:  make(map[uint64]*Stream),
	}
	go l.run()
	return l
}

func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

func (l *Listener) Close() error {
	err := l.l.Close()
	l.closeOnce.Do(func() {
		close(l.closed)
	})
	return err
}

func (l *Listener) run() {
	// context that cancels when listener stops
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	for {
		// stop on close
		select {
		case <-l.closed:
			return
		default:
		}

		conn, err := l.l.Accept()
		go l.accept(runCtx, conn, err)
	}
}

func (l *Listener) accept(ctx context.Context, conn net.Conn, err error) {
	s, err := l.accept1(ctx, conn, err)
	if s == nil && err == nil {
		return // reattached
	}

	select {
	case l.acceptq <- accepted{s, err}:
		// ok

	case <-l.closed:
		// shutdown
		if s != nil {
			s.Close()
		}
	}
}

func (l *Listener) accept1(ctx context.Context, conn net.Conn, err error) (*Stream, error) {
	if err != nil {
		return nil, err
	}

	// NOTE handshake closes conn in case of failure
	peer, err := handshake(ctx, conn, hello{})
	if err != nil {
		return nil, err
	}

	if peer.flags&hsReattach != 0 {
		l.parkMu.Lock()
		s := l.parked[peer.token]
		l.parkMu.Unlock()

		ok := s != nil && s.reattach(conn)
		verdict := byte(0)
		if ok {
			verdict = 1
		}
		_, err := conn.Write([]byte{verdict})
		if !ok || err != nil {
			log.Warningf(ctx, "%s: reattach of link %x refused", conn.RemoteAddr(), peer.token)
			conn.Close()
		}
		return nil, nil
	}

	s := newStream(l.opts, false)
	s.lsn = l
	s.install(newLink(conn, l.opts.TxQueueLen))
	if peer.flags&hsReconnectable != 0 && peer.token != 0 {
		s.token = peer.token
		l.parkMu.Lock()
		l.parked[s.token] = s
		l.parkMu.Unlock()
	}
	return s, nil
}

// unpark forgets s as candidate for reattach.
func (l *Listener) unpark(s *Stream) {
	l.parkMu.Lock()
	defer l.parkMu.Unlock()
	if l.parked[s.token] == s {
		delete(l.parked, s.token)
	}
}

// Accept returns new incoming link.
//
// The returned stream is not yet bound to loop - call Bind to start it.
func (l *Listener) Accept(ctx context.Context) (*Stream, error) {
	select {
	case <-l.closed:
		// we know raw listener is already closed - return proper error about it
		_, err := l.l.Accept()
		return nil, err

	case <-ctx.Done():
		return nil, ctx.Err()

	case a := <-l.acceptq:
		return a.s, a.err
	}
}
