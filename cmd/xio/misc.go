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

package main
// routines common to several subcommands

import (
	"context"
	"fmt"
	stdnet "net"
	"net/http"
	"time"

	"github.com/shamaton/msgpack"
	"github.com/soheilhy/cmux"
	"golang.org/x/sync/errgroup"
	"lab.nexedi.com/kirr/go123/xnet"

	"github.com/gitter-badger/accelio/internal/log"
	"github.com/gitter-badger/accelio/xio/transport"

	_ "net/http/pprof"
)

// pingMsg is payload of ping requests and their responses.
type pingMsg struct {
	Seq    int
	Sent   int64 // unix nanoseconds, set by client
	Served int64 // unix nanoseconds, set by server
	Pad    []byte
}

func encodePing(m *pingMsg) ([]byte, error) {
	return msgpack.Encode(m)
}

func decodePing(data []byte) (*pingMsg, error) {
	m := &pingMsg{}
	if err := msgpack.Decode(data, m); err != nil {
		return nil, fmt.Errorf("ping: decode: %s", err)
	}
	return m, nil
}

// pong returns response payload to ping request data.
func pong(data []byte, now time.Time) ([]byte, error) {
	m, err := decodePing(data)
	if err != nil {
		return nil, err
	}
	m.Served = now.UnixNano()
	return encodePing(m)
}

// listenAndServe runs service on laddr.
//
// It starts listening, multiplexes incoming connections to xio and HTTP
// protocols, passes xio links to service and HTTP connections to default
// HTTP mux.
//
// default HTTP mux can be assumed to contain /debug/pprof and the like.
func listenAndServe(ctx context.Context, net xnet.Networker, laddr string, serve func(ctx context.Context, l stdnet.Listener) error) error {
	l, err := net.Listen(laddr)
	if err != nil {
		return err
	}
	defer l.Close()

	log.Infof(ctx, "listening at %s ...", l.Addr())
	log.Flush()

	mux := cmux.New(l)
	xioL := mux.Match(transport.Match)
	httpL := mux.Match(cmux.HTTP1(), cmux.HTTP2())
	miscL := mux.Match(cmux.Any())

	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return mux.Serve()
	})

	wg.Go(func() error {
		return serve(ctx, xioL)
	})

	wg.Go(func() error {
		return http.Serve(httpL, nil)
	})

	wg.Go(func() error {
		for {
			conn, err := miscL.Accept()
			if err != nil {
				return err
			}

			// got something unexpected - grab the header (which we
			// already have read), log it and reject the connection.
			b := make([]byte, 1024)
			// must not block as some data is already there in cmux buffer
			n, _ := conn.Read(b)
			subj := fmt.Sprintf("strange connection from %s:", conn.RemoteAddr())
			serr := "peer sent nothing"
			if n > 0 {
				serr = fmt.Sprintf("peer sent %q", b[:n])
			}
			log.Infof(ctx, "%s: %s", subj, serr)

			conn.Close()
		}
	})

	wg.Go(func() error {
		<-ctx.Done()
		l.Close()
		return ctx.Err()
	})

	return wg.Wait()
}
