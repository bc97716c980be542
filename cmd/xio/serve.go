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
// cli to serve ping sessions

import (
	"context"
	"flag"
	"fmt"
	"io"
	stdnet "net"
	"os"
	"strings"
	"time"

	"lab.nexedi.com/kirr/go123/prog"
	"lab.nexedi.com/kirr/go123/xnet"

	"github.com/gitter-badger/accelio/internal/log"
	"github.com/gitter-badger/accelio/xio"
	"github.com/gitter-badger/accelio/xio/proto"
	"github.com/gitter-badger/accelio/xio/transport"
	"github.com/gitter-badger/accelio/xio/xloop"
)

const serveSummary = "serve ping sessions"

func serveUsage(w io.Writer) {
	fmt.Fprintf(w,
`Usage: xio serve [options]
Serve xio sessions answering ping requests.

HTTP requests on the same address are served by default HTTP mux with
/debug/pprof and the like.
`)
}

// pingServer answers ping requests.
type pingServer struct {
	portals  []string // accepted sessions are moved here
	redirect []string // if set, sessions are redirected here
}

func (ps *pingServer) OnNewSession(s *xio.Session, req *xio.NewSessionReq) xio.Verdict {
	if len(ps.redirect) != 0 {
		return xio.Redirect(ps.redirect...)
	}
	return xio.Accept(ps.portals, nil)
}

func (ps *pingServer) OnSessionEvent(s *xio.Session, ev xio.SessionEventData) {
	log.Infof(context.Background(), "%s: %s (%s)", s, ev.Event, ev.Reason)
}

func (ps *pingServer) OnMsg(s *xio.Session, msg *xio.Msg) {
	ctx := context.Background()
	switch msg.Type {
	case proto.MsgReq:
		data, err := pong(msg.In.Data, time.Now())
		if err != nil {
			log.Errorf(ctx, "%s: %s", s, err)
		}
		rsp := &xio.Msg{Request: msg, Out: xio.VMsg{Data: data}}
		if err := xio.SendResponse(rsp); err != nil {
			log.Errorf(ctx, "%s: %s", s, err)
		}

	case proto.OneWayReq:
		if err := xio.ReleaseMsg(msg); err != nil {
			log.Errorf(ctx, "%s: %s", s, err)
		}
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func serveMain(argv []string) {
	flags := flag.NewFlagSet("", flag.ExitOnError)
	flags.Usage = func() { serveUsage(os.Stderr); flags.PrintDefaults() }
	bind := flags.String("bind", ":5555", "address to serve on")
	portals := flags.String("portals", "", "comma-separated portals to move accepted sessions to")
	redirect := flags.String("redirect", "", "comma-separated services to redirect sessions to")
	compress := flags.Int("compress", 0, "compress frame payloads bigger than that; 0 = off")
	flags.Parse(argv[1:])

	if flags.NArg() != 0 {
		flags.Usage()
		prog.Exit(2)
	}

	net := xnet.NetPlain("tcp") // TODO + TLS
	opts := &xio.Options{Compress: *compress}
	ps := &pingServer{portals: splitList(*portals), redirect: splitList(*redirect)}

	ctx := context.Background()
	loop := xloop.New("serve")
	defer loop.Close()
	go func() {
		err := loop.Run(ctx)
		if err != nil && err != xloop.ErrClosed {
			log.Error(ctx, err)
		}
	}()

	err := listenAndServe(ctx, net, *bind, func(ctx context.Context, l stdnet.Listener) error {
		lsn := transport.NewListener(l, &transport.Options{Compress: *compress})
		srv := xio.NewServer(loop, lsn, ps, opts)
		<-ctx.Done()
		return srv.Close()
	})
	if err != nil {
		prog.Fatal(err)
	}
}
