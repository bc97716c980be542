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
// cli to ping xio service

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jpillora/sizestr"
	"lab.nexedi.com/kirr/go123/prog"
	"lab.nexedi.com/kirr/go123/xnet"

	"github.com/gitter-badger/accelio/internal/task"
	"github.com/gitter-badger/accelio/xio"
	"github.com/gitter-badger/accelio/xio/proto"
	"github.com/gitter-badger/accelio/xio/xloop"
)

const pingSummary = "ping xio service"

func pingUsage(w io.Writer) {
	fmt.Fprintf(w,
`Usage: xio ping [options] <uri>
Establish session to uri and measure round-trip time of requests.

uri is of the form tcp://<host>:<port>[/<resource>].
`)
}

// pingClient forwards session events to pinging goroutine.
type pingClient struct {
	established chan struct{}
	teardown    chan struct{}
	rspq        chan []byte
	errq        chan error
}

func newPingClient() *pingClient {
	return &pingClient{
		established: make(chan struct{}),
		teardown:    make(chan struct{}),
		rspq:        make(chan []byte, 1),
		errq:        make(chan error, 1),
	}
}

func (pc *pingClient) fail(err error) {
	select {
	case pc.errq <- err:
	default:
	}
}

func (pc *pingClient) OnSessionEvent(s *xio.Session, ev xio.SessionEventData) {
	switch ev.Event {
	case xio.EventSessionRejected, xio.EventConnectionRefused, xio.EventConnectionError,
		xio.EventConnectionDisconnected:
		pc.fail(fmt.Errorf("%s: %s (%s)", s, ev.Event, ev.Reason))

	case xio.EventSessionTeardown:
		close(pc.teardown)
	}
}

func (pc *pingClient) OnSessionEstablished(s *xio.Session, priv []byte) {
	close(pc.established)
}

func (pc *pingClient) OnMsg(s *xio.Session, msg *xio.Msg) {
	if msg.Type != proto.MsgRsp {
		return
	}
	data := append([]byte(nil), msg.In.Data...)
	if err := xio.ReleaseResponse(msg); err != nil {
		pc.fail(err)
		return
	}
	select {
	case pc.rspq <- data:
	default:
	}
}

func (pc *pingClient) OnMsgError(s *xio.Session, st proto.Status, msg *xio.Msg) {
	pc.fail(fmt.Errorf("%s: %s: %s", s, msg, st))
}

// wait waits for ready to be closed.
func (pc *pingClient) wait(ready chan struct{}, timeout time.Duration) error {
	select {
	case <-ready:
		return nil
	case err := <-pc.errq:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timeout")
	}
}

// ping sends one ping request over c and waits for its response.
//
// It returns round-trip time and response size.
func (pc *pingClient) ping(ctx context.Context, c *xio.Connection, seq, padLen int, timeout time.Duration) (time.Duration, int, error) {
	data, err := encodePing(&pingMsg{Seq: seq, Sent: time.Now().UnixNano(), Pad: make([]byte, padLen)})
	if err != nil {
		return 0, 0, err
	}

	var serr error
	err = c.Loop().Call(ctx, func() {
		serr = c.SendRequest(&xio.Msg{Out: xio.VMsg{Data: data}})
	})
	if err == nil {
		err = serr
	}
	if err != nil {
		return 0, 0, err
	}

	select {
	case rsp := <-pc.rspq:
		m, err := decodePing(rsp)
		if err != nil {
			return 0, 0, err
		}
		if m.Seq != seq {
			return 0, 0, fmt.Errorf("ping: response seq=%d; want %d", m.Seq, seq)
		}
		return time.Since(time.Unix(0, m.Sent)), len(rsp), nil

	case err := <-pc.errq:
		return 0, 0, err

	case <-time.After(timeout):
		return 0, 0, fmt.Errorf("ping seq=%d: timeout", seq)
	}
}

// pingParams are parameters of ping run.
type pingParams struct {
	count    int
	padLen   int
	interval time.Duration
	timeout  time.Duration
	compress int
}

// runPing establishes session to uri and pings it p.count times.
func runPing(ctx context.Context, uri string, p pingParams) (err error) {
	defer task.Runningf(&ctx, "ping %s", uri)(&err)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	loop := xloop.New("ping")
	defer loop.Close()
	go loop.Run(ctx)

	pc := newPingClient()
	opts := &xio.Options{Net: xnet.NetPlain("tcp"), Compress: p.compress}
	s, err := xio.NewSession(uri, nil, pc, opts)
	if err != nil {
		return err
	}
	c, err := s.Connect(loop, 0, nil)
	if err != nil {
		return err
	}
	if err := pc.wait(pc.established, p.timeout); err != nil {
		return fmt.Errorf("setup: %s", err)
	}

	for seq := 0; seq < p.count; seq++ {
		if seq != 0 {
			time.Sleep(p.interval)
		}
		rtt, n, err := pc.ping(ctx, c, seq, p.padLen, p.timeout)
		if err != nil {
			return err
		}
		fmt.Printf("%s from %s: seq=%d time=%s\n", sizestr.ToString(int64(n)), uri, seq, rtt)
	}

	c.Disconnect()
	if err := pc.wait(pc.teardown, p.timeout); err != nil {
		return fmt.Errorf("close: %s", err)
	}
	return nil
}

func pingMain(argv []string) {
	flags := flag.NewFlagSet("", flag.ExitOnError)
	flags.Usage = func() { pingUsage(os.Stderr); flags.PrintDefaults() }
	count := flags.Int("c", 4, "number of requests to send")
	padLen := flags.Int("s", 56, "request padding size")
	interval := flags.Duration("i", time.Second, "interval in between requests")
	timeout := flags.Duration("timeout", 5*time.Second, "how long to wait for session setup and every response")
	compress := flags.Int("compress", 0, "compress frame payloads bigger than that; 0 = off")
	flags.Parse(argv[1:])

	argv = flags.Args()
	if len(argv) != 1 {
		flags.Usage()
		prog.Exit(2)
	}

	err := runPing(context.Background(), argv[0], pingParams{
		count:    *count,
		padLen:   *padLen,
		interval: *interval,
		timeout:  *timeout,
		compress: *compress,
	})
	if err != nil {
		prog.Fatal(err)
	}
}
