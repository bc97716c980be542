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
// frame buffers and framing over a stream

import (
	"fmt"
	"io"
	"sync"

	"lab.nexedi.com/kirr/go123/xbytes"

	"github.com/gitter-badger/accelio/internal/packed"
	"github.com/gitter-badger/accelio/internal/xzlib"
	"github.com/gitter-badger/accelio/xio/proto"
)

// pktBuf is a buffer with full encoded frame (header + payload) waiting to
// be written.
//
// Allocate pktBuf via pktAlloc() and free via pktBuf.Free().
type pktBuf struct {
	data []byte

	// echoed in EvSendComplete
	owner interface{}
	seq   uint64
}

// pktBufPool is sync.Pool<pktBuf>
var pktBufPool = sync.Pool{New: func() interface{} {
	return &pktBuf{data: make([]byte, 0, 4096)}
}}

// pktAlloc allocates pktBuf with len=n
func pktAlloc(n int) *pktBuf {
	pkt := pktBufPool.Get().(*pktBuf)
	pkt.data = xbytes.Realloc(pkt.data, n)
	return pkt
}

// Free marks pkt as no longer needed.
func (pkt *pktBuf) Free() {
	pkt.owner = nil
	pktBufPool.Put(pkt)
}

// Dump dumps a frame in raw form.
func (pkt *pktBuf) Dump() string {
	if len(pkt.data) < proto.FrameHdrLen {
		return fmt.Sprintf("(! < FrameHdrLen) % x", pkt.data)
	}
	h := proto.FrameHeader(pkt.data)
	return fmt.Sprintf("%v tid=%d #%d: % x", proto.MsgType(packed.Ntoh16(h.Type)),
		packed.Ntoh32(h.Tid), packed.Ntoh32(h.Len), pkt.data[proto.FrameHdrLen:])
}

// encodeFrame encodes f into new pktBuf.
//
// payload is compressed if it is at least compress bytes long and
// compression makes it smaller.
func encodeFrame(f *Frame, compress int) (*pktBuf, error) {
	payload := f.Payload
	flags := f.Flags &^ proto.FrameCompressed
	if xzlib.Worth(len(payload), compress) {
		zpayload, err := xzlib.Compress(payload)
		if err == nil && len(zpayload) < len(payload) {
			payload = zpayload
			flags |= proto.FrameCompressed
		}
	}

	if proto.FrameHdrLen+len(payload) > proto.FrameMaxSize {
		return nil, ErrFrameTooBig
	}

	pkt := pktAlloc(proto.FrameHdrLen + len(payload))
	h := proto.FrameHeader(pkt.data)
	h.Type = packed.Hton16(uint16(f.Type))
	h.Flags = packed.Hton16(flags)
	h.Tid = packed.Hton32(f.Tid)
	h.Len = packed.Hton32(uint32(len(payload)))
	copy(pkt.data[proto.FrameHdrLen:], payload)
	pkt.owner = f.Owner
	pkt.seq = f.Seq
	return pkt, nil
}

// recvFrame receives one frame from lk.
//
// rx error, if any, is returned as is and is analyzed in serveRecv.
func (lk *link) recvFrame() (*Frame, int, error) {
	data := make([]byte, 4096)

	n := 0 // number of frame bytes obtained so far

	// next frame could be already prefetched in part by previous read
	if lk.rxbuf.Len() > 0 {
		δn, _ := lk.rxbuf.Read(data[:proto.FrameHdrLen])
		n += δn
	}

	// first read to read frame header and hopefully rest of frame in 1 syscall
	if n < proto.FrameHdrLen {
		δn, err := io.ReadAtLeast(lk.conn, data[n:], proto.FrameHdrLen-n)
		if err != nil {
			return nil, 0, err
		}
		n += δn
	}

	h := proto.FrameHeader(data)
	payloadLen := packed.Ntoh32(h.Len)
	if payloadLen > proto.FrameMaxSize-proto.FrameHdrLen {
		return nil, 0, ErrFrameTooBig
	}
	frameLen := proto.FrameHdrLen + int(payloadLen)

	f := &Frame{
		Type:  proto.MsgType(packed.Ntoh16(h.Type)),
		Flags: packed.Ntoh16(h.Flags),
		Tid:   packed.Ntoh32(h.Tid),
	}

	// resize data if we don't have enough room in it
	data = xbytes.Resize(data, frameLen)
	data = data[:cap(data)]

	// we might have more data already prefetched in rxbuf
	if lk.rxbuf.Len() > 0 && n < frameLen {
		δn, _ := lk.rxbuf.Read(data[n:frameLen])
		n += δn
	}

	// read rest of frame data, if we need to
	if n < frameLen {
		δn, err := io.ReadAtLeast(lk.conn, data[n:], frameLen-n)
		if err != nil {
			return nil, 0, err
		}
		n += δn
	}

	// put overread data into rxbuf for next reader
	if n > frameLen {
		lk.rxbuf.Write(data[frameLen:n])
	}

	f.Payload = data[proto.FrameHdrLen:frameLen:frameLen]
	if f.Flags&proto.FrameCompressed != 0 {
		payload, err := xzlib.Decompress(f.Payload)
		if err != nil {
			return nil, 0, fmt.Errorf("decompress %v: %s", f, err)
		}
		f.Payload = payload
		f.Flags &^= proto.FrameCompressed
	}

	return f, frameLen, nil
}
