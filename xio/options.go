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
	"time"

	"lab.nexedi.com/kirr/go123/xnet"

	"github.com/gitter-badger/accelio/xio/transport"
)

// Options configures sessions and their connections.
//
// Zero fields are replaced with values from DefaultOptions.
type Options struct {
	QueueDepth   int           // max queued requests + one-way messages per connection
	TaskPoolSize int           // tasks per nexus
	CloseTimeout time.Duration // how long active close waits for FIN-ACK
	TimeWait     time.Duration // how long a connection stays in TIME_WAIT
	MaxMsgSize   int           // max header + data of an application message

	// Driver, if set, is used for all portals instead of the driver
	// registered for portal scheme.
	Driver transport.Driver

	// Net, if set and Driver is not, makes connections use stream
	// transport over Net for all portals.
	Net xnet.Networker

	Reconnect      bool // reestablish broken links transparently
	ConnectRetries int
	Compress       int // frame compression threshold; 0 = off
}

const (
	// one-way control messages (FIN, hello, receipts) per connection
	msgPoolSize = 1024
)

// DefaultOptions returns options with default values.
func DefaultOptions() *Options {
	return &Options{
		QueueDepth:   512,
		TaskPoolSize: 512,
		CloseTimeout: 60000 * time.Millisecond,
		TimeWait:     1 * time.Second,
		MaxMsgSize:   1 << 20,
	}
}

func (o *Options) withDefaults() Options {
	def := DefaultOptions()
	if o == nil {
		return *def
	}
	opt := *o
	if opt.QueueDepth <= 0 {
		opt.QueueDepth = def.QueueDepth
	}
	if opt.TaskPoolSize <= 0 {
		opt.TaskPoolSize = def.TaskPoolSize
	}
	if opt.CloseTimeout <= 0 {
		opt.CloseTimeout = def.CloseTimeout
	}
	if opt.TimeWait <= 0 {
		opt.TimeWait = def.TimeWait
	}
	if opt.MaxMsgSize <= 0 {
		opt.MaxMsgSize = def.MaxMsgSize
	}
	return opt
}

// driver returns transport driver to use for portal.
func (o *Options) driver(portal string) (transport.Driver, error) {
	if o.Driver != nil {
		return o.Driver, nil
	}
	scheme, _, err := transport.ParsePortal(portal)
	if err != nil {
		return nil, err
	}
	if o.Net != nil {
		return &transport.StreamDriver{Net: o.Net, Options: o.streamOptions()}, nil
	}
	return transport.Lookup(scheme)
}

func (o *Options) streamOptions() transport.Options {
	return transport.Options{
		Compress:       o.Compress,
		ConnectRetries: o.ConnectRetries,
		Reconnect:      o.Reconnect,
	}
}


// ---- run-time connection attributes ----

// AttrMask selects connection attributes for Query and Modify.
type AttrMask uint32

const (
	AttrUserContext AttrMask = 1 << iota
	AttrQueueDepth
	AttrCloseTimeout
	AttrDisableNotify
)

// ConnAttr carries connection attributes.
type ConnAttr struct {
	UserContext   interface{}
	QueueDepth    int
	CloseTimeout  time.Duration
	DisableNotify bool
}
