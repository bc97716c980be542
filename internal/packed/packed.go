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

// Package packed provides types to use in packed wire structures.
package packed

// uintX has alignment requirement =X; [X]byte has alignment requirement 1.
// That's why we use byte-structs below and this way keep a header struct
// packed, even if Go does not support packed structs in general.
type BE16 struct{ _0, _1 byte }
type BE32 struct{ _0, _1, _2, _3 byte }
type BE64 struct{ _0, _1, _2, _3, _4, _5, _6, _7 byte }

func Ntoh16(v BE16) uint16 {
	return uint16(v._1) | uint16(v._0)<<8
}

func Hton16(v uint16) BE16 {
	return BE16{byte(v >> 8), byte(v)}
}

func Ntoh32(v BE32) uint32 {
	return uint32(v._3) | uint32(v._2)<<8 | uint32(v._1)<<16 | uint32(v._0)<<24
}

func Hton32(v uint32) BE32 {
	return BE32{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func Ntoh64(v BE64) uint64 {
	return uint64(v._7) | uint64(v._6)<<8 | uint64(v._5)<<16 | uint64(v._4)<<24 |
		uint64(v._3)<<32 | uint64(v._2)<<40 | uint64(v._1)<<48 | uint64(v._0)<<56
}

func Hton64(v uint64) BE64 {
	return BE64{
		byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32),
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	}
}
