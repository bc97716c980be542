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

package task

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type conn int

func (c conn) String() string { return fmt.Sprintf("session 7/c%d", int(c)) }

func TestStack(t *testing.T) {
	ctx := context.Background()
	if task := Current(ctx); task != nil || task.String() != "" {
		t.Fatalf("empty context: have task %v", task)
	}

	ctx = Of(conn(1))
	ctx = Runningf(ctx, "close %s", "fin")
	task := Current(ctx)
	if have, want := task.String(), "session 7/c1: close fin"; have != want {
		t.Fatalf("stack:\nhave: %q\nwant: %q", have, want)
	}

	// Of starts from scratch
	if have := Current(Of(conn(2))).String(); have != "session 7/c2" {
		t.Fatalf("Of: have %q", have)
	}
}

func TestErrContext(t *testing.T) {
	f := func(ctx context.Context, fail bool) (err error) {
		ctx = Running(ctx, "hello")
		defer ErrContext(&err, ctx)
		if fail {
			return errors.New("peer went away")
		}
		return nil
	}

	ctx := Of(conn(1))
	if err := f(ctx, false); err != nil {
		t.Fatalf("ok path: unexpected error %v", err)
	}
	err := f(ctx, true)
	if have, want := fmt.Sprint(err), "hello: peer went away"; have != want {
		t.Fatalf("error:\nhave: %q\nwant: %q", have, want)
	}

	// no task - no context
	err = errors.New("x")
	ErrContext(&err, context.Background())
	if err.Error() != "x" {
		t.Fatalf("no task: have %q", err)
	}
}
