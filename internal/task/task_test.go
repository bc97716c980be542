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
	"testing"
)

func TestRunning(t *testing.T) {
	ctx := context.Background()

	f := func(ctx context.Context, fail bool) (err error) {
		defer Running(&ctx, "conn 1")(&err)
		if fail {
			return errors.New("peer went away")
		}
		return nil
	}

	ctx0 := Running(&ctx, "session 7")
	var err error
	ctx0(&err)

	if err := f(ctx, false); err != nil {
		t.Fatalf("ok path: unexpected error %v", err)
	}

	err = f(ctx, true)
	want := "conn 1: peer went away"
	if err == nil || err.Error() != want {
		t.Fatalf("error context:\nhave: %v\nwant: %s", err, want)
	}
}
