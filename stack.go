// Copyright 2016-2022 The Wren Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wren

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-stack/stack"
)

// The error ring keeps the most recent error frames seen by a connection for
// diagnostics. Each frame carries the time, the error and, unless disabled,
// the call stack that recorded it. The ring is bounded; a dump summarizes
// whatever scrolled past the depth.

const defaultErrRingDepth = 16

type errFrame struct {
	time  time.Time
	err   error
	stack stack.CallStack
}

type errRing struct {
	frames  []errFrame
	next    int
	total   int
	capture bool
}

func newErrRing(depth int, capture bool) *errRing {
	return &errRing{frames: make([]errFrame, depth), capture: capture}
}

// push records a frame. Caller provides external synchronization; the
// connection records under its own lock.
func (r *errRing) push(err error) {
	f := errFrame{time: time.Now(), err: err}
	if r.capture {
		// Trim the recording machinery itself off the captured stack.
		f.stack = stack.Trace().TrimBelow(stack.Caller(2))
	}
	r.frames[r.next] = f
	r.next = (r.next + 1) % len(r.frames)
	r.total++
}

// dump renders the retained frames, most recent first. Frames beyond the
// ring depth are summarized, not rendered.
func (r *errRing) dump() string {
	var b strings.Builder

	n := r.total
	if n > len(r.frames) {
		n = len(r.frames)
	}
	for i := 1; i <= n; i++ {
		f := r.frames[(r.next-i+len(r.frames)*2)%len(r.frames)]
		fmt.Fprintf(&b, "%s %v", f.time.Format(time.RFC3339Nano), f.err)
		if f.stack != nil {
			fmt.Fprintf(&b, " [%v]", f.stack)
		}
		b.WriteByte('\n')
	}
	if overflow := r.total - n; overflow > 0 {
		fmt.Fprintf(&b, "%d more...\n", overflow)
	}
	return b.String()
}
