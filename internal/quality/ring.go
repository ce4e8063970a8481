// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package quality

import "time"

// ring is a bounded FIFO of outcomes ordered by insertion time. Storage grows
// by doubling until it reaches maxOutcomes; after that the oldest entry is
// overwritten. Not safe for concurrent use.
type ring struct {
	buf  []Outcome
	head int // index of the oldest entry
	n    int // number of live entries
}

func (r *ring) len() int { return r.n }

func (r *ring) push(o Outcome) {
	if r.n == len(r.buf) {
		if len(r.buf) < maxOutcomes {
			r.grow()
		} else {
			r.buf[r.head] = o
			r.head = (r.head + 1) % len(r.buf)
			return
		}
	}
	r.buf[(r.head+r.n)%len(r.buf)] = o
	r.n++
}

func (r *ring) grow() {
	size := len(r.buf) * 2
	if size == 0 {
		size = 64
	}
	if size > maxOutcomes {
		size = maxOutcomes
	}
	buf := make([]Outcome, size)
	for i := range r.n {
		buf[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.buf = buf
	r.head = 0
}

// dropOlderThan removes entries recorded at or before cutoff. Entries are
// ordered, so the scan stops at the first one inside the window.
func (r *ring) dropOlderThan(cutoff time.Time) {
	for r.n > 0 {
		if r.buf[r.head].At.After(cutoff) {
			return
		}
		r.head = (r.head + 1) % len(r.buf)
		r.n--
	}
}

// each visits entries oldest first.
func (r *ring) each(fn func(Outcome)) {
	for i := range r.n {
		fn(r.buf[(r.head+i)%len(r.buf)])
	}
}
