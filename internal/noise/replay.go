// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package noise

import "sync"

// ReplayWindowSize is how far behind the highest accepted counter a frame
// may arrive and still be considered.
const ReplayWindowSize = 64

// ReplayFilter tracks accepted message counters in a sliding bitmap
// window. Duplicates and counters older than the window are rejected.
type ReplayFilter struct {
	mu     sync.Mutex
	last   uint64
	bitmap uint64
	seen   bool
}

// Check reports whether a counter would currently be accepted, without
// marking it. Callers consult this before paying for authentication and
// commit with ValidateCounter only once the frame has proven authentic,
// so a forged frame can never burn a counter's slot.
func (f *ReplayFilter) Check(counter uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.seen || counter > f.last {
		return true
	}
	offset := f.last - counter
	if offset >= ReplayWindowSize {
		return false
	}
	return f.bitmap&(uint64(1)<<offset) == 0
}

// ValidateCounter marks a counter as accepted if it is neither a duplicate
// nor older than the window. Counters start at zero.
func (f *ReplayFilter) ValidateCounter(counter uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.seen {
		f.seen = true
		f.last = counter
		f.bitmap = 1
		return true
	}

	if counter > f.last {
		delta := counter - f.last
		if delta >= ReplayWindowSize {
			f.bitmap = 1
		} else {
			f.bitmap = f.bitmap<<delta | 1
		}
		f.last = counter
		return true
	}

	offset := f.last - counter
	if offset >= ReplayWindowSize {
		return false // too old
	}
	mask := uint64(1) << offset
	if f.bitmap&mask != 0 {
		return false // duplicate
	}
	f.bitmap |= mask
	return true
}

// Reset clears the filter for a new session.
func (f *ReplayFilter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = 0
	f.bitmap = 0
	f.seen = false
}
