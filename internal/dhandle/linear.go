package dhandle

// ObserveRead updates the handle's linear-read cursor on a read
// completion (§4.E.3): the read is linear if it starts exactly where the
// previous one ended. A non-linear read latches nonLinear for the rest of
// this handle's life; EOF is recorded so Release can decide the parent
// directory's linear_read flag.
func (h *Handle) ObserveRead(pos, n int64, size uint64) {
	h.anyRead.Store(true)
	if pos != h.linearPos.Load() {
		h.nonLinear.Store(true)
	}
	h.linearPos.Store(pos + n)
	if uint64(pos+n) >= size {
		h.linearEOF.Store(true)
	} else {
		h.linearEOF.Store(false)
	}
}

// WasLinearToEOF reports whether every read on this handle was sequential
// and the cursor reached end-of-file — the condition that arms pre-read for
// the next file opened in the same directory (§4.E.3).
func (h *Handle) WasLinearToEOF() bool {
	return !h.nonLinear.Load() && h.linearEOF.Load()
}

// AnyReadObserved reports whether at least one read happened on this
// handle. Per §4.E.3, a handle that never read anything leaves the parent
// directory's linear_read flag untouched rather than clearing it.
func (h *Handle) AnyReadObserved() bool { return h.anyRead.Load() }
