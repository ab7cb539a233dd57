package dhandle

import (
	"time"

	"github.com/daos-stack/dfused/internal/dinode"
)

// Write performs one write-back write against e, taking the shared
// write-lock around the backend call so a concurrent getattr can drain
// in-flight writes before trusting the cached size (§4.E.4, §5, §8
// scenario 5).
func Write(e *dinode.Entry, writeBackCache bool, do func() error) error {
	if writeBackCache {
		e.BeginWrite()
		defer e.EndWrite()
	}
	return do()
}

// OnClose applies §4.E.4's cache-invalidation rules for a file handle being
// released:
//
//   - written through the cache: evict metadata cache, refresh data timer.
//   - not written: refresh the data timer only.
//   - interception library attached (h.ILCount() > 0 or e.ILCount() > 0):
//     evict both caches regardless, forcing the kernel to re-fetch.
func (h *Handle) OnClose(e *dinode.Entry, now time.Time) {
	if h.ILCount() > 0 || e.ILCount() > 0 {
		e.EvictAttr()
		e.EvictData()
		return
	}
	if h.WrittenThrough.Load() {
		e.EvictAttr()
		e.RefreshData(now)
		return
	}
	e.RefreshData(now)
}
