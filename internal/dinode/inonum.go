// Package dinode implements the inode table (spec component D): a
// kernel-lookup-count-keyed map from fuseops.InodeID to backend objects,
// grounded on the teacher's fileSystem.inodes map and
// lookUpOrCreateInodeIfNotStale / unlockAndDecrementLookupCount pair in
// fs/fs.go, and fs/inode/lookup_count.go's destroy-callback discipline.
package dinode

import "github.com/jacobsa/fuse/fuseops"

// RootInodeID is the fixed inode number of a container's root directory,
// matching fuseops.RootInodeID.
const RootInodeID = fuseops.RootInodeID

// Number computes the inode number for a backend object, bit-for-bit per
// the spec's formula:
//
//	((obj.hi & 0x0000_FFFF_FFFF_FFFF) | (containerIno << 48)) XOR (obj.lo << 32)
//
// This is a compatibility contract, not an implementation detail: tools
// built against the original dfuse rely on the same bit layout to recover
// a container-local object id from a reported inode number.
func Number(objHi, objLo uint64, containerIno uint64) fuseops.InodeID {
	const loBitsMask = 0x0000_FFFF_FFFF_FFFF
	mixed := (objHi & loBitsMask) | (containerIno << 48)
	return fuseops.InodeID(mixed ^ (objLo << 32))
}
