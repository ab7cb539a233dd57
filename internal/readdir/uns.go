package readdir

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DunsXattr is the xattr carrying a UNS mount-point descriptor (§4.F.1).
const DunsXattr = "user.daos.duns"

// UNSDescriptor is the decoded (type, pool, container) triple stored in a
// directory's duns xattr. Type names the container layout ("POSIX" is the
// only one this daemon traverses into).
type UNSDescriptor struct {
	Type      string
	Pool      uuid.UUID
	Container uuid.UUID
}

// ParseDuns tokenizes a duns xattr value. The format is the original
// tool-chain's attribute string:
//
//	DAOS.<type>://<pool-uuid>/<container-uuid>
//
// with a tolerant fallback for the plain colon-joined triple
// <type>:<pool-uuid>:<container-uuid> emitted by older tools.
func ParseDuns(value []byte) (UNSDescriptor, error) {
	s := strings.TrimSpace(string(value))
	if s == "" {
		return UNSDescriptor{}, fmt.Errorf("empty duns attribute")
	}

	var typ, pool, cont string
	if rest, ok := strings.CutPrefix(s, "DAOS."); ok {
		t, tail, found := strings.Cut(rest, "://")
		if !found {
			return UNSDescriptor{}, fmt.Errorf("malformed duns attribute %q", s)
		}
		p, c, found := strings.Cut(strings.TrimPrefix(tail, "/"), "/")
		if !found {
			return UNSDescriptor{}, fmt.Errorf("malformed duns attribute %q", s)
		}
		typ, pool, cont = t, p, strings.TrimSuffix(c, "/")
	} else {
		parts := strings.Split(s, ":")
		if len(parts) != 3 {
			return UNSDescriptor{}, fmt.Errorf("malformed duns attribute %q", s)
		}
		typ, pool, cont = parts[0], parts[1], parts[2]
	}

	poolUUID, err := uuid.Parse(pool)
	if err != nil {
		return UNSDescriptor{}, fmt.Errorf("duns pool uuid %q: %w", pool, err)
	}
	contUUID, err := uuid.Parse(cont)
	if err != nil {
		return UNSDescriptor{}, fmt.Errorf("duns container uuid %q: %w", cont, err)
	}
	return UNSDescriptor{Type: strings.ToUpper(typ), Pool: poolUUID, Container: contUUID}, nil
}

// IsPOSIX reports whether the descriptor names a container this daemon
// can project; other layouts surface as plain directories.
func (d UNSDescriptor) IsPOSIX() bool { return d.Type == "POSIX" }
