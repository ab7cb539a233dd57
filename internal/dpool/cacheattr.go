package dpool

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/daos-stack/dfused/internal/backend"
	"github.com/daos-stack/dfused/internal/logger"
)

// Container attribute names read once at mount time. The set is bounded;
// anything else on the container is ignored by the daemon.
const (
	AttrTimeName        = "dfuse-attr-time"
	DentryTimeName      = "dfuse-dentry-time"
	DentryDirTimeName   = "dfuse-dentry-dir-time"
	NDentryTimeName     = "dfuse-ndentry-time"
	DataCacheName       = "dfuse-data-cache"
	DirectIODisableName = "dfuse-direct-io-disable"
	WritebackName       = "dfuse-wb-cache"
)

// CacheMode is the decoded form of one caching attribute value.
type CacheMode int

const (
	// CacheDefault means the attribute was not set on the container.
	CacheDefault CacheMode = iota
	CacheOff
	CacheOn
	// CacheOTOC is open-to-close consistency: cache while a handle is
	// open, drop on the last close.
	CacheOTOC
	// CacheTimed caches for Setting.Timeout.
	CacheTimed
)

// CacheSetting is one parsed caching attribute.
type CacheSetting struct {
	Mode    CacheMode
	Timeout time.Duration // meaningful only when Mode == CacheTimed
}

// Enabled reports whether the setting allows any caching at all.
func (s CacheSetting) Enabled() bool {
	return s.Mode == CacheOn || s.Mode == CacheOTOC || s.Mode == CacheTimed && s.Timeout > 0
}

// Set reports whether the attribute was present on the container.
func (s CacheSetting) Set() bool { return s.Mode != CacheDefault }

func (s CacheSetting) String() string {
	switch s.Mode {
	case CacheOff:
		return "off"
	case CacheOn:
		return "on"
	case CacheOTOC:
		return "otoc"
	case CacheTimed:
		return s.Timeout.String()
	}
	return "default"
}

// suffix multipliers for the <N>[dhms] form.
var timeSuffixes = map[byte]time.Duration{
	'd': 86400 * time.Second,
	'h': 3600 * time.Second,
	'm': 60 * time.Second,
	's': time.Second,
}

// ParseCacheSetting decodes one attribute value. Accepted forms are
// off/false, on/true, otoc, and <N> with an optional single-letter suffix
// (d, h, m, s); a bare integer means seconds. Anything else is rejected.
func ParseCacheSetting(v string) (CacheSetting, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "off", "false":
		return CacheSetting{Mode: CacheOff}, nil
	case "on", "true":
		return CacheSetting{Mode: CacheOn}, nil
	case "otoc":
		return CacheSetting{Mode: CacheOTOC}, nil
	}

	s := strings.TrimSpace(v)
	if s == "" {
		return CacheSetting{}, fmt.Errorf("empty caching attribute value")
	}
	mult := time.Second
	if last := s[len(s)-1]; last < '0' || last > '9' {
		m, ok := timeSuffixes[last]
		if !ok {
			return CacheSetting{}, fmt.Errorf("invalid caching attribute value %q", v)
		}
		mult = m
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return CacheSetting{}, fmt.Errorf("invalid caching attribute value %q", v)
	}
	return CacheSetting{Mode: CacheTimed, Timeout: time.Duration(n) * mult}, nil
}

// CachingAttrs is the full per-container caching policy (§3 container
// record). Zero value means "nothing set": Rationalize fills defaults.
type CachingAttrs struct {
	Attr      CacheSetting // metadata (stat) cache timeout
	Dentry    CacheSetting
	DentryDir CacheSetting
	NDentry   CacheSetting // negative dentries
	Data      CacheSetting

	DirectIODisable bool
	Writeback       bool
}

// ReadAttrs fetches the bounded attribute set from the container and
// parses each present value. A malformed value fails the whole container
// open; a missing one is simply left at its default.
func ReadAttrs(ctx context.Context, cont backend.Container) (CachingAttrs, error) {
	var a CachingAttrs
	read := func(name string, dst *CacheSetting) error {
		v, ok, err := cont.Attr(ctx, name)
		if err != nil {
			return fmt.Errorf("reading container attribute %s: %w", name, err)
		}
		if !ok {
			return nil
		}
		s, err := ParseCacheSetting(v)
		if err != nil {
			return fmt.Errorf("container attribute %s: %w", name, err)
		}
		*dst = s
		return nil
	}
	for _, f := range []struct {
		name string
		dst  *CacheSetting
	}{
		{AttrTimeName, &a.Attr},
		{DentryTimeName, &a.Dentry},
		{DentryDirTimeName, &a.DentryDir},
		{NDentryTimeName, &a.NDentry},
		{DataCacheName, &a.Data},
	} {
		if err := read(f.name, f.dst); err != nil {
			return CachingAttrs{}, err
		}
	}
	readBool := func(name string, dst *bool) error {
		v, ok, err := cont.Attr(ctx, name)
		if err != nil {
			return fmt.Errorf("reading container attribute %s: %w", name, err)
		}
		if !ok {
			return nil
		}
		s, err := ParseCacheSetting(v)
		if err != nil || s.Mode == CacheTimed || s.Mode == CacheOTOC {
			return fmt.Errorf("container attribute %s must be on or off", name)
		}
		*dst = s.Mode == CacheOn
		return nil
	}
	if err := readBool(DirectIODisableName, &a.DirectIODisable); err != nil {
		return CachingAttrs{}, err
	}
	if err := readBool(WritebackName, &a.Writeback); err != nil {
		return CachingAttrs{}, err
	}
	return a, nil
}

// Rationalize applies the composite rules of §4.C after parsing:
//
//   - direct-IO-disable on with data cache off forces data caching on,
//     since disabling direct IO makes the kernel page cache authoritative
//     and the daemon must then keep it fed.
//   - a dentry timeout with no dentry-dir timeout makes directories
//     inherit the file timeout.
func (a *CachingAttrs) Rationalize() {
	if a.DirectIODisable && !a.Data.Enabled() {
		logger.Warnf("direct-io-disable set with data caching off; forcing data caching on")
		a.Data = CacheSetting{Mode: CacheOn}
	}
	if a.Dentry.Set() && !a.DentryDir.Set() {
		a.DentryDir = a.Dentry
	}
}

// DentryTimeout returns the effective dentry timeout for the invalidation
// engine, zero when dentry caching is disabled or untimed.
func (a CachingAttrs) DentryTimeout() time.Duration {
	if a.Dentry.Mode == CacheTimed {
		return a.Dentry.Timeout
	}
	return 0
}

// DentryDirTimeout is DentryTimeout for directory entries.
func (a CachingAttrs) DentryDirTimeout() time.Duration {
	if a.DentryDir.Mode == CacheTimed {
		return a.DentryDir.Timeout
	}
	return 0
}

// AttrTimeout is the metadata-cache validity window handed back to the
// kernel in AttributesExpiration; zero when attribute caching is off.
func (a CachingAttrs) AttrTimeout() time.Duration {
	if a.Attr.Mode == CacheTimed {
		return a.Attr.Timeout
	}
	return 0
}

// DataEnabled reports whether data caching (pre-read, chunk cache,
// keep-page-cache) is in effect.
func (a CachingAttrs) DataEnabled() bool { return a.Data.Enabled() }
