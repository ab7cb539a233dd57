package fake

import (
	"fmt"

	"github.com/daos-stack/dfused/internal/dfuseerr"
)

// Sentinels wrap the daemon's error kinds so the dispatch layer's errno
// mapping works on fake-backed errors exactly as it would on real ones.
var (
	ErrNotFound = fmt.Errorf("fake: %w", dfuseerr.ErrNotFound)
	ErrExist    = fmt.Errorf("fake: %w", dfuseerr.ErrExist)
	ErrNotDir   = fmt.Errorf("fake: %w", dfuseerr.ErrNotDir)
	ErrIsDir    = fmt.Errorf("fake: %w", dfuseerr.ErrIsDir)
	ErrNotEmpty = fmt.Errorf("fake: %w", dfuseerr.ErrNotEmpty)
	ErrNoXattr  = fmt.Errorf("fake: %w", dfuseerr.ErrNoXattr)
	ErrInvalid  = fmt.Errorf("fake: %w", dfuseerr.ErrInvalid)
)
