package storeerrors

import (
	"errors"
	"fmt"
)

var (
	ErrRegionNotFound  = errors.New("pagemapdb: region not found")
	ErrClosed          = errors.New("pagemapdb: closed")
	ErrInvalidArgument = errors.New("pagemapdb: invalid argument")
	ErrMergeRunning    = errors.New("pagemapdb: merge running")
)

// InvalidOverlayError reports structural corruption of a persisted overlay
// file. It is never produced for a plain I/O failure; callers can rely on
// errors.As to tell the two apart.
type InvalidOverlayError struct {
	Path   string
	Detail string
}

func (e *InvalidOverlayError) Error() string {
	return fmt.Sprintf("pagemapdb: invalid overlay %s: %s", e.Path, e.Detail)
}

// IsInvalidOverlay reports whether err is an InvalidOverlayError.
func IsInvalidOverlay(err error) bool {
	var ie *InvalidOverlayError
	return errors.As(err, &ie)
}
