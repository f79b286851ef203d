package elfx

import "errors"

var (
	// ErrMalformed wraps every structural parse failure.
	ErrMalformed = errors.New("malformed ELF image")
	// ErrDuplicate is returned when adding a section or program header twice.
	ErrDuplicate = errors.New("already present")
	// ErrNotFound is returned when removing or updating something absent.
	ErrNotFound = errors.New("not present")
	// ErrNoShstr is returned when names are requested from an image without
	// a section header string table.
	ErrNoShstr = errors.New("no section header string table")
	// ErrUnresolvedName is returned when a name index does not resolve.
	ErrUnresolvedName = errors.New("unresolved name")
	// ErrInconsistent is returned when a table cannot be rewritten safely.
	ErrInconsistent = errors.New("inconsistent table")
	// ErrClosed is returned by mutations on a closed image.
	ErrClosed = errors.New("image closed")
)
