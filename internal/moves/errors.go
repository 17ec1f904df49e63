package moves

import "errors"

var (
	ErrNoSources     = errors.New("no sources to move")
	ErrUnknownPath   = errors.New("path does not exist")
	ErrSelfMove      = errors.New("cannot move an item onto itself")
	ErrCycle         = errors.New("cannot move a directory into itself")
	ErrIntoSelection = errors.New("cannot move into a selected item")
	ErrNameConflict  = errors.New("destination already contains an item with that name")
	ErrNothingToMove = errors.New("every source is already in the destination")
	ErrInvalidName   = errors.New("invalid name")
	ErrNotADirectory = errors.New("parent is not a directory")
	ErrRootImmutable = errors.New("the repository root cannot be moved or renamed")
)

// RejectError is returned when a batch fails validation. Nothing is mutated.
type RejectError struct {
	Path string
	Err  error
}

func (e *RejectError) Error() string {
	if e.Path == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ": " + e.Path
}

func (e *RejectError) Unwrap() error {
	return e.Err
}

func reject(path string, err error) error {
	return &RejectError{Path: path, Err: err}
}

// Reason returns a short label for a validation error, suitable for metrics.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrNoSources):
		return "no_sources"
	case errors.Is(err, ErrUnknownPath):
		return "unknown_path"
	case errors.Is(err, ErrSelfMove):
		return "self_move"
	case errors.Is(err, ErrCycle):
		return "cycle"
	case errors.Is(err, ErrIntoSelection):
		return "into_selection"
	case errors.Is(err, ErrNameConflict):
		return "name_conflict"
	case errors.Is(err, ErrNothingToMove):
		return "noop"
	case errors.Is(err, ErrInvalidName):
		return "invalid_name"
	case errors.Is(err, ErrNotADirectory):
		return "not_a_directory"
	case errors.Is(err, ErrRootImmutable):
		return "root"
	default:
		return "other"
	}
}
