package blockstm

import (
	"fmt"

	"github.com/pingcap/errors"
)

var (
	// ErrHalted is returned from a view read once the block execution has
	// been halted. VMs should propagate it; the attempt is discarded.
	ErrHalted = errors.New("block execution halted")
	// ErrStorage wraps failures of the base state view. It is fatal for the block.
	ErrStorage = errors.New("base state view read failed")

	ErrInvalidConfig = errors.New("invalid config")
)

// InvariantError reports a broken scheduler invariant. It terminates the
// block execution instead of risking a divergent result.
type InvariantError struct {
	Version Version
	Msg     string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated at txn %d incarnation %d: %s", e.Version.Index, e.Version.Incarnation, e.Msg)
}

func invariant(v Version, format string, args ...interface{}) {
	panic(&InvariantError{Version: v, Msg: fmt.Sprintf(format, args...)})
}

// IsInvariantError reports whether err is, or wraps, an InvariantError.
func IsInvariantError(err error) bool {
	_, ok := errors.Cause(err).(*InvariantError)
	return ok
}

func storageError(err error) error {
	return errors.Annotatef(ErrStorage, "%v", err)
}

// IsStorageError reports whether err came from the base state view.
func IsStorageError(err error) bool {
	return errors.Cause(err) == ErrStorage
}
