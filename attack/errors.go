package attack

import (
	"errors"
	"fmt"

	"rowhammer/fault"
)

var (
	// ErrUnsupportedRowCount is returned when the number of rows to hammer
	// cannot be handled by the selected strategy.
	ErrUnsupportedRowCount = errors.New("unsupported row count")

	// ErrPreexistingFault is matched by *PreexistingFaultError.
	ErrPreexistingFault = errors.New("faults present before attack")

	// ErrBusy is returned when an attack is already running on the driver.
	ErrBusy = errors.New("attack already in progress")

	ErrInvalidConfig = errors.New("invalid attack config")
)

// PreexistingFaultError reports flips found by the initial verification,
// before any hammering. The attack is not run.
type PreexistingFaultError struct {
	Faults []fault.RowFaults
}

func (e *PreexistingFaultError) Error() string {
	return fmt.Sprintf("%v: %d flips in %d rows", ErrPreexistingFault, fault.Count(e.Faults), len(e.Faults))
}

func (e *PreexistingFaultError) Is(target error) bool { return target == ErrPreexistingFault }
