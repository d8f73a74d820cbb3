package booking

import (
	"errors"
	"fmt"
)

// ContractViolation is raised by panic when a store breaks its contract with
// the engine. It signals a backend bug, never a client error.
type ContractViolation struct {
	Message string
}

func (c *ContractViolation) Error() string {
	return "internal library configuration error: " + c.Message
}

func violation(format string, args ...any) {
	panic(&ContractViolation{Message: fmt.Sprintf(format, args...)})
}

// errSilentRollback aborts a transaction when item errors alone explain the failure.
var errSilentRollback = errors.New("booking: silent rollback")
