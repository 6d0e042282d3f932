package engine

import (
	"errors"
	"fmt"

	"github.com/hyperengineering/factstore/internal/validation"
)

var (
	// ErrSubjectMismatch indicates a diff computed for one subject was
	// applied to another.
	ErrSubjectMismatch = errors.New("diff subject does not match target identifier")
)

// InvalidFactsError reports a fact-set rejected before any write.
type InvalidFactsError struct {
	Errors []validation.ValidationError
}

func (e *InvalidFactsError) Error() string {
	if len(e.Errors) == 0 {
		return "invalid facts"
	}
	return fmt.Sprintf("invalid facts: %s %s (and %d more)", e.Errors[0].Field, e.Errors[0].Message, len(e.Errors)-1)
}
