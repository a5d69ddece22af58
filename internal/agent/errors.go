package agent

import (
	"errors"
	"fmt"
)

// Input errors are fatal and never retried: the task itself is bad.
var (
	ErrUnknownTaskKind          = errors.New("unknown task kind")
	ErrDuplicateQuestionNumbers = errors.New("duplicate question numbers in extraction")
)

// ServiceError wraps a reasoning-service failure with the tool that hit it.
// Service errors terminate the task without retry; retries exist to correct
// reasoning-quality problems, not transient service failures.
type ServiceError struct {
	Tool ToolID
	Err  error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// IsInputError reports whether err belongs to the fatal input error class.
func IsInputError(err error) bool {
	return errors.Is(err, ErrUnknownTaskKind) || errors.Is(err, ErrDuplicateQuestionNumbers)
}
