package manager

import (
	"errors"
	"fmt"
)

// ErrCanceled is returned by registrations on a cancelled manager
var ErrCanceled = errors.New("manager has been cancelled")

// ConfigError reports a registration that cannot be served, such as an unknown collection
type ConfigError struct {
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	if e.Err == nil {
		return "manager: " + e.Reason
	}
	return fmt.Sprintf("manager: %s: %v", e.Reason, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
