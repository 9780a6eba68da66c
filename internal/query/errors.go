package query

import (
	"errors"
	"fmt"
)

// ErrWrongCollection is the panic value of relational helpers wired to the wrong collection
var ErrWrongCollection = errors.New("query is bound to the wrong collection")

// ErrNoSearcher is returned when a query searches without a search capability
var ErrNoSearcher = errors.New("no searcher configured")

// Error is an evaluation failure of one query
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("query %q: %v", e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
