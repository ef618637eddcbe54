package dag

import (
	"errors"
	"fmt"
)

var (
	ErrSelfLoop = errors.New("task cannot depend on itself")
	ErrCycle    = errors.New("adding this dependency creates a cycle")
)

// EdgeError reports why a prospective edge was refused.
type EdgeError struct {
	Kind error
	From int64
	To   int64
}

func (e *EdgeError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %d -> %d", e.Kind.Error(), e.From, e.To)
}

func (e *EdgeError) Unwrap() error { return e.Kind }
