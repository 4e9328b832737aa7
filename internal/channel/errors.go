package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNotFound means the source has no matching record.
	ErrNotFound = errors.New("channel: not found")
	// ErrNoLocation means no geolocation provider produced a result.
	ErrNoLocation = errors.New("channel: ip location unavailable")
)

// Category tags a data-access fault. The engine embeds it in 500 verdicts.
type Category string

const (
	CategoryDataNotFound  Category = "DataNotFound"
	CategoryModelNotFound Category = "ModelNotFound"
	CategoryDB            Category = "DbException"
	CategoryTransport     Category = "TransportException"
	CategoryTimeout       Category = "TimeoutException"
)

// Fault is a data-access failure other than a plain miss.
type Fault struct {
	Category Category
	Err      error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %v", f.Category, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault wraps err in a Fault of the given category.
func NewFault(category Category, err error) *Fault {
	return &Fault{Category: category, Err: err}
}

// AsFault classifies err. Existing faults are returned as is; context
// deadlines and network timeouts become CategoryTimeout; anything else is
// tagged with fallback.
func AsFault(err error, fallback Category) *Fault {
	if err == nil {
		return nil
	}
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewFault(CategoryTimeout, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return NewFault(CategoryTimeout, err)
	}
	return NewFault(fallback, err)
}
