package datagrid

import (
	"errors"
	"fmt"

	"github.com/datagrid-io/datagrid/overflow"
	"github.com/datagrid-io/datagrid/region"
)

// Error types for specific failure scenarios
var (
	// ErrNotFound indicates an overflow reference that was compacted away
	ErrNotFound = overflow.ErrNotFound

	// ErrTimeout indicates a spill or fetch exceeded the caller's deadline
	ErrTimeout = overflow.ErrTimeout

	// ErrStaleVersion indicates a versioned write lost a concurrency-stamp check
	ErrStaleVersion = region.ErrStaleVersion

	// ErrInvalidConfig indicates invalid configuration options
	ErrInvalidConfig = errors.New("datagrid: invalid configuration")

	// ErrRegionExists indicates a region with the requested name already exists
	ErrRegionExists = errors.New("datagrid: region already exists")

	// ErrRegionNotFound indicates the named region does not exist
	ErrRegionNotFound = errors.New("datagrid: region not found")

	// ErrClosed indicates the grid has been closed
	ErrClosed = errors.New("datagrid: grid is closed")
)

// RegionError wraps a region-scoped failure with its region name
type RegionError struct {
	Region string
	Op     string
	Err    error
}

// Error implements the error interface
func (e *RegionError) Error() string {
	return fmt.Sprintf("region %s: %s: %v", e.Region, e.Op, e.Err)
}

// Unwrap returns the wrapped error
func (e *RegionError) Unwrap() error {
	return e.Err
}
