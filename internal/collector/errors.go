package collector

import (
	"errors"
	"fmt"

	"github.com/bc-dunia/satori/internal/types"
)

var (
	// ErrNoProbe is reported for an enabled category without a probe.
	ErrNoProbe = errors.New("no probe registered")

	// ErrEmptyResult is reported when a probe returns neither data nor error.
	ErrEmptyResult = errors.New("probe returned no result")
)

// CollectionError is a category-scoped collection failure. It never leaves
// the collector as a returned error of Collect; it is only reported.
type CollectionError struct {
	Category types.Category
	Err      error
}

func (e *CollectionError) Error() string {
	return fmt.Sprintf("collect %s: %v", e.Category, e.Err)
}

func (e *CollectionError) Unwrap() error {
	return e.Err
}
