// Package perr defines the error taxonomy shared by every pstkit layer:
// unexpected_page, invalid_argument, key_not_found<K>, duplicate_key<K>,
// node_save_error, format_error. It defines no io_error value; I/O
// failures reach callers as the errors the device layer returns.
package perr

import (
	"errors"
	"fmt"
)

// Sentinel errors for the kinds that carry no type parameter. Wrap with
// fmt.Errorf("...: %w", ErrX) to attach context; callers check with
// errors.Is.
var (
	// ErrUnexpectedPage is raised when an address or page reference falls
	// outside what the relevant structure could ever describe.
	ErrUnexpectedPage = errors.New("pstkit: unexpected page")

	// ErrInvalidArgument marks a precondition violation (e.g. an
	// allocation request wider than a single AMap page can express).
	ErrInvalidArgument = errors.New("pstkit: invalid argument")

	// ErrNodeSaveConflict is raised when a commit's rebase check finds the
	// parent has diverged since the child's snapshot was taken.
	ErrNodeSaveConflict = errors.New("pstkit: node save error")

	// ErrFormat marks structural corruption detected on read (bad CRC,
	// impossible page type, out-of-range offset).
	ErrFormat = errors.New("pstkit: format error")
)

// NotFoundError is key_not_found<K>.
type NotFoundError[K any] struct {
	Key K
}

func (e *NotFoundError[K]) Error() string {
	return fmt.Sprintf("pstkit: key not found: %v", e.Key)
}

// NotFound constructs a NotFoundError for key.
func NotFound[K any](key K) error {
	return &NotFoundError[K]{Key: key}
}

// IsNotFound reports whether err, or an error it wraps, is a NotFoundError
// with a uint16, uint32, uint64 or string key; other key types are not
// recognized.
func IsNotFound(err error) bool {
	var generic interface{ Error() string }
	_ = generic
	for err != nil {
		switch err.(type) {
		case *NotFoundError[uint32], *NotFoundError[uint64], *NotFoundError[uint16], *NotFoundError[string]:
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// DuplicateKeyError is duplicate_key<K>.
type DuplicateKeyError[K any] struct {
	Key K
}

func (e *DuplicateKeyError[K]) Error() string {
	return fmt.Sprintf("pstkit: duplicate key: %v", e.Key)
}

// Duplicate constructs a DuplicateKeyError for key.
func Duplicate[K any](key K) error {
	return &DuplicateKeyError[K]{Key: key}
}
