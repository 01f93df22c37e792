// Package errs defines the tagged error categories shared by the agent and
// server so callers can branch on failure class with errors.Is/errors.As
// instead of string matching.
package errs

import "errors"

// Category tags one of the error classes.
type Category string

const (
	// CategoryConfig covers parse/validation failures. Recovered by
	// rejecting the change and reporting upstream; never fatal.
	CategoryConfig Category = "config"

	// CategoryTransport covers DNS/TCP/TLS/HTTP/DoH failures recorded as a
	// failed raw sample. Never fatal.
	CategoryTransport Category = "transport"

	// CategoryProtocol covers malformed server responses and auth
	// rejections. Same handling as transport, logged at warning level.
	CategoryProtocol Category = "protocol"

	// CategoryResource covers oversize responses, JSON truncation, and
	// store flush I/O errors.
	CategoryResource Category = "resource"

	// CategoryPolicy covers rate limiting, whitelist denial, and bandwidth
	// slot contention. Surfaced as HTTP 403/429, no state change.
	CategoryPolicy Category = "policy"

	// CategoryFatal covers startup failures that should exit the process
	// with a diagnostic: store open failure, listen bind failure.
	CategoryFatal Category = "fatal"
)

// Error is a categorized, wrapped error.
type Error struct {
	Category Category
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Category, letting
// callers write errors.Is(err, errs.Transport) style checks via the
// category sentinels below.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) && other.Err == nil {
		return e.Category == other.Category
	}
	return false
}

// New wraps err under category, with op as the failing operation name.
func New(category Category, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Category: category, Op: op, Err: err}
}

// category sentinels: compare with errors.Is(err, errs.Transport) etc.
// Each has a nil Err so Error.Is only matches on Category.
var (
	Config    = &Error{Category: CategoryConfig}
	Transport = &Error{Category: CategoryTransport}
	Protocol  = &Error{Category: CategoryProtocol}
	Resource  = &Error{Category: CategoryResource}
	Policy    = &Error{Category: CategoryPolicy}
	Fatal     = &Error{Category: CategoryFatal}
)

// OfCategory reports whether err (or something it wraps) is an *Error
// tagged with category.
func OfCategory(err error, category Category) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Category == category
}
