// Package errs defines soundprint's error taxonomy as sentinel errors
// other packages wrap with fmt.Errorf("...: %w", err).
package errs

import "errors"

var (
	// DecodeError: the input audio could not be read or decoded to PCM.
	DecodeError = errors.New("decode error")

	// ConfigError: an invalid parameter combination (e.g. unknown hash method,
	// non-positive window/hop length).
	ConfigError = errors.New("config error")

	// EmptyInput: processing produced no peaks or no fingerprints. This is a
	// non-fatal condition; callers treat it as "no fingerprints", not a failure.
	EmptyInput = errors.New("empty input")

	// StorageError: a shard open/insert/query failure in the storage backend.
	StorageError = errors.New("storage error")

	// NotFound: a query produced no matches above the configured threshold.
	NotFound = errors.New("not found")

	// Internal: an unexpected condition that doesn't fit the other categories.
	Internal = errors.New("internal error")
)
