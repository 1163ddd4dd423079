package frag

import "errors"

var (
	// ErrProviderExhausted indicates that the provider could not supply a
	// block of any size class. The provider's own error is wrapped alongside.
	ErrProviderExhausted = errors.New("frag: provider exhausted")

	// ErrOversize indicates a request above the cache's configured ceiling.
	// Larger fragments must come from a different allocator.
	ErrOversize = errors.New("frag: request above ceiling")

	// ErrBadAlign indicates an alignment that is not a positive power of two.
	ErrBadAlign = errors.New("frag: alignment is not a power of two")

	// ErrInvalidSize indicates a fragment size below one byte.
	ErrInvalidSize = errors.New("frag: size must be positive")

	// ErrBadAddr indicates an address that does not belong to a live block.
	ErrBadAddr = errors.New("frag: address not inside a live block")

	// ErrInvalidConfig indicates a Config that failed validation.
	ErrInvalidConfig = errors.New("frag: invalid config")
)
