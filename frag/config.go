package frag

import (
	"fmt"
	"log/slog"
	"math"
)

// FallbackPolicy decides what a refill does when the large block is
// unavailable and the request does not fit an order-0 block.
type FallbackPolicy uint8

const (
	// FallbackKeep installs the order-0 block anyway. The oversized request
	// fails, and the small block serves the requests that follow.
	FallbackKeep FallbackPolicy = iota

	// FallbackSkip skips the order-0 acquisition when it could not serve the
	// request, leaving the cache empty.
	FallbackSkip
)

func (p FallbackPolicy) String() string {
	switch p {
	case FallbackKeep:
		return "keep"
	case FallbackSkip:
		return "skip"
	default:
		return fmt.Sprintf("FallbackPolicy(%d)", uint8(p))
	}
}

// Config tunes a Cache. Sizes are derived from the provider page size.
type Config struct {
	// Name for this configuration (for stats and logs)
	Name string

	// MaxOrder is the preferred block order. Refill asks for it first, without
	// blocking and without touching the emergency reserve, then falls back to
	// order 0. Zero means order-0 blocks only.
	MaxOrder uint8

	// Ceiling is the largest fragment the cache serves. Zero means one page.
	// Must not exceed the large block size.
	Ceiling int

	// Batch is the number of references prepaid on every block generation.
	// Zero means one more than the large block size, which is enough for a
	// generation of one-byte fragments.
	Batch int32

	// AllowReserve lets the order-0 fallback be served from the provider's
	// emergency reserve.
	AllowReserve bool

	// SmallFallback is the policy for requests larger than a page when only
	// an order-0 block is available.
	SmallFallback FallbackPolicy

	// Logger overrides the package logger (internal/logger.L).
	Logger *slog.Logger
}

// Predefined configurations.
var (
	// ConfigSmallOnly carves one-page blocks only.
	ConfigSmallOnly = Config{
		Name:     "SmallOnly",
		MaxOrder: 0,
	}

	// ConfigNetwork matches a network receive path: 32 KiB blocks with 4 KiB
	// pages, fragments up to one page.
	ConfigNetwork = Config{
		Name:     "Network",
		MaxOrder: 3,
	}

	// ConfigJumbo serves fragments up to the full large block and refuses
	// small fallback blocks that could not hold them.
	ConfigJumbo = Config{
		Name:          "Jumbo",
		MaxOrder:      3,
		Ceiling:       32768,
		SmallFallback: FallbackSkip,
	}

	// DefaultConfig is used when New is given a zero Config.
	DefaultConfig = ConfigNetwork
)

// resolve fills the derived defaults for a provider page size and validates
// the result.
func (c Config) resolve(pageSize int) (Config, error) {
	if pageSize < minPageSize || pageSize&(pageSize-1) != 0 {
		return c, fmt.Errorf("%w: provider page size %d must be a power of two >= %d",
			ErrInvalidConfig, pageSize, minPageSize)
	}
	if c.MaxOrder > 30 {
		return c, fmt.Errorf("%w: max order %d", ErrInvalidConfig, c.MaxOrder)
	}
	large := pageSize << c.MaxOrder
	if large <= 0 || large > math.MaxInt32-1 {
		return c, fmt.Errorf("%w: block size %d << %d overflows", ErrInvalidConfig, pageSize, c.MaxOrder)
	}

	if c.Ceiling == 0 {
		c.Ceiling = pageSize
	}
	if c.Batch == 0 {
		c.Batch = int32(large) + 1
	}

	switch {
	case c.Ceiling < 0 || c.Ceiling > large:
		return c, fmt.Errorf("%w: ceiling %d outside (0, %d]", ErrInvalidConfig, c.Ceiling, large)
	case c.Batch <= int32(large):
		return c, fmt.Errorf("%w: batch %d must exceed block size %d", ErrInvalidConfig, c.Batch, large)
	case c.SmallFallback > FallbackSkip:
		return c, fmt.Errorf("%w: %s", ErrInvalidConfig, c.SmallFallback)
	}
	return c, nil
}

// Validate checks the configuration against a provider page size.
func (c Config) Validate(pageSize int) error {
	_, err := c.resolve(pageSize)
	return err
}
