package mera

import "errors"

var (
	// ErrConfiguration indicates an unrecognized enum value in an Options
	// record or an invalid Side argument. It is never retried.
	ErrConfiguration = errors.New("mera: invalid configuration")
	// ErrInvariant indicates a vector-space mismatch between tensor legs,
	// detected by a validated SetLayer or a whole-network check.
	ErrInvariant = errors.New("mera: space invariant violated")
	// ErrCacheConsistency indicates an operator-cache fetch that would skip
	// an unstored lower index. It is a programming error.
	ErrCacheConsistency = errors.New("mera: operator cache prefix missing")
	// ErrNotConverged indicates an iterative solve hit its iteration budget
	// before reaching its threshold. The best-so-far result is still valid.
	ErrNotConverged = errors.New("mera: not converged")
)
