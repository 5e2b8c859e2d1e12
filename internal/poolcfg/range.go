package poolcfg

import (
	"fmt"
	"math/rand"
)

// IntOrRange models fields like max_requests_per_child that accept either a
// scalar or a [lo, hi] range, randomised per worker on spawn. Hot-updating
// the pool config never re-randomises proxies that already resolved a
// value -- callers resolve once at spawn time and hold the result.
type IntOrRange struct {
	Lo, Hi int
}

// Scalar reports whether Lo == Hi, i.e. no randomisation is configured.
func (r IntOrRange) Scalar() bool { return r.Lo == r.Hi }

// Resolve picks a value in [Lo, Hi], inclusive. For a scalar range it
// always returns that value.
func (r IntOrRange) Resolve(rng *rand.Rand) int {
	if r.Hi <= r.Lo {
		return r.Lo
	}
	return r.Lo + rng.Intn(r.Hi-r.Lo+1)
}

// UnmarshalYAML accepts either a bare integer or a two-element sequence.
func (r *IntOrRange) UnmarshalYAML(unmarshal func(any) error) error {
	var scalar int
	if err := unmarshal(&scalar); err == nil {
		r.Lo, r.Hi = scalar, scalar
		return nil
	}

	var pair []int
	if err := unmarshal(&pair); err != nil {
		return fmt.Errorf("poolcfg: expected int or [lo, hi], got neither: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("poolcfg: range must have exactly 2 elements, got %d", len(pair))
	}
	if pair[0] > pair[1] {
		return fmt.Errorf("poolcfg: range lo (%d) must be <= hi (%d)", pair[0], pair[1])
	}
	r.Lo, r.Hi = pair[0], pair[1]
	return nil
}

// MarshalYAML renders a scalar range as a bare int and a real range as a
// pair, so round-tripping a loaded config back to disk stays readable.
func (r IntOrRange) MarshalYAML() (any, error) {
	if r.Scalar() {
		return r.Lo, nil
	}
	return []int{r.Lo, r.Hi}, nil
}
