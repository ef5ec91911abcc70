// Package keypool provides pure value types and selection functions for
// rotating a fixed pool of upstream credentials. It has no dependency on
// I/O, time-of-day, or goroutines: callers supply "now" and randomness
// explicitly so the selection logic is deterministic and testable.
package keypool

import "time"

// Strategy selects how an available key is chosen when more than one
// candidate is in the available set.
type Strategy string

const (
	RoundRobin Strategy = "round-robin"
	First      Strategy = "first"
	Random     Strategy = "random"
)

// State is the KM's mutable view of the pool (value type; copied in and
// out of the owning mutex-guarded manager, never shared).
type State struct {
	// Order is the fixed, insertion-ordered key sequence. Immutable after
	// construction.
	Order []string

	// DisabledUntil maps a key to the absolute time it becomes available
	// again. A key absent from this map is available.
	DisabledUntil map[string]time.Time

	Cursor       int
	LastSelected string
}

// NewState builds the initial state for a fixed key order.
func NewState(order []string) State {
	return State{
		Order:         append([]string(nil), order...),
		DisabledUntil: make(map[string]time.Time),
	}
}

// Sweep clears any disabled-until deadline that has passed. It mutates
// DisabledUntil in place and returns the number of keys cleared.
func Sweep(s *State, now time.Time) int {
	cleared := 0
	for k, until := range s.DisabledUntil {
		if !until.After(now) {
			delete(s.DisabledUntil, k)
			cleared++
		}
	}
	return cleared
}

// Available returns the set of keys currently not in cooldown.
func Available(s *State, now time.Time) map[string]struct{} {
	avail := make(map[string]struct{}, len(s.Order))
	for _, k := range s.Order {
		if until, cooling := s.DisabledUntil[k]; !cooling || !until.After(now) {
			avail[k] = struct{}{}
		}
	}
	return avail
}

// SoonestAvailable returns the earliest disabled-until deadline currently
// recorded, used to compute the wait-seconds hint on AllKeysCooling. The
// second return value is false if nothing is cooling.
func SoonestAvailable(s *State) (time.Time, bool) {
	var soonest time.Time
	found := false
	for _, until := range s.DisabledUntil {
		if !found || until.Before(soonest) {
			soonest = until
			found = true
		}
	}
	return soonest, found
}

// SelectRoundRobin scans at most len(Order) positions starting at
// s.Cursor, advancing the cursor modulo the pool size after each probe,
// and returns the first probed key present in avail. It advances
// s.Cursor to the position just past the selected key, matching §4.1
// step 4's round-robin rule exactly.
func SelectRoundRobin(s *State, avail map[string]struct{}) (string, bool) {
	n := len(s.Order)
	if n == 0 {
		return "", false
	}
	for i := 0; i < n; i++ {
		idx := (s.Cursor + i) % n
		k := s.Order[idx]
		if _, ok := avail[k]; ok {
			s.Cursor = (idx + 1) % n
			return k, true
		}
	}
	return "", false
}

// SelectFirst returns the available key with the smallest index in the
// configured order.
func SelectFirst(s *State, avail map[string]struct{}) (string, bool) {
	for _, k := range s.Order {
		if _, ok := avail[k]; ok {
			return k, true
		}
	}
	return "", false
}

// SelectRandom returns a uniformly random element of avail, using intn to
// pick an index in [0, len(candidates)). intn must return a value in
// [0, n).
func SelectRandom(avail map[string]struct{}, order []string, intn func(n int) int) (string, bool) {
	candidates := make([]string, 0, len(avail))
	for _, k := range order {
		if _, ok := avail[k]; ok {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[intn(len(candidates))], true
}

// Mask returns a key with only the first 4 and last 4 characters visible,
// per the logging policy in §7. Keys of 8 characters or fewer are masked
// entirely to avoid leaking short credentials.
func Mask(key string) string {
	if len(key) <= 8 {
		return "********"[:len(key)]
	}
	masked := make([]byte, len(key))
	for i := range masked {
		masked[i] = '*'
	}
	copy(masked, key[:4])
	copy(masked[len(masked)-4:], key[len(key)-4:])
	return string(masked)
}

// ActiveCoolingCounts returns (active, cooling) counts for the gauges
// updated by the KM on every mutation (invariant 1 in §8: their sum
// always equals len(Order)).
func ActiveCoolingCounts(s *State, now time.Time) (active, cooling int) {
	for _, k := range s.Order {
		if until, ok := s.DisabledUntil[k]; ok && until.After(now) {
			cooling++
			continue
		}
		active++
	}
	return active, cooling
}
