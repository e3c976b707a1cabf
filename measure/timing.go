// measure/timing.go
package measure

import "time"

// Elapsed reports whether duration d has passed since the reference event.
// The boundary is inclusive: at exactly ref+d the phase counts as elapsed.
// A zero ref means the reference event never happened, so nothing has
// elapsed regardless of d. A zero (or negative) d is instantaneously
// satisfied; sensors with no stabilization delay configure 0 here.
func Elapsed(now, ref time.Time, d time.Duration) bool {
	if ref.IsZero() {
		return false
	}
	if d <= 0 {
		return true
	}
	return !now.Before(ref.Add(d))
}
