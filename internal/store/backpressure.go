package store

import (
	"time"
)

// CalculateBackpressureCooldown returns how long the orchestrator
// should sleep when downstream depth reaches the limit. Monotone in
// depth: base + inc*(depth-limit), capped at max. Zero below the limit.
func CalculateBackpressureCooldown(depth, limit int, base, inc, max time.Duration) time.Duration {
	if depth < limit {
		return 0
	}
	cooldown := base + time.Duration(depth-limit)*inc
	if cooldown > max {
		return max
	}
	return cooldown
}
