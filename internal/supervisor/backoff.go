package supervisor

import (
	"math"
	"math/rand"
	"time"
)

// restartDelay returns the sleep before restart attempt k (0-based):
// min(base * 2^k, cap), scaled by (1 ± jitter) so simultaneous restarts
// across workspaces do not thunder in step.
func restartDelay(base, ceiling time.Duration, jitter float64, attempt int) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if ceiling < base {
		ceiling = base
	}
	if attempt < 0 {
		attempt = 0
	}

	d := float64(base) * math.Pow(2, float64(attempt))
	if d > float64(ceiling) {
		d = float64(ceiling)
	}
	if jitter > 0 {
		d *= 1 + jitter*(2*rand.Float64()-1)
	}
	return time.Duration(d)
}
