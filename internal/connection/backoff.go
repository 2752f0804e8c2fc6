package connection

import (
	"math"
	"math/rand"
	"time"
)

// NextDelay returns the wait before reconnect attempt n (1-based):
// BaseDelay * Multiplier^(n-1), capped at MaxDelay. With Jitter the delay
// is scaled by a factor in [0.5, 1.5) and then capped again.
func NextDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if cfg.BaseDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}

	delay := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay *= f
		if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
		}
	}
	return time.Duration(delay)
}
