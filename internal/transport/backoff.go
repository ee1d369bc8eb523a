package transport

import (
	"math"
	"math/rand"
	"time"
)

// Retry controls how often DialStream retries a refused connection.
// Attempts <= 1 dials exactly once.
type Retry struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// NextDelay returns the wait before attempt N (1-based).
func NextDelay(cfg Retry, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return 0
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-2))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}
