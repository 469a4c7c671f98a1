package app

import (
	"math"
	"math/rand"
	"time"

	"github.com/openbuttnakedgang/holter/internal/config"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based).
// Jitter spreads the delay by up to that fraction either way; a nil rng
// disables it.
func NextBackoffDelay(cfg config.Backoff, attempt int, rng *rand.Rand) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter > 0 && rng != nil {
		delay *= 1 + cfg.Jitter*(2*rng.Float64()-1)
	}
	return time.Duration(delay)
}
