package inbox

import (
	"time"

	"github.com/LerianStudio/lib-uncommons/v2/uncommons/backoff"
)

// DefaultBackoffBase is the unit of the handler retry ladder.
const DefaultBackoffBase = time.Minute

// Backoff computes handler retry delays as Base * 2^retryCount.
// This ladder is independent of the broker's TTL ladder, which only
// carries transport-level redeliveries.
type Backoff struct {
	Base time.Duration
	// Max caps the delay when positive.
	Max time.Duration
}

// Delay returns the wait before attempt retryCount+1.
func (b Backoff) Delay(retryCount int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = DefaultBackoffBase
	}

	d := backoff.Exponential(base, retryCount)
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Next returns now plus the delay for retryCount.
func (b Backoff) Next(now time.Time, retryCount int) time.Time {
	return now.Add(b.Delay(retryCount))
}
