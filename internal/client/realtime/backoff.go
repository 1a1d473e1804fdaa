package realtime

import (
	"math"
	"math/rand"
	"time"
)

const (
	backoffPlateauAttempt = 8
	backoffPlateauBase    = 8.0
	backoffPlateauJitter  = 5.0
)

// ReconnectDelay grows quickly over the first attempts, capped at 8s, then
// settles on a randomized 8-13s plateau so sustained outages don't produce
// synchronized reconnect storms.
func ReconnectDelay(attempt int) time.Duration {
	return reconnectDelay(attempt, rand.Float64)
}

func reconnectDelay(attempt int, randFloat func() float64) time.Duration {
	if attempt < backoffPlateauAttempt {
		seconds := math.Min(8.0, 0.2+math.Pow(float64(attempt), 1.5)*0.4)
		return time.Duration(seconds * float64(time.Second))
	}
	seconds := backoffPlateauBase + randFloat()*backoffPlateauJitter
	return time.Duration(seconds * float64(time.Second))
}
