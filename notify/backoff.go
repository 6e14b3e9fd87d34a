package notify

import (
	"math/rand/v2"
	"time"
)

func jittered(base time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		d := base << attempt
		half := int64(d / 2)
		return time.Duration(half + rand.Int64N(half+1))
	}
}
