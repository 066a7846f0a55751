package scheduler

import (
	"time"

	"github.com/seantiz/foundry/internal/model"
)

// Penalty is the extra wait contributed by one producer in status. Running
// streaming producers and stopped producers earn a small reward.
func Penalty(status model.Status, producerStreams bool, base time.Duration) time.Duration {
	if status.IsStopped() {
		return -3 * time.Second
	}
	switch status {
	case model.StatusLaunched:
		if producerStreams {
			return 5 * time.Second
		}
		return 10 * time.Second
	case model.StatusRunning:
		if producerStreams {
			return -2 * time.Second
		}
		return 3 * time.Second
	case model.StatusScheduled:
		return base / 2
	case model.StatusSaved:
		return base
	default:
		return 3 * time.Second
	}
}

// Clamp bounds d to [base, limit].
func Clamp(d, base, limit time.Duration) time.Duration {
	return max(min(d, limit), base)
}
