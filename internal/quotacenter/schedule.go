package quotacenter

import "time"

// Cooldown schedules, indexed by consecutiveErrorCount-1, clamped to
// the last element: no wrap past the last cooldown step.
var (
	schedule429 = []time.Duration{3 * time.Second, 10 * time.Second, 31 * time.Second, 61 * time.Second}
	scheduleFatal = []time.Duration{
		5 * time.Minute, 15 * time.Minute, 30 * time.Minute, 60 * time.Minute, 3 * time.Hour,
	}
	scheduleDefault = []time.Duration{3 * time.Second, 10 * time.Second, 31 * time.Second, 61 * time.Second}
)

// cooldownStep returns the cooldown duration for the given series and
// 1-based consecutiveErrorCount, clamped to the schedule's last step.
func cooldownStep(series Series, consecutiveErrorCount int) time.Duration {
	sched := scheduleFor(series)
	idx := consecutiveErrorCount - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sched) {
		idx = len(sched) - 1
	}
	return sched[idx]
}

func scheduleFor(series Series) []time.Duration {
	switch series {
	case Series429:
		return schedule429
	case SeriesFatal:
		return scheduleFatal
	default:
		return scheduleDefault
	}
}

const errorChainWindow = 10 * time.Minute
