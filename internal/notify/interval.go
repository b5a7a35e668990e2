package notify

import (
	"fmt"
	"time"
)

const secondsPerDay = 24 * 60 * 60

// DailyInterval renders a seconds-after-midnight offset as a cron expression firing once a day.
func DailyInterval(offsetSeconds int64) string {
	offset := normalizeOffset(offsetSeconds)
	minute := (offset % 3600) / 60
	hour := offset / 3600
	return fmt.Sprintf("%d %d * * *", minute, hour)
}

// NextDailyOccurrence returns the next instant after now that sits offsetSeconds after local
// midnight in now's location. When today's instant is not after now, tomorrow's is returned.
func NextDailyOccurrence(offsetSeconds int64, now time.Time) time.Time {
	offset := normalizeOffset(offsetSeconds)
	year, month, day := now.Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, now.Location())
	next := midnight.Add(time.Duration(offset) * time.Second)
	if !next.After(now) {
		next = time.Date(year, month, day+1, 0, 0, 0, 0, now.Location()).Add(time.Duration(offset) * time.Second)
	}
	return next
}

func normalizeOffset(offsetSeconds int64) int64 {
	offset := offsetSeconds % secondsPerDay
	if offset < 0 {
		offset += secondsPerDay
	}
	return offset
}
