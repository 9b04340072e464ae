package credits

import "time"

// BillableMinutes rounds a call duration up to whole minutes.
// Any fraction of a minute is billed as a full minute; non-positive durations bill nothing.
func BillableMinutes(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	m := int64(d / time.Minute)
	if d%time.Minute != 0 {
		m++
	}
	return m
}
