package subscription

import "time"

// AddMonth returns t plus one calendar month, preserving the day of month
// and clamping to the last day of shorter months: Jan 31 renews Feb 28 (or
// 29), Mar 31 renews Apr 30. Plain time.AddDate would normalize Jan 31 +
// one month into Mar 2/3, drifting the billing anchor forward.
func AddMonth(t time.Time) time.Time {
	y, m, d := t.Date()
	h, min, sec := t.Clock()
	if last := lastDayOfMonth(y, m+1); d > last {
		d = last
	}
	return time.Date(y, m+1, d, h, min, sec, t.Nanosecond(), t.Location())
}

func lastDayOfMonth(y int, m time.Month) int {
	// Day 0 of the following month; time.Date normalizes month overflow.
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
