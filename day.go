package keywarden

import "time"

// Day is a calendar-day key in UTC, formatted YYYY-MM-DD. Usage counters are
// keyed by Day so a new day starts a fresh zero-valued row; there is no
// rollover job. The dispatcher computes the key once per request.
type Day string

// DayOf returns the Day containing t, in UTC.
func DayOf(t time.Time) Day {
	return Day(t.UTC().Format("2006-01-02"))
}

// Time returns midnight UTC of the day, for range queries.
func (d Day) Time() (time.Time, error) {
	return time.Parse("2006-01-02", string(d))
}

// AddDays returns the day n days after d (negative n goes back).
func (d Day) AddDays(n int) Day {
	t, err := d.Time()
	if err != nil {
		return d
	}
	return DayOf(t.AddDate(0, 0, n))
}
