package models

import "time"

var seoul = loadSeoul()

func loadSeoul() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}

// Seoul returns the canonical display timezone. Day keys and human
// timestamps are rendered in KST regardless of host timezone.
func Seoul() *time.Location { return seoul }

// DayKey formats t as the daily-memory key (YYYY-MM-DD in KST).
func DayKey(t time.Time) string {
	return t.In(seoul).Format("2006-01-02")
}

// SeoulTimestamp formats t as a human-readable KST timestamp.
func SeoulTimestamp(t time.Time) string {
	return t.In(seoul).Format("2006-01-02 15:04:05")
}
