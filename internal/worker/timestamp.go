package worker

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Timestamp layouts commonly shown on BMS displays
var sourceLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006/01/02 15:04:05",
	"2006/01/02 15:04",
	"02.01.2006 15:04:05",
	"02.01.2006 15:04",
}

// Time-only layouts, combined with a date from the file name
var timeOnlyLayouts = []string{
	"15:04:05",
	"15:04",
}

// Camera and screenshot file names embed a capture date, e.g.
// IMG_20240131_142530.jpg or Screenshot_2024-01-31-14-25-30.png.
var (
	fileDateRe = regexp.MustCompile(`(20\d{2})[-_.]?(\d{2})[-_.]?(\d{2})`)
	fileTimeRe = regexp.MustCompile(`(?:^|[-_ .T])(\d{2})[-_.:]?(\d{2})[-_.:]?(\d{2})(?:[-_. ]|$|\.)`)
)

// ResolveTimestamp picks the best available capture time: a full timestamp
// read off the image, else a date from the file name combined with a
// time-of-day from the image, else the ingestion time. It always returns a
// usable value; ambiguous input falls through, it never fails.
func ResolveTimestamp(sourceTS, fileName string, ingestedAt time.Time) time.Time {
	sourceTS = strings.TrimSpace(sourceTS)

	for _, layout := range sourceLayouts {
		if t, err := time.Parse(layout, sourceTS); err == nil {
			return t.UTC()
		}
	}

	if date, ok := dateFromFileName(fileName); ok {
		for _, layout := range timeOnlyLayouts {
			if t, err := time.Parse(layout, sourceTS); err == nil {
				return time.Date(date.Year(), date.Month(), date.Day(),
					t.Hour(), t.Minute(), t.Second(), 0, time.UTC)
			}
		}
		if tod, ok := timeFromFileName(fileName, date); ok {
			return tod
		}
		// Date only: midday keeps the value inside the right day in
		// every plausible capture timezone.
		return time.Date(date.Year(), date.Month(), date.Day(), 12, 0, 0, 0, time.UTC)
	}

	return ingestedAt.UTC()
}

func dateFromFileName(fileName string) (time.Time, bool) {
	m := fileDateRe.FindStringSubmatch(fileName)
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", fmt.Sprintf("%s-%s-%s", m[1], m[2], m[3]))
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func timeFromFileName(fileName string, date time.Time) (time.Time, bool) {
	// Strip the date portion first so its digits cannot be misread as a time.
	rest := fileDateRe.ReplaceAllString(fileName, "")
	m := fileTimeRe.FindStringSubmatch(rest)
	if m == nil {
		return time.Time{}, false
	}
	t, err := time.Parse("15:04:05", fmt.Sprintf("%s:%s:%s", m[1], m[2], m[3]))
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(date.Year(), date.Month(), date.Day(),
		t.Hour(), t.Minute(), t.Second(), 0, time.UTC), true
}
