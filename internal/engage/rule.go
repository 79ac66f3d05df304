package engage

import (
	"strconv"
	"time"
	"unicode/utf8"
)

// FallbackRule is returned for messages without a usable ScheduleDate. It has
// only four fields and a trailing space, so a five-field cron parser rejects
// it; such messages end up with no registry entry.
const FallbackRule = "* 45 23 * "

const wildcard = "*"

// CompileRule turns sd into "<minute> <hour> <day> <month> <dayOfWeek>".
//
// Hour and minute come from sd.Time, read in loc when loc is non-nil. A value
// of zero is written as "*", so midnight and top-of-hour times widen to every
// hour or every minute.
func CompileRule(sd *ScheduleDate, loc *time.Location) string {
	if sd == nil || (sd.Type == "" && sd.Time == nil) {
		return FallbackRule
	}

	minute, hour := wildcard, wildcard
	if sd.Time != nil {
		t := *sd.Time
		if loc != nil {
			t = t.In(loc)
		}
		minute = nonZero(t.Minute())
		hour = nonZero(t.Hour())
	}

	month := wildcard
	if sd.Month != "" {
		month = sd.Month
	}

	dayOfWeek := wildcard
	if utf8.RuneCountInString(sd.Type) == 1 {
		dayOfWeek = sd.Type
	}

	day := wildcard
	if (sd.Type == "month" || sd.Type == "year") && sd.Day != "" {
		day = sd.Day
	}

	return minute + " " + hour + " " + day + " " + month + " " + dayOfWeek
}

func nonZero(v int) string {
	if v == 0 {
		return wildcard
	}
	return strconv.Itoa(v)
}
