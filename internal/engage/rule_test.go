package engage

import (
	"testing"
	"time"
)

func at(h, m int) *time.Time {
	t := time.Date(2024, 3, 5, h, m, 0, 0, time.UTC)
	return &t
}

func TestCompileRule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		sd   *ScheduleDate
		want string
	}{
		{"nil descriptor", nil, FallbackRule},
		{"empty descriptor", &ScheduleDate{}, FallbackRule},
		{"month set but no type or time", &ScheduleDate{Month: "3"}, FallbackRule},
		{"weekday with time", &ScheduleDate{Type: "1", Time: at(9, 30)}, "30 9 * * 1"},
		{"monthly", &ScheduleDate{Type: "month", Day: "15", Time: at(14, 5)}, "5 14 15 * *"},
		{"yearly", &ScheduleDate{Type: "year", Month: "12", Day: "25", Time: at(8, 15)}, "15 8 25 12 *"},
		{"monthly without day", &ScheduleDate{Type: "month", Time: at(8, 15)}, "15 8 * * *"},
		{"day ignored for weekday", &ScheduleDate{Type: "3", Day: "10", Time: at(7, 45)}, "45 7 * * 3"},
		{"day ignored for unknown type", &ScheduleDate{Type: "week", Day: "10", Time: at(7, 45)}, "45 7 * * *"},
		{"midnight widens to every minute", &ScheduleDate{Type: "1", Time: at(0, 0)}, "* * * * 1"},
		{"top of hour widens minute", &ScheduleDate{Type: "2", Time: at(10, 0)}, "* 10 * * 2"},
		{"type without time", &ScheduleDate{Type: "5"}, "* * * * 5"},
		{"time without type", &ScheduleDate{Time: at(0, 0)}, "* * * * *"},
		{"month verbatim", &ScheduleDate{Type: "year", Month: "1-3", Time: at(6, 1)}, "1 6 * 1-3 *"},
		{"multibyte single char type", &ScheduleDate{Type: "月", Time: at(6, 1)}, "1 6 * * 月"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompileRule(tt.sd, nil); got != tt.want {
				t.Fatalf("CompileRule() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCompileRuleFallbackIsExact(t *testing.T) {
	t.Parallel()
	if FallbackRule != "* 45 23 * " {
		t.Fatalf("FallbackRule = %q", FallbackRule)
	}
}

func TestCompileRuleUsesLocation(t *testing.T) {
	t.Parallel()
	loc := time.FixedZone("UTC+8", 8*3600)
	sd := &ScheduleDate{Type: "1", Time: at(1, 20)}
	if got, want := CompileRule(sd, loc), "20 9 * * 1"; got != want {
		t.Fatalf("CompileRule(loc) = %q, want %q", got, want)
	}
	if got, want := CompileRule(sd, nil), "20 1 * * 1"; got != want {
		t.Fatalf("CompileRule(nil) = %q, want %q", got, want)
	}
}
