package earnings

import (
	"fmt"
	"time"
)

// =============================================================================
// WINDOW - Inclusive range used by history and period reports
// =============================================================================

// Window is an inclusive [Start, End] range of instants.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains returns true if t is within [Start, End].
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Validate rejects windows whose end precedes their start.
func (w Window) Validate() error {
	if w.End.Before(w.Start) {
		return &ValidationError{Field: "window", Reason: "end before start"}
	}
	return nil
}

func (w Window) String() string {
	return "[" + w.Start.Format(time.RFC3339) + ", " + w.End.Format(time.RFC3339) + "]"
}

// =============================================================================
// PRESETS - Named windows offered by the statistics menu
// =============================================================================

type Preset string

const (
	PresetCurrentWeek  Preset = "current_week"
	PresetLastWeek     Preset = "last_week"
	PresetCurrentMonth Preset = "current_month"
	PresetLastMonth    Preset = "last_month"
	PresetAllTime      Preset = "all_time"
)

// allTimeStart is the floor of the all-time window.
var allTimeStart = [3]int{2000, 1, 1}

// WindowFor returns the window for a preset, computed in now's location.
// Weeks start on Monday; every window ends on the last nanosecond of its day.
func WindowFor(p Preset, now time.Time) (Window, error) {
	switch p {
	case PresetCurrentWeek:
		start := startOfWeek(now)
		return Window{Start: start, End: endOfDay(start.AddDate(0, 0, 6))}, nil

	case PresetLastWeek:
		start := startOfWeek(now).AddDate(0, 0, -7)
		return Window{Start: start, End: endOfDay(start.AddDate(0, 0, 6))}, nil

	case PresetCurrentMonth:
		start := startOfMonth(now)
		return Window{Start: start, End: start.AddDate(0, 1, 0).Add(-time.Nanosecond)}, nil

	case PresetLastMonth:
		end := startOfMonth(now).Add(-time.Nanosecond)
		return Window{Start: startOfMonth(end), End: end}, nil

	case PresetAllTime:
		start := time.Date(allTimeStart[0], time.Month(allTimeStart[1]), allTimeStart[2], 0, 0, 0, 0, now.Location())
		return Window{Start: start, End: endOfDay(now)}, nil
	}
	return Window{}, &ValidationError{Field: "preset", Value: string(p), Reason: fmt.Sprintf("must be one of %v", Presets())}
}

// Presets lists the supported preset names.
func Presets() []Preset {
	return []Preset{PresetCurrentWeek, PresetLastWeek, PresetCurrentMonth, PresetLastMonth, PresetAllTime}
}
