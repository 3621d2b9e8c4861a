package gatekeeper

import (
	"fmt"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/zettelhub/platform/autonomy/internal/models"
)

// DefaultTimezone is used for quiet windows without an explicit timezone.
const DefaultTimezone = "America/Sao_Paulo"

type zoneCache struct {
	mu    sync.RWMutex
	zones map[string]*time.Location
}

func newZoneCache() *zoneCache {
	return &zoneCache{zones: make(map[string]*time.Location)}
}

func (z *zoneCache) load(name string) (*time.Location, error) {
	if name == "" {
		name = DefaultTimezone
	}
	z.mu.RLock()
	loc, ok := z.zones[name]
	z.mu.RUnlock()
	if ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	z.mu.Lock()
	z.zones[name] = loc
	z.mu.Unlock()
	return loc, nil
}

// parseClock converts "HH:mm" into an offset from local midnight.
func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q, want HH:mm", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

func isoWeekday(t time.Time) int {
	if t.Weekday() == time.Sunday {
		return 7
	}
	return int(t.Weekday())
}

// ValidateQuietWindow reports the first problem with w, if any.
func ValidateQuietWindow(w models.QuietWindow) error {
	if _, err := parseClock(w.Start); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	if _, err := parseClock(w.End); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	for _, d := range w.Days {
		if d < 1 || d > 7 {
			return fmt.Errorf("days: %d is not an ISO weekday (1-7)", d)
		}
	}
	if w.Timezone != "" {
		if _, err := time.LoadLocation(w.Timezone); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}
	return nil
}

// inWindow reports whether now falls inside w. A window whose end precedes its
// start wraps midnight.
func (z *zoneCache) inWindow(w models.QuietWindow, now time.Time) (bool, error) {
	loc, err := z.load(w.Timezone)
	if err != nil {
		return false, fmt.Errorf("timezone %q: %w", w.Timezone, err)
	}
	start, err := parseClock(w.Start)
	if err != nil {
		return false, err
	}
	end, err := parseClock(w.End)
	if err != nil {
		return false, err
	}

	local := now.In(loc)
	if len(w.Days) > 0 && !containsInt(w.Days, isoWeekday(local)) {
		return false, nil
	}
	h, mi, sec := local.Clock()
	tod := time.Duration(h)*time.Hour + time.Duration(mi)*time.Minute +
		time.Duration(sec)*time.Second + time.Duration(local.Nanosecond())

	if end < start {
		return tod >= start || tod <= end, nil
	}
	return tod >= start && tod <= end, nil
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
