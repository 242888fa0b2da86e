package route

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

var (
	ErrUnknownDirection = errors.New("unknown direction")
	ErrUnknownWaypoint  = errors.New("unknown waypoint")
)

// Clock is a time of day with minute resolution.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses a 24-hour "HH:MM" string.
func ParseClock(s string) (Clock, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Clock{}, fmt.Errorf("invalid time %q: want HH:MM", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return Clock{}, fmt.Errorf("invalid hour in %q", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || len(m) != 2 || minute < 0 || minute > 59 {
		return Clock{}, fmt.Errorf("invalid minute in %q", s)
	}
	return Clock{Hour: hour, Minute: minute}, nil
}

// ClockFromMinutes wraps m into a single day.
func ClockFromMinutes(m int) Clock {
	m %= minutesPerDay
	if m < 0 {
		m += minutesPerDay
	}
	return Clock{Hour: m / 60, Minute: m % 60}
}

// ClockOf returns the wall clock of t in its own location.
func ClockOf(t time.Time) Clock { return Clock{Hour: t.Hour(), Minute: t.Minute()} }

// Minutes returns minutes since midnight.
func (c Clock) Minutes() int { return c.Hour*60 + c.Minute }

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// Format12 renders the clock as 12-hour wall time, e.g. "03:05 AM".
func (c Clock) Format12() string {
	return time.Date(2000, 1, 1, c.Hour, c.Minute, 0, 0, time.UTC).Format("03:04 PM")
}

type Waypoint struct {
	Name   string
	Offset int // minutes from the direction's reference start
}

type Direction struct {
	Code      string
	Label     string
	Waypoints []Waypoint

	index map[string]int
}

// Guard names the waypoints that close and release a gate for one direction.
// An empty Exit means the gate is released ClosedGrace minutes after Enter.
type Guard struct {
	Enter string
	Exit  string
}

type Gate struct {
	Name        string
	Label       string
	WarningLead int
	ClosedGrace int
	Guards      map[string]Guard // direction code -> guard
}

// Train is one timetable entry. Days is informational only.
type Train struct {
	Number    string
	Name      string
	Scheduled Clock
	Direction string
	Days      string
}

// Model is the validated, read-only route description for one segment.
type Model struct {
	Segment  string
	Timezone string
	Gates    []Gate
	Trains   []Train

	directions map[string]*Direction
	order      []string
}

// Offset returns the scheduled offset of waypoint within direction.
func (m *Model) Offset(direction, waypoint string) (int, error) {
	d, ok := m.directions[direction]
	if !ok {
		return 0, fmt.Errorf("%w %q", ErrUnknownDirection, direction)
	}
	i, ok := d.index[waypoint]
	if !ok {
		return 0, fmt.Errorf("%w %q in direction %q", ErrUnknownWaypoint, waypoint, direction)
	}
	return d.Waypoints[i].Offset, nil
}

// Direction looks up a direction by code.
func (m *Model) Direction(code string) (Direction, bool) {
	d, ok := m.directions[code]
	if !ok {
		return Direction{}, false
	}
	return *d, true
}

// Directions returns direction codes in configuration order.
func (m *Model) Directions() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// DirectionLabel falls back to the code when no label is configured.
func (m *Model) DirectionLabel(code string) string {
	if d, ok := m.directions[code]; ok && d.Label != "" {
		return d.Label
	}
	return code
}

// Window returns the enter and release offsets of gate g for direction.
// ok is false when the gate is not guarded for that direction.
func (m *Model) Window(g Gate, direction string) (enter, exit int, ok bool, err error) {
	guard, guarded := g.Guards[direction]
	if !guarded {
		return 0, 0, false, nil
	}
	enter, err = m.Offset(direction, guard.Enter)
	if err != nil {
		return 0, 0, false, err
	}
	if guard.Exit == "" {
		return enter, enter + g.ClosedGrace, true, nil
	}
	exit, err = m.Offset(direction, guard.Exit)
	if err != nil {
		return 0, 0, false, err
	}
	return enter, exit, true, nil
}

// Gate looks up a gate definition by name.
func (m *Model) Gate(name string) (Gate, bool) {
	for _, g := range m.Gates {
		if g.Name == name {
			return g, true
		}
	}
	return Gate{}, false
}
