package route

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gocarina/gocsv"
	"gopkg.in/yaml.v3"
)

const DefaultClosedGrace = 5

// Document is the declarative form of a segment, shared by the YAML file
// and the Postgres loader.
type Document struct {
	Segment    string         `yaml:"segment"`
	Timezone   string         `yaml:"timezone"`
	Directions []DirectionDoc `yaml:"directions"`
	Gates      []GateDoc      `yaml:"gates"`
	Trains     []TrainDoc     `yaml:"trains"`
}

type DirectionDoc struct {
	Code      string        `yaml:"code"`
	Label     string        `yaml:"label"`
	Waypoints []WaypointDoc `yaml:"waypoints"`
}

type WaypointDoc struct {
	Name   string `yaml:"name"`
	Offset int    `yaml:"offset"`
}

type GateDoc struct {
	Name        string              `yaml:"name"`
	Label       string              `yaml:"label"`
	WarningLead int                 `yaml:"warning_lead"`
	ClosedGrace int                 `yaml:"closed_grace"`
	Guards      map[string]GuardDoc `yaml:"guards"`
}

type GuardDoc struct {
	Enter string `yaml:"enter"`
	Exit  string `yaml:"exit"`
}

type TrainDoc struct {
	Number    string `yaml:"number" csv:"number"`
	Name      string `yaml:"name" csv:"name"`
	Time      string `yaml:"time" csv:"time"`
	Direction string `yaml:"direction" csv:"direction"`
	Days      string `yaml:"days" csv:"days"`
}

// ConfigError collects every problem found while validating a Document.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid route configuration: %s", strings.Join(e.Problems, "; "))
}

func (e *ConfigError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Load reads and validates a YAML segment file.
func Load(path string) (*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open route file: %w", err)
	}
	defer f.Close()
	doc, err := Parse(f)
	if err != nil {
		return nil, err
	}
	return Build(doc)
}

// Parse decodes a YAML segment document without validating it.
func Parse(r io.Reader) (Document, error) {
	var doc Document
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decode route yaml: %w", err)
	}
	return doc, nil
}

// LoadTrainsCSV reads a timetable with the header number,name,time,direction,days.
func LoadTrainsCSV(r io.Reader) ([]TrainDoc, error) {
	var rows []*TrainDoc
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("decode trains csv: %w", err)
	}
	out := make([]TrainDoc, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	return out, nil
}

// Build validates doc and returns the immutable model. All problems are
// reported together in a *ConfigError.
func Build(doc Document) (*Model, error) {
	cerr := &ConfigError{}
	m := &Model{
		Segment:    strings.TrimSpace(doc.Segment),
		Timezone:   strings.TrimSpace(doc.Timezone),
		directions: make(map[string]*Direction),
	}
	if m.Segment == "" {
		m.Segment = "default"
	}
	if len(doc.Directions) == 0 {
		cerr.add("no directions defined")
	}

	for _, dd := range doc.Directions {
		code := strings.TrimSpace(dd.Code)
		if code == "" {
			cerr.add("direction with empty code")
			continue
		}
		if _, dup := m.directions[code]; dup {
			cerr.add("duplicate direction %q", code)
			continue
		}
		d := &Direction{Code: code, Label: dd.Label, index: make(map[string]int)}
		prev := 0
		for i, wd := range dd.Waypoints {
			name := strings.TrimSpace(wd.Name)
			switch {
			case name == "":
				cerr.add("direction %q: waypoint %d has no name", code, i)
				continue
			case wd.Offset < 0:
				cerr.add("direction %q: waypoint %q has negative offset %d", code, name, wd.Offset)
			case wd.Offset < prev:
				cerr.add("direction %q: waypoint %q offset %d is before previous offset %d", code, name, wd.Offset, prev)
			}
			if _, dup := d.index[name]; dup {
				cerr.add("direction %q: duplicate waypoint %q", code, name)
				continue
			}
			d.index[name] = len(d.Waypoints)
			d.Waypoints = append(d.Waypoints, Waypoint{Name: name, Offset: wd.Offset})
			if wd.Offset > prev {
				prev = wd.Offset
			}
		}
		m.directions[code] = d
		m.order = append(m.order, code)
	}

	seenGates := make(map[string]bool)
	for _, gd := range doc.Gates {
		name := strings.TrimSpace(gd.Name)
		if name == "" {
			cerr.add("gate with empty name")
			continue
		}
		if seenGates[name] {
			cerr.add("duplicate gate %q", name)
			continue
		}
		seenGates[name] = true
		g := Gate{
			Name:        name,
			Label:       gd.Label,
			WarningLead: gd.WarningLead,
			ClosedGrace: gd.ClosedGrace,
			Guards:      make(map[string]Guard, len(gd.Guards)),
		}
		if g.Label == "" {
			g.Label = name
		}
		if g.ClosedGrace == 0 {
			g.ClosedGrace = DefaultClosedGrace
		}
		if g.WarningLead <= 0 {
			cerr.add("gate %q: warning_lead must be positive, got %d", name, gd.WarningLead)
		}
		if g.ClosedGrace < 0 {
			cerr.add("gate %q: closed_grace must be positive, got %d", name, gd.ClosedGrace)
		}
		if len(gd.Guards) == 0 {
			cerr.add("gate %q: no guards defined", name)
		}
		for dir, guard := range gd.Guards {
			guard := Guard{Enter: strings.TrimSpace(guard.Enter), Exit: strings.TrimSpace(guard.Exit)}
			if _, ok := m.directions[dir]; !ok {
				cerr.add("gate %q: guard for unknown direction %q", name, dir)
				continue
			}
			enter, err := m.Offset(dir, guard.Enter)
			if err != nil {
				cerr.add("gate %q: enter: %v", name, err)
				continue
			}
			if guard.Exit != "" {
				exit, err := m.Offset(dir, guard.Exit)
				if err != nil {
					cerr.add("gate %q: exit: %v", name, err)
					continue
				}
				if exit <= enter {
					cerr.add("gate %q: direction %q exit %q (offset %d) must come after enter %q (offset %d)", name, dir, guard.Exit, exit, guard.Enter, enter)
					continue
				}
			}
			g.Guards[dir] = guard
		}
		m.Gates = append(m.Gates, g)
	}

	seenTrains := make(map[string]bool)
	for i, td := range doc.Trains {
		number := strings.TrimSpace(td.Number)
		if number == "" {
			cerr.add("train %d: empty number", i)
			continue
		}
		if seenTrains[number] {
			cerr.add("duplicate train %q", number)
			continue
		}
		seenTrains[number] = true
		clock, err := ParseClock(td.Time)
		if err != nil {
			cerr.add("train %q: %v", number, err)
			continue
		}
		dir := strings.TrimSpace(td.Direction)
		if _, ok := m.directions[dir]; !ok {
			cerr.add("train %q: %v %q", number, ErrUnknownDirection, dir)
			continue
		}
		name := strings.TrimSpace(td.Name)
		if name == "" {
			name = number
		}
		m.Trains = append(m.Trains, Train{
			Number:    number,
			Name:      name,
			Scheduled: clock,
			Direction: dir,
			Days:      td.Days,
		})
	}

	if len(cerr.Problems) > 0 {
		return nil, cerr
	}
	return m, nil
}
