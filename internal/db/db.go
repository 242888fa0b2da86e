package db

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"gatewatch/internal/route"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed schema.sql
var Schema string

var routeTables = []string{"route_directions", "route_waypoints", "route_gates", "route_gate_guards", "route_trains"}

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// EnsureSchema creates the route tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

type directionRow struct {
	Code, Label string
}

type waypointRow struct {
	Direction, Name string
	Offset          int
}

type gateRow struct {
	Name, Label              string
	WarningLead, ClosedGrace int
}

type guardRow struct {
	Gate, Direction, Enter string
	Exit                   sql.NullString
}

type trainRow struct {
	Number, Name, Time, Direction, Days string
}

// LoadModel reads one segment's route and timetable and validates it.
func LoadModel(ctx context.Context, db *sql.DB, segment string) (*route.Model, error) {
	doc, err := LoadDocument(ctx, db, segment)
	if err != nil {
		return nil, err
	}
	return route.Build(doc)
}

// LoadDocument reads one segment without validating it.
func LoadDocument(ctx context.Context, db *sql.DB, segment string) (route.Document, error) {
	present, err := hasTables(ctx, db, "public", routeTables...)
	if err != nil {
		return route.Document{}, fmt.Errorf("introspect route tables: %w", err)
	}
	for _, t := range routeTables {
		if !present[t] {
			return route.Document{}, fmt.Errorf("route table %q missing (run gatewatch init-db)", t)
		}
	}

	dirs, err := queryRows(ctx, db, `SELECT code, label FROM route_directions WHERE segment = $1 ORDER BY seq, code`, segment,
		func(rows *sql.Rows) (directionRow, error) {
			var r directionRow
			return r, rows.Scan(&r.Code, &r.Label)
		})
	if err != nil {
		return route.Document{}, fmt.Errorf("query directions: %w", err)
	}
	wps, err := queryRows(ctx, db, `SELECT direction, name, offset_min FROM route_waypoints WHERE segment = $1 ORDER BY direction, seq`, segment,
		func(rows *sql.Rows) (waypointRow, error) {
			var r waypointRow
			return r, rows.Scan(&r.Direction, &r.Name, &r.Offset)
		})
	if err != nil {
		return route.Document{}, fmt.Errorf("query waypoints: %w", err)
	}
	gates, err := queryRows(ctx, db, `SELECT name, label, warning_lead, closed_grace FROM route_gates WHERE segment = $1 ORDER BY seq, name`, segment,
		func(rows *sql.Rows) (gateRow, error) {
			var r gateRow
			return r, rows.Scan(&r.Name, &r.Label, &r.WarningLead, &r.ClosedGrace)
		})
	if err != nil {
		return route.Document{}, fmt.Errorf("query gates: %w", err)
	}
	guards, err := queryRows(ctx, db, `SELECT gate, direction, enter_waypoint, exit_waypoint FROM route_gate_guards WHERE segment = $1`, segment,
		func(rows *sql.Rows) (guardRow, error) {
			var r guardRow
			return r, rows.Scan(&r.Gate, &r.Direction, &r.Enter, &r.Exit)
		})
	if err != nil {
		return route.Document{}, fmt.Errorf("query gate guards: %w", err)
	}
	trains, err := queryRows(ctx, db, `SELECT number, name, sched_time::text, direction, days FROM route_trains WHERE segment = $1 ORDER BY seq, sched_time`, segment,
		func(rows *sql.Rows) (trainRow, error) {
			var r trainRow
			return r, rows.Scan(&r.Number, &r.Name, &r.Time, &r.Direction, &r.Days)
		})
	if err != nil {
		return route.Document{}, fmt.Errorf("query trains: %w", err)
	}
	if len(dirs) == 0 {
		return route.Document{}, fmt.Errorf("no route directions for segment %q", segment)
	}
	return assemble(segment, dirs, wps, gates, guards, trains), nil
}

// assemble groups flat table rows into a route document. Waypoints keep
// their query order, which is seq within each direction.
func assemble(segment string, dirs []directionRow, wps []waypointRow, gates []gateRow, guards []guardRow, trains []trainRow) route.Document {
	doc := route.Document{Segment: segment}

	byDir := make(map[string][]route.WaypointDoc)
	for _, w := range wps {
		byDir[w.Direction] = append(byDir[w.Direction], route.WaypointDoc{Name: w.Name, Offset: w.Offset})
	}
	for _, d := range dirs {
		doc.Directions = append(doc.Directions, route.DirectionDoc{Code: d.Code, Label: d.Label, Waypoints: byDir[d.Code]})
	}

	byGate := make(map[string]map[string]route.GuardDoc)
	for _, g := range guards {
		if byGate[g.Gate] == nil {
			byGate[g.Gate] = make(map[string]route.GuardDoc)
		}
		byGate[g.Gate][g.Direction] = route.GuardDoc{Enter: g.Enter, Exit: g.Exit.String}
	}
	for _, g := range gates {
		doc.Gates = append(doc.Gates, route.GateDoc{
			Name:        g.Name,
			Label:       g.Label,
			WarningLead: g.WarningLead,
			ClosedGrace: g.ClosedGrace,
			Guards:      byGate[g.Name],
		})
	}

	for _, t := range trains {
		doc.Trains = append(doc.Trains, route.TrainDoc{
			Number:    t.Number,
			Name:      t.Name,
			Time:      trimSeconds(t.Time),
			Direction: t.Direction,
			Days:      t.Days,
		})
	}
	return doc
}

// trimSeconds turns Postgres time text "03:05:00" into "03:05".
func trimSeconds(s string) string {
	s = strings.TrimSpace(s)
	if parts := strings.Split(s, ":"); len(parts) == 3 {
		return parts[0] + ":" + parts[1]
	}
	return s
}

func queryRows[T any](ctx context.Context, db *sql.DB, q string, segment string, scan func(*sql.Rows) (T, error)) ([]T, error) {
	rows, err := db.QueryContext(ctx, q, segment)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func hasTables(ctx context.Context, db *sql.DB, schema string, tables ...string) (map[string]bool, error) {
	q := `SELECT table_name FROM information_schema.tables WHERE table_schema = $1 AND table_name = ANY($2)`
	rows, err := db.QueryContext(ctx, q, schema, tables)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool, len(tables))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}
