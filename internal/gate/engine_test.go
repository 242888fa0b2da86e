package gate

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatewatch/internal/route"
)

func scenarioModel(t *testing.T, trains ...route.TrainDoc) *route.Model {
	t.Helper()
	m, err := route.Build(route.Document{
		Segment: "test",
		Directions: []route.DirectionDoc{
			{
				Code:  "A_TO_B",
				Label: "A → B",
				Waypoints: []route.WaypointDoc{
					{Name: "A", Offset: 0},
					{Name: "enter", Offset: 8},
					{Name: "exit", Offset: 18},
					{Name: "B", Offset: 25},
				},
			},
			{
				Code:  "B_TO_A",
				Label: "B → A",
				Waypoints: []route.WaypointDoc{
					{Name: "B", Offset: 0},
					{Name: "H", Offset: 15},
					{Name: "A", Offset: 25},
				},
			},
		},
		Gates: []route.GateDoc{
			{
				Name:        "G",
				WarningLead: 15,
				Guards:      map[string]route.GuardDoc{"A_TO_B": {Enter: "enter", Exit: "exit"}},
			},
			{
				Name:        "H",
				WarningLead: 10,
				Guards:      map[string]route.GuardDoc{"B_TO_A": {Enter: "H"}},
			},
		},
		Trains: trains,
	})
	require.NoError(t, err)
	return m
}

func at(hhmm string) time.Time {
	c, err := route.ParseClock(hhmm)
	if err != nil {
		panic(err)
	}
	return time.Date(2026, 10, 19, c.Hour, c.Minute, 0, 0, time.UTC)
}

func TestEvaluate_NoTrainsAllOpen(t *testing.T) {
	m := scenarioModel(t)
	for _, now := range []int{0, 185, 720, 1439} {
		res := Evaluate(now, m, nil)
		require.Len(t, res.Gates, 2)
		for name, st := range res.Gates {
			assert.Equal(t, StatusOpen, st.Status, name)
			assert.Equal(t, "No trains nearby.", st.Message)
			assert.Equal(t, "green", st.Color)
		}
		assert.Empty(t, res.Upcoming)
		assert.NotNil(t, res.Upcoming)
	}
}

func TestCompute_GuardedGateLifecycle(t *testing.T) {
	m := scenarioModel(t, route.TrainDoc{Number: "16792", Name: "Palaruvi Exp", Time: "03:05", Direction: "A_TO_B"})
	e := NewEngine(m, nil, time.UTC)

	// enter at +8, exit at +18, lead 15: closing soon from 02:58, closed 03:13 until 03:23
	tests := []struct {
		now     string
		status  Status
		minutes int
	}{
		{"02:51", StatusOpen, 0},
		{"02:57", StatusOpen, 0},
		{"02:58", StatusClosingSoon, 15},
		{"02:59", StatusClosingSoon, 14},
		{"03:12", StatusClosingSoon, 1},
		{"03:13", StatusClosed, 10},
		{"03:14", StatusClosed, 9},
		{"03:22", StatusClosed, 1},
		{"03:23", StatusOpen, 0},
		{"03:24", StatusOpen, 0},
	}
	for _, tc := range tests {
		t.Run(tc.now, func(t *testing.T) {
			snap := e.ComputeAt(context.Background(), at(tc.now))
			st := snap.Gates["G"]
			assert.Equal(t, tc.status, st.Status)
			if tc.status == StatusOpen {
				assert.Nil(t, st.Minutes)
				assert.Empty(t, st.Train)
				return
			}
			require.NotNil(t, st.Minutes)
			assert.Equal(t, tc.minutes, *st.Minutes)
			assert.Equal(t, "16792", st.Train)
			assert.Contains(t, st.Message, "Palaruvi Exp")
			// direction B_TO_A gate is never touched by an A_TO_B train
			assert.Equal(t, StatusOpen, snap.Gates["H"].Status)
		})
	}
}

func TestCompute_Messages(t *testing.T) {
	m := scenarioModel(t, route.TrainDoc{Number: "1", Name: "Palaruvi Exp", Time: "03:05", Direction: "A_TO_B"})
	e := NewEngine(m, nil, time.UTC)

	st := e.ComputeAt(context.Background(), at("02:58")).Gates["G"]
	assert.Equal(t, "Palaruvi Exp arriving in 15 mins", st.Message)
	assert.Equal(t, "orange", st.Color)

	st = e.ComputeAt(context.Background(), at("03:14")).Gates["G"]
	assert.Equal(t, "Palaruvi Exp is crossing now", st.Message)
	assert.Equal(t, "red", st.Color)
}

func TestEvaluate_DefaultGraceWindow(t *testing.T) {
	// gate H: enter offset 15, no exit, so it stays closed while -5 < t_enter <= 0
	m := scenarioModel(t, route.TrainDoc{Number: "2", Name: "Back", Time: "10:00", Direction: "B_TO_A"})

	tests := []struct {
		now    int
		status Status
	}{
		{10*60 + 4, StatusOpen},         // t_enter 11
		{10*60 + 5, StatusClosingSoon},  // t_enter 10
		{10*60 + 14, StatusClosingSoon}, // t_enter 1
		{10*60 + 15, StatusClosed},      // t_enter 0
		{10*60 + 19, StatusClosed},      // t_enter -4
		{10*60 + 20, StatusOpen},        // t_enter -5
	}
	for _, tc := range tests {
		res := Evaluate(tc.now, m, nil)
		assert.Equal(t, tc.status, res.Gates["H"].Status, "now=%d", tc.now)
	}
}

func TestCompute_Idempotent(t *testing.T) {
	m := scenarioModel(t,
		route.TrainDoc{Number: "1", Name: "One", Time: "03:05", Direction: "A_TO_B"},
		route.TrainDoc{Number: "2", Name: "Two", Time: "03:00", Direction: "B_TO_A"},
	)
	delays := DelayFunc(func(_ context.Context, n string) int {
		if n == "1" {
			return 4
		}
		return 0
	})
	e := NewEngine(m, delays, time.UTC)

	a := e.ComputeAt(context.Background(), at("03:10"))
	b := e.ComputeAt(context.Background(), at("03:10"))
	assert.Equal(t, a.Result, b.Result)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestEvaluate_DelayShift(t *testing.T) {
	m := scenarioModel(t,
		route.TrainDoc{Number: "1", Name: "One", Time: "03:05", Direction: "A_TO_B"},
		route.TrainDoc{Number: "2", Name: "Two", Time: "03:00", Direction: "B_TO_A"},
	)
	const d = 7
	start := 2*60 + 40
	for now := start; now < start+60; now++ {
		base := Evaluate(now, m, []int{0, 0})
		shifted := Evaluate(now+d, m, []int{d, 0})
		assert.Equal(t, base.Gates["G"].Status, shifted.Gates["G"].Status, "now=%d", now)

		// the undelayed train is unaffected by the other's delay
		same := Evaluate(now, m, []int{d, 0})
		assert.Equal(t, base.Gates["H"], same.Gates["H"], "now=%d", now)
	}
}

func TestEvaluate_UpcomingBoundaries(t *testing.T) {
	m := scenarioModel(t, route.TrainDoc{Number: "1", Name: "Noon", Time: "12:00", Direction: "A_TO_B"})

	tests := []struct {
		now      string
		included bool
	}{
		{"12:20", false}, // time_diff -20
		{"12:19", true},  // -19
		{"08:01", true},  // 239
		{"08:00", false}, // 240
	}
	for _, tc := range tests {
		t.Run(tc.now, func(t *testing.T) {
			res := Evaluate(route.ClockOf(at(tc.now)).Minutes(), m, nil)
			if tc.included {
				assert.Len(t, res.Upcoming, 1)
			} else {
				assert.Empty(t, res.Upcoming)
			}
		})
	}
}

func TestEvaluate_UpcomingEntry(t *testing.T) {
	m := scenarioModel(t,
		route.TrainDoc{Number: "16792", Name: "Palaruvi Exp", Time: "03:05", Direction: "A_TO_B"},
		route.TrainDoc{Number: "20684", Name: "Sengottai Exp", Time: "02:50", Direction: "B_TO_A"},
	)
	res := Evaluate(2*60+40, m, []int{7, 0})
	require.Len(t, res.Upcoming, 2)

	// sorted by estimated time, not timetable order
	assert.Equal(t, "20684", res.Upcoming[0].Number)
	assert.Equal(t, "On Time", res.Upcoming[0].Delay)
	assert.Equal(t, 10, res.Upcoming[0].MinutesAway)

	u := res.Upcoming[1]
	assert.Equal(t, Upcoming{
		Number:         "16792",
		Name:           "Palaruvi Exp",
		Scheduled:      "03:05",
		Estimated:      "03:12 AM",
		DelayMinutes:   7,
		Delay:          "7 min delay",
		Direction:      "A_TO_B",
		DirectionLabel: "A → B",
		MinutesAway:    32,
	}, u)
}

func TestEvaluate_MidnightWrap(t *testing.T) {
	m := scenarioModel(t, route.TrainDoc{Number: "1", Name: "Late", Time: "00:05", Direction: "A_TO_B"})

	res := Evaluate(23*60+55, m, nil) // time_diff 10, t_enter 18
	require.Len(t, res.Upcoming, 1)
	assert.Equal(t, 10, res.Upcoming[0].MinutesAway)
	assert.Equal(t, StatusOpen, res.Gates["G"].Status)

	res = Evaluate(23*60+58, m, nil) // t_enter 15
	assert.Equal(t, StatusClosingSoon, res.Gates["G"].Status)

	// a delay pushing the train past midnight
	m = scenarioModel(t, route.TrainDoc{Number: "1", Name: "Late", Time: "23:50", Direction: "A_TO_B"})
	res = Evaluate(0*60+5, m, []int{20}) // actual 00:10, time_diff 5
	require.Len(t, res.Upcoming, 1)
	assert.Equal(t, "12:10 AM", res.Upcoming[0].Estimated)
	assert.Equal(t, 5, res.Upcoming[0].MinutesAway)
}

func TestTimeDiff(t *testing.T) {
	assert.Equal(t, 14, TimeDiff(185, 171))
	assert.Equal(t, -1, TimeDiff(185, 186))
	assert.Equal(t, 10, TimeDiff(5, 1435))
	assert.Equal(t, -10, TimeDiff(1435, 5))
	assert.Equal(t, -720, TimeDiff(720, 0))
	assert.Equal(t, 719, TimeDiff(719, 0))
}

func TestEvaluate_TieBreak(t *testing.T) {
	t.Run("closed beats closing soon regardless of order", func(t *testing.T) {
		m := scenarioModel(t,
			route.TrainDoc{Number: "1", Name: "Crossing", Time: "03:00", Direction: "A_TO_B"},
			route.TrainDoc{Number: "2", Name: "Approaching", Time: "03:10", Direction: "A_TO_B"},
		)
		// now 03:10: train 1 t_enter -2 t_exit 8 (CLOSED), train 2 t_enter 8 (CLOSING_SOON)
		res := Evaluate(3*60+10, m, nil)
		assert.Equal(t, StatusClosed, res.Gates["G"].Status)
		assert.Equal(t, "1", res.Gates["G"].Train)

		m = scenarioModel(t,
			route.TrainDoc{Number: "2", Name: "Approaching", Time: "03:10", Direction: "A_TO_B"},
			route.TrainDoc{Number: "1", Name: "Crossing", Time: "03:00", Direction: "A_TO_B"},
		)
		res = Evaluate(3*60+10, m, nil)
		assert.Equal(t, StatusClosed, res.Gates["G"].Status)
		assert.Equal(t, "1", res.Gates["G"].Train)
	})

	t.Run("soonest closing soon wins", func(t *testing.T) {
		near := route.TrainDoc{Number: "1", Name: "Near", Time: "03:02", Direction: "A_TO_B"}
		far := route.TrainDoc{Number: "2", Name: "Far", Time: "03:06", Direction: "A_TO_B"}
		for _, m := range []*route.Model{scenarioModel(t, near, far), scenarioModel(t, far, near)} {
			res := Evaluate(3*60, m, nil) // t_enter 10 and 14
			assert.Equal(t, "1", res.Gates["G"].Train)
			assert.Equal(t, 10, *res.Gates["G"].Minutes)
		}
	})

	t.Run("soonest release wins among closed", func(t *testing.T) {
		m := scenarioModel(t,
			route.TrainDoc{Number: "1", Name: "Later", Time: "02:58", Direction: "A_TO_B"},
			route.TrainDoc{Number: "2", Name: "Earlier", Time: "02:55", Direction: "A_TO_B"},
		)
		res := Evaluate(3*60+8, m, nil) // t_exit 8 and 5
		assert.Equal(t, StatusClosed, res.Gates["G"].Status)
		assert.Equal(t, "2", res.Gates["G"].Train)
		assert.Equal(t, 5, *res.Gates["G"].Minutes)
	})

	t.Run("exact tie keeps timetable order", func(t *testing.T) {
		m := scenarioModel(t,
			route.TrainDoc{Number: "1", Name: "First", Time: "03:05", Direction: "A_TO_B"},
			route.TrainDoc{Number: "2", Name: "Second", Time: "03:05", Direction: "A_TO_B"},
		)
		res := Evaluate(3*60, m, nil)
		assert.Equal(t, "1", res.Gates["G"].Train)
	})
}

func TestCompute_DelayProviderUsage(t *testing.T) {
	m := scenarioModel(t,
		route.TrainDoc{Number: "1", Name: "One", Time: "03:05", Direction: "A_TO_B"},
		route.TrainDoc{Number: "2", Name: "Two", Time: "03:00", Direction: "B_TO_A"},
		route.TrainDoc{Number: "3", Name: "Three", Time: "05:00", Direction: "A_TO_B"},
	)
	var calls atomic.Int32
	provider := DelayFunc(func(_ context.Context, n string) int {
		calls.Add(1)
		if n == "1" {
			return -30
		}
		return 0
	})
	e := NewEngine(m, provider, time.UTC, WithConcurrency(2))

	snap := e.ComputeAt(context.Background(), at("02:58"))
	assert.Equal(t, int32(3), calls.Load())
	// negative delays are clamped to zero
	assert.Equal(t, StatusClosingSoon, snap.Gates["G"].Status)
	assert.Equal(t, "test", snap.Segment)
}

func TestCompute_CancelledContextSkipsLookups(t *testing.T) {
	m := scenarioModel(t, route.TrainDoc{Number: "1", Name: "One", Time: "03:05", Direction: "A_TO_B"})
	var calls atomic.Int32
	provider := DelayFunc(func(_ context.Context, _ string) int {
		calls.Add(1)
		return 60
	})
	e := NewEngine(m, provider, time.UTC)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	snap := e.ComputeAt(ctx, at("02:58"))
	assert.Zero(t, calls.Load())
	assert.Equal(t, StatusClosingSoon, snap.Gates["G"].Status)
	assert.Len(t, snap.Gates, 2)
}

func TestCompute_UsesEngineZone(t *testing.T) {
	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	m := scenarioModel(t, route.TrainDoc{Number: "1", Name: "One", Time: "03:05", Direction: "A_TO_B"})
	e := NewEngine(m, nil, ist, WithClock(func() time.Time {
		// 21:28 UTC is 02:58 IST
		return time.Date(2026, 10, 18, 21, 28, 0, 0, time.UTC)
	}))

	snap := e.Compute(context.Background())
	assert.Equal(t, StatusClosingSoon, snap.Gates["G"].Status)
	assert.Equal(t, ist, snap.GeneratedAt.Location())
}
