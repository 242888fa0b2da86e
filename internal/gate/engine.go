package gate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/iter"

	"gatewatch/internal/route"
)

// Upcoming-list window, in minutes relative to a train's reference start.
const (
	UpcomingPast  = 20
	UpcomingAhead = 240
)

const (
	minutesPerDay = 24 * 60
	halfDay       = minutesPerDay / 2
)

// DelayProvider returns a best-effort, non-negative delay in minutes. It
// must not block past ctx and never fails.
type DelayProvider interface {
	Delay(ctx context.Context, trainNumber string) int
}

// DelayFunc adapts a plain function to DelayProvider.
type DelayFunc func(ctx context.Context, trainNumber string) int

func (f DelayFunc) Delay(ctx context.Context, trainNumber string) int { return f(ctx, trainNumber) }

// Engine computes gate snapshots for one immutable route model. It keeps no
// state between calls and is safe for concurrent use.
type Engine struct {
	model       *route.Model
	delays      DelayProvider
	loc         *time.Location
	concurrency int
	now         func() time.Time
}

type Option func(*Engine)

// WithConcurrency bounds parallel delay lookups per computation.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithClock overrides the wall clock, mostly for tests and the status command.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(model *route.Model, delays DelayProvider, loc *time.Location, opts ...Option) *Engine {
	if loc == nil {
		loc = time.UTC
	}
	e := &Engine{
		model:       model,
		delays:      delays,
		loc:         loc,
		concurrency: 8,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Model() *route.Model { return e.model }

func (e *Engine) Location() *time.Location { return e.loc }

// Compute evaluates the current wall clock.
func (e *Engine) Compute(ctx context.Context) Snapshot {
	return e.ComputeAt(ctx, e.now())
}

// ComputeAt evaluates the model at now, converted to the engine's zone.
func (e *Engine) ComputeAt(ctx context.Context, now time.Time) Snapshot {
	now = now.In(e.loc)
	delays := e.fetchDelays(ctx)
	return Snapshot{
		ID:          uuid.NewString(),
		Segment:     e.model.Segment,
		GeneratedAt: now,
		Result:      Evaluate(route.ClockOf(now).Minutes(), e.model, delays),
	}
}

// fetchDelays looks up every train's delay concurrently, in timetable order.
func (e *Engine) fetchDelays(ctx context.Context) []int {
	if e.delays == nil {
		return make([]int, len(e.model.Trains))
	}
	mapper := iter.Mapper[route.Train, int]{MaxGoroutines: e.concurrency}
	return mapper.Map(e.model.Trains, func(t *route.Train) int {
		if ctx.Err() != nil {
			return 0
		}
		d := e.delays.Delay(ctx, t.Number)
		if d < 0 {
			return 0
		}
		return d
	})
}

type candidate struct {
	status    Status
	remaining int
	train     route.Train
	message   string
}

// beats reports whether c should replace cur: CLOSED over CLOSING_SOON,
// then the fewest remaining minutes. Exact ties keep cur, the earlier train.
func (c candidate) beats(cur candidate) bool {
	if c.status.rank() != cur.status.rank() {
		return c.status.rank() > cur.status.rank()
	}
	return c.remaining < cur.remaining
}

func classify(t route.Train, toEnter, toExit, lead int) (candidate, bool) {
	switch {
	case toEnter > 0 && toEnter <= lead:
		return candidate{
			status:    StatusClosingSoon,
			remaining: toEnter,
			train:     t,
			message:   fmt.Sprintf("%s arriving in %d mins", t.Name, toEnter),
		}, true
	case toEnter <= 0 && toExit > 0:
		return candidate{
			status:    StatusClosed,
			remaining: toExit,
			train:     t,
			message:   fmt.Sprintf("%s is crossing now", t.Name),
		}, true
	}
	return candidate{}, false
}

// TimeDiff is actual minus current, folded into [-720, 720) so a train just
// across midnight is seen as near rather than a day away.
func TimeDiff(actual, current int) int {
	d := (actual - current + halfDay) % minutesPerDay
	if d < 0 {
		d += minutesPerDay
	}
	return d - halfDay
}

func delayNote(minutes int) string {
	if minutes == 0 {
		return "On Time"
	}
	return fmt.Sprintf("%d min delay", minutes)
}

// Evaluate is the pure gate-state computation. delays[i] belongs to
// m.Trains[i]; missing or negative entries count as zero.
func Evaluate(currentMinutes int, m *route.Model, delays []int) Result {
	res := Result{
		Gates:    make(map[string]State, len(m.Gates)),
		Upcoming: make([]Upcoming, 0),
	}
	for _, g := range m.Gates {
		res.Gates[g.Name] = State{
			Status:  StatusOpen,
			Message: noTrainsMessage,
			Color:   StatusOpen.Color(),
			Label:   g.Label,
		}
	}

	best := make(map[string]candidate, len(m.Gates))
	for i, t := range m.Trains {
		delay := 0
		if i < len(delays) && delays[i] > 0 {
			delay = delays[i]
		}
		actual := t.Scheduled.Minutes() + delay
		diff := TimeDiff(actual, currentMinutes)

		if diff > -UpcomingPast && diff < UpcomingAhead {
			res.Upcoming = append(res.Upcoming, Upcoming{
				Number:         t.Number,
				Name:           t.Name,
				Scheduled:      t.Scheduled.String(),
				Estimated:      route.ClockFromMinutes(actual).Format12(),
				DelayMinutes:   delay,
				Delay:          delayNote(delay),
				Direction:      t.Direction,
				DirectionLabel: m.DirectionLabel(t.Direction),
				MinutesAway:    diff,
			})
		}

		for _, g := range m.Gates {
			enter, exit, guarded, err := m.Window(g, t.Direction)
			if err != nil || !guarded {
				continue
			}
			c, ok := classify(t, diff+enter, diff+exit, g.WarningLead)
			if !ok {
				continue
			}
			if cur, seen := best[g.Name]; !seen || c.beats(cur) {
				best[g.Name] = c
			}
		}
	}

	for name, c := range best {
		st := res.Gates[name]
		remaining := c.remaining
		st.Status = c.status
		st.Message = c.message
		st.Color = c.status.Color()
		st.Train = c.train.Number
		st.Minutes = &remaining
		res.Gates[name] = st
	}

	sort.SliceStable(res.Upcoming, func(i, j int) bool {
		return res.Upcoming[i].MinutesAway < res.Upcoming[j].MinutesAway
	})
	return res
}
