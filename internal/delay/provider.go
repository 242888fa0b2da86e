package delay

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrNoData means the source has nothing for the train; it is not a failure.
var ErrNoData = errors.New("no delay data")

// Lookup outcomes reported to Metrics.
const (
	OutcomeOK      = "ok"
	OutcomeNoData  = "no_data"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeInvalid = "invalid"
)

// Source fetches a train's current delay in minutes.
type Source interface {
	Delay(ctx context.Context, trainNumber string) (int, error)
}

type Metrics interface {
	ObserveLookup(outcome string, d time.Duration)
}

// Bounded turns a Source into a provider that always answers within timeout
// and never fails: errors, timeouts and negative values all become zero.
type Bounded struct {
	src     Source
	timeout time.Duration
	metrics Metrics
}

func NewBounded(src Source, timeout time.Duration, m Metrics) *Bounded {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Bounded{src: src, timeout: timeout, metrics: m}
}

type result struct {
	minutes int
	err     error
}

func (b *Bounded) Delay(ctx context.Context, trainNumber string) int {
	if b.src == nil {
		return 0
	}
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	// buffered so the lookup goroutine never leaks when we stop waiting
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("delay source panic: %v", r)}
			}
		}()
		m, err := b.src.Delay(ctx, trainNumber)
		ch <- result{minutes: m, err: err}
	}()

	var (
		minutes int
		outcome string
	)
	select {
	case <-ctx.Done():
		outcome = OutcomeTimeout
		log.Warn().Str("train", trainNumber).Dur("timeout", b.timeout).Msg("delay lookup timed out, assuming on time")
	case r := <-ch:
		switch {
		case errors.Is(r.err, ErrNoData):
			outcome = OutcomeNoData
		case r.err != nil:
			outcome = OutcomeError
			log.Warn().Err(r.err).Str("train", trainNumber).Msg("delay lookup failed, assuming on time")
		case r.minutes < 0:
			outcome = OutcomeInvalid
			log.Debug().Str("train", trainNumber).Int("minutes", r.minutes).Msg("negative delay ignored")
		default:
			outcome = OutcomeOK
			minutes = r.minutes
		}
	}
	if b.metrics != nil {
		b.metrics.ObserveLookup(outcome, time.Since(start))
	}
	return minutes
}

// Static serves fixed per-train delays; unknown trains are on time.
type Static map[string]int

func (s Static) Delay(_ context.Context, trainNumber string) (int, error) {
	if m, ok := s[trainNumber]; ok {
		return m, nil
	}
	return 0, ErrNoData
}

// ParseStatic parses "16792=5,20684=0".
func ParseStatic(s string) (Static, error) {
	out := Static{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		number, minutes, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid static delay %q: want number=minutes", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(minutes))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid static delay minutes in %q", part)
		}
		out[strings.TrimSpace(number)] = n
	}
	return out, nil
}
