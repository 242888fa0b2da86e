package delay

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"google.golang.org/protobuf/proto"
)

// GTFSRTSource reads delays from a GTFS-Realtime TripUpdates feed. A train
// matches a trip update by trip id, vehicle label or vehicle id. The decoded
// feed is reused for ttl.
type GTFSRTSource struct {
	url    string
	ttl    time.Duration
	client *http.Client

	group singleflight.Group

	mu        sync.RWMutex
	delays    map[string]int
	fetchedAt time.Time
}

func NewGTFSRTSource(url string, ttl time.Duration, client *http.Client) *GTFSRTSource {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &GTFSRTSource{url: url, ttl: ttl, client: client}
}

func (s *GTFSRTSource) Delay(ctx context.Context, trainNumber string) (int, error) {
	delays, err := s.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	m, ok := delays[trainNumber]
	if !ok {
		return 0, ErrNoData
	}
	return m, nil
}

func (s *GTFSRTSource) snapshot(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	if s.delays != nil && time.Since(s.fetchedAt) < s.ttl {
		d := s.delays
		s.mu.RUnlock()
		return d, nil
	}
	s.mu.RUnlock()

	ch := s.group.DoChan("feed", func() (any, error) {
		// the shared fetch must not die with the first caller's context
		timeout := s.client.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		fetchCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		feed, err := s.fetchFeed(fetchCtx)
		if err != nil {
			return nil, err
		}
		delays := indexTripUpdates(feed)
		s.mu.Lock()
		s.delays = delays
		s.fetchedAt = time.Now()
		s.mu.Unlock()
		log.Debug().Int("trips", len(delays)).Str("url", s.url).Msg("gtfs-rt trip updates refreshed")
		return delays, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(map[string]int), nil
	}
}

func (s *GTFSRTSource) fetchFeed(ctx context.Context) (*gtfs.FeedMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return nil, fmt.Errorf("failed to parse protobuf: %w", err)
	}
	return feed, nil
}

// indexTripUpdates maps trip ids and vehicle labels/ids to delay minutes.
func indexTripUpdates(feed *gtfs.FeedMessage) map[string]int {
	out := make(map[string]int)
	for _, entity := range feed.GetEntity() {
		tu := entity.GetTripUpdate()
		if tu == nil {
			continue
		}
		seconds, ok := tripDelaySeconds(tu)
		if !ok {
			continue
		}
		minutes := secondsToMinutes(seconds)
		for _, key := range []string{
			tu.GetTrip().GetTripId(),
			tu.GetVehicle().GetLabel(),
			tu.GetVehicle().GetId(),
		} {
			if key != "" {
				out[key] = minutes
			}
		}
	}
	return out
}

// tripDelaySeconds prefers the trip-level delay, then the first stop update
// that carries one (departure before arrival).
func tripDelaySeconds(tu *gtfs.TripUpdate) (int32, bool) {
	if tu.Delay != nil {
		return tu.GetDelay(), true
	}
	for _, stu := range tu.GetStopTimeUpdate() {
		if dep := stu.GetDeparture(); dep != nil && dep.Delay != nil {
			return dep.GetDelay(), true
		}
		if arr := stu.GetArrival(); arr != nil && arr.Delay != nil {
			return arr.GetDelay(), true
		}
	}
	return 0, false
}

// secondsToMinutes rounds lateness up; early running counts as on time.
func secondsToMinutes(s int32) int {
	if s <= 0 {
		return 0
	}
	return int((s + 59) / 60)
}
