package watch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"gatewatch/internal/gate"
	"gatewatch/internal/publisher"
)

type Computer interface {
	Compute(ctx context.Context) gate.Snapshot
}

type Publisher interface {
	PublishSnapshot(snap gate.Snapshot) error
	PublishGate(msg publisher.GateMessage) error
}

type Metrics interface {
	ObserveCompute(source string, d time.Duration)
	SetGateStatus(gate, status string)
	GateTransition(gate, to string)
}

// Manager recomputes the gate snapshot on an interval and publishes every
// gate whose status changed since the previous tick. The previous statuses
// live here only; the engine itself stays memoryless.
type Manager struct {
	engine   Computer
	pub      Publisher
	interval time.Duration
	deadline time.Duration
	metrics  Metrics

	mu   sync.Mutex
	last map[string]gate.Status

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(engine Computer, pub Publisher, interval, deadline time.Duration, metrics Metrics) *Manager {
	return &Manager{
		engine:   engine,
		pub:      pub,
		interval: interval,
		deadline: deadline,
		metrics:  metrics,
		last:     make(map[string]gate.Status),
	}
}

// Start launches the background loop; it ticks once immediately.
func (m *Manager) Start(parent context.Context) {
	if m.interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.Tick(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	}()
}

// Tick runs one cycle and returns the gate changes it published.
func (m *Manager) Tick(parent context.Context) []publisher.GateMessage {
	ctx := parent
	if m.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, m.deadline)
		defer cancel()
	}
	start := time.Now()
	snap := m.engine.Compute(ctx)
	if m.metrics != nil {
		m.metrics.ObserveCompute("watch", time.Since(start))
	}

	changes := m.diff(snap)

	if m.pub != nil {
		if err := m.pub.PublishSnapshot(snap); err != nil {
			log.Error().Err(err).Msg("publish snapshot")
		}
		for _, c := range changes {
			if err := m.pub.PublishGate(c); err != nil {
				log.Error().Err(err).Str("gate", c.Gate).Msg("publish gate change")
			}
		}
	}
	for _, c := range changes {
		log.Info().
			Str("gate", c.Gate).
			Str("from", c.Previous).
			Str("to", string(c.State.Status)).
			Str("message", c.State.Message).
			Msg("gate status changed")
	}
	return changes
}

func (m *Manager) diff(snap gate.Snapshot) []publisher.GateMessage {
	names := make([]string, 0, len(snap.Gates))
	for name := range snap.Gates {
		names = append(names, name)
	}
	sort.Strings(names)

	m.mu.Lock()
	defer m.mu.Unlock()
	var changes []publisher.GateMessage
	for _, name := range names {
		st := snap.Gates[name]
		prev, seen := m.last[name]
		if m.metrics != nil {
			m.metrics.SetGateStatus(name, string(st.Status))
		}
		if seen && prev == st.Status {
			continue
		}
		if seen && m.metrics != nil {
			m.metrics.GateTransition(name, string(st.Status))
		}
		m.last[name] = st.Status
		changes = append(changes, publisher.GateMessage{
			Segment:    snap.Segment,
			Gate:       name,
			Previous:   string(prev),
			State:      st,
			SnapshotID: snap.ID,
			Timestamp:  snap.GeneratedAt,
		})
	}
	return changes
}

func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}
