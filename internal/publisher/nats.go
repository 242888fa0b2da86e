package publisher

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"gatewatch/internal/gate"
)

type NATSPublisher struct {
	nc      *nats.Conn
	prefix  string
	metrics PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("gatewatch"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info().Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info().Msg("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, prefix: prefix, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// GateMessage is published on every gate status change.
type GateMessage struct {
	Segment    string     `json:"segment"`
	Gate       string     `json:"gate"`
	Previous   string     `json:"previous,omitempty"`
	State      gate.State `json:"state"`
	SnapshotID string     `json:"snapshot_id"`
	Timestamp  time.Time  `json:"timestamp"`
}

func (p *NATSPublisher) PublishSnapshot(snap gate.Snapshot) error {
	return p.publish(SnapshotSubject(p.prefix, snap.Segment), snap)
}

func (p *NATSPublisher) PublishGate(msg GateMessage) error {
	return p.publish(GateSubject(p.prefix, msg.Segment, msg.Gate), msg)
}

func (p *NATSPublisher) publish(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	log.Debug().Str("subject", subject).Msg("nats publish")
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// SnapshotSubject is <prefix>.<segment>.snapshot.
func SnapshotSubject(prefix, segment string) string {
	return fmt.Sprintf("%s.%s.snapshot", prefix, subjectToken(segment))
}

// GateSubject is <prefix>.<segment>.gate.<gate>.
func GateSubject(prefix, segment, gateName string) string {
	return fmt.Sprintf("%s.%s.gate.%s", prefix, subjectToken(segment), subjectToken(gateName))
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
