package gate

import (
	"time"
)

type Status string

const (
	StatusOpen        Status = "OPEN"
	StatusClosingSoon Status = "CLOSING_SOON"
	StatusClosed      Status = "CLOSED"
)

const noTrainsMessage = "No trains nearby."

// rank orders statuses by restrictiveness.
func (s Status) rank() int {
	switch s {
	case StatusClosed:
		return 2
	case StatusClosingSoon:
		return 1
	}
	return 0
}

// Color is the display hint for a status.
func (s Status) Color() string {
	switch s {
	case StatusClosed:
		return "red"
	case StatusClosingSoon:
		return "orange"
	}
	return "green"
}

type State struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
	Color   string `json:"color"`
	Label   string `json:"label,omitempty"`
	Train   string `json:"train,omitempty"`   // causing train number
	Minutes *int   `json:"minutes,omitempty"` // to enter (CLOSING_SOON) or release (CLOSED)
}

type Upcoming struct {
	Number         string `json:"number"`
	Name           string `json:"name"`
	Scheduled      string `json:"scheduled"`
	Estimated      string `json:"estimated"`
	DelayMinutes   int    `json:"delay_minutes"`
	Delay          string `json:"delay"`
	Direction      string `json:"direction"`
	DirectionLabel string `json:"direction_label"`
	MinutesAway    int    `json:"minutes_away"`
}

// Result is the pure output of one evaluation cycle.
type Result struct {
	Gates    map[string]State `json:"gates"`
	Upcoming []Upcoming       `json:"upcoming"`
}

// Snapshot is a Result stamped with identity and generation time.
type Snapshot struct {
	ID          string    `json:"id"`
	Segment     string    `json:"segment"`
	GeneratedAt time.Time `json:"generated_at"`
	Result
}
