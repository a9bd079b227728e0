package scheduler

import "time"

type TickKind int

const (
	// TickPump drives the primary queue and batch submission.
	TickPump TickKind = iota + 1
	// TickPoll drives out-of-band status polling.
	TickPoll
)

func (k TickKind) String() string {
	switch k {
	case TickPump:
		return "pump"
	case TickPoll:
		return "poll"
	default:
		return "tick"
	}
}

type Tick struct {
	Kind TickKind
	At   time.Time
}
