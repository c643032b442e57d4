package task

import (
	"time"

	"github.com/google/uuid"
)

// Priority has four tiers. The wire carries a raw byte; bucketing maps
// the byte ranges onto tiers so foreign senders with finer-grained
// scales still order correctly.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Critical

	numPriorities
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// PriorityFromByte buckets a wire priority byte into a tier.
func PriorityFromByte(b uint8) Priority {
	switch {
	case b >= 192:
		return Critical
	case b >= 128:
		return High
	case b >= 64:
		return Normal
	default:
		return Low
	}
}

// Byte returns the canonical wire value for a tier.
func (p Priority) Byte() uint8 {
	switch p {
	case Critical:
		return 224
	case High:
		return 160
	case Normal:
		return 96
	default:
		return 32
	}
}

type Status int

const (
	StatusPending Status = iota
	StatusInFlight
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInFlight:
		return "in_flight"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Task is one unit of delegated work.
type Task struct {
	ID         uuid.UUID
	Capability string
	Payload    []byte
	Priority   Priority
	// TargetNode pins execution to a specific peer; zero means the
	// router chooses.
	TargetNode [32]byte
	Retries    int
	CreatedAt  time.Time
	Status     Status
}

func New(capability string, payload []byte, prio Priority) *Task {
	return &Task{
		ID:         uuid.New(),
		Capability: capability,
		Payload:    payload,
		Priority:   prio,
		CreatedAt:  time.Now(),
		Status:     StatusPending,
	}
}

// Result is the terminal outcome of one task.
type Result struct {
	TaskID   uuid.UUID
	Output   []byte
	Err      error
	Executor [32]byte
	Local    bool
	Elapsed  time.Duration
}
