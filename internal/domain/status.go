package domain

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// Status is the scheduling status of a chunk. The numeric value is the
// persisted code.
type Status int

const (
	ReadyForProcessing  Status = 1
	QueuedForProcessing Status = 2
	Blocked             Status = 3
	ReadyForDelivery    Status = 4
	QueuedForDelivery   Status = 5
)

// QueueCapacity is the number of chunks a sink may have queued per phase
// before admission switches to bulk mode.
const QueueCapacity = 1000

var (
	ErrUnknownStatus     = errors.New("unknown scheduling status code")
	ErrIllegalTransition = errors.New("illegal scheduling status transition")
)

type statusInfo struct {
	name         string
	capacity     int
	resendTarget Status
}

var statuses = map[Status]statusInfo{
	ReadyForProcessing:  {name: "READY_FOR_PROCESSING"},
	QueuedForProcessing: {name: "QUEUED_FOR_PROCESSING", capacity: QueueCapacity, resendTarget: ReadyForProcessing},
	Blocked:             {name: "BLOCKED"},
	ReadyForDelivery:    {name: "READY_FOR_DELIVERY"},
	QueuedForDelivery:   {name: "QUEUED_FOR_DELIVERY", capacity: QueueCapacity, resendTarget: ReadyForDelivery},
}

// transitions lists the forward edges and the resend edges of the automaton.
var transitions = map[Status][]Status{
	ReadyForProcessing:  {QueuedForProcessing, Blocked, ReadyForDelivery},
	QueuedForProcessing: {Blocked, ReadyForDelivery, ReadyForProcessing},
	Blocked:             {ReadyForProcessing, ReadyForDelivery},
	ReadyForDelivery:    {QueuedForDelivery},
	QueuedForDelivery:   {ReadyForDelivery},
}

// AllStatuses returns every known status in code order.
func AllStatuses() []Status {
	return []Status{ReadyForProcessing, QueuedForProcessing, Blocked, ReadyForDelivery, QueuedForDelivery}
}

// StatusFromCode maps a persisted code back to its status. An unknown code
// means the data is corrupt and must not be scheduled.
func StatusFromCode(code int) (Status, error) {
	s := Status(code)
	if _, ok := statuses[s]; !ok {
		return 0, errors.Wrapf(ErrUnknownStatus, "code %d", code)
	}
	return s, nil
}

// Value returns the persisted code.
func (s Status) Value() int { return int(s) }

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statuses[s]
	return ok
}

func (s Status) String() string {
	if info, ok := statuses[s]; ok {
		return info.name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Capacity is the declared queue capacity, zero for statuses without one.
func (s Status) Capacity() int { return statuses[s].capacity }

// ResendTarget returns the status a resend moves s to.
func (s Status) ResendTarget() (Status, bool) {
	target := statuses[s].resendTarget
	return target, target != 0
}

// CanTransitionTo reports whether next is reachable from s in one step.
// Staying in the same status is always allowed.
func (s Status) CanTransitionTo(next Status) bool {
	if s == next {
		return true
	}
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Phase returns the phase a non-blocked status belongs to.
func (s Status) Phase() (Phase, bool) {
	switch s {
	case ReadyForProcessing, QueuedForProcessing:
		return Processing, true
	case ReadyForDelivery, QueuedForDelivery:
		return Delivery, true
	}
	return 0, false
}

func (s Status) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, errors.Wrapf(ErrUnknownStatus, "code %d", int(s))
	}
	return json.Marshal(int(s))
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var code int
	if err := json.Unmarshal(data, &code); err != nil {
		return errors.Wrap(err, "decode status")
	}
	st, err := StatusFromCode(code)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Phase is one of the two pipeline phases a chunk goes through.
type Phase int

const (
	Processing Phase = 1
	Delivery   Phase = 2
)

// Phases returns both phases in pipeline order.
func Phases() []Phase { return []Phase{Processing, Delivery} }

// ReadyStatus is the status a chunk has while waiting for admission to the
// phase's queue.
func (p Phase) ReadyStatus() Status {
	if p == Delivery {
		return ReadyForDelivery
	}
	return ReadyForProcessing
}

// QueuedStatus is the status a chunk has once admitted to the phase's queue.
func (p Phase) QueuedStatus() Status {
	if p == Delivery {
		return QueuedForDelivery
	}
	return QueuedForProcessing
}

func (p Phase) String() string {
	switch p {
	case Processing:
		return "processing"
	case Delivery:
		return "delivery"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// ParsePhase is the inverse of Phase.String.
func ParsePhase(s string) (Phase, error) {
	switch s {
	case "processing":
		return Processing, nil
	case "delivery":
		return Delivery, nil
	}
	return 0, errors.Errorf("unknown phase %q", s)
}

func (p Phase) MarshalText() ([]byte, error) {
	if p != Processing && p != Delivery {
		return nil, errors.Errorf("unknown phase %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Phase) UnmarshalText(text []byte) error {
	parsed, err := ParsePhase(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
