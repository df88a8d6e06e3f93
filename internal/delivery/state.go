package delivery

import "fmt"

// State is where a batch is in its delivery lifecycle.
type State int

const (
	Pending State = iota
	Dispatched
	Acked
	Failed
	DeadLettered
)

var stateNames = [...]string{"pending", "dispatched", "acked", "failed", "deadlettered"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal states resolve a batch: its cursor may be committed.
func (s State) Terminal() bool { return s == Acked || s == DeadLettered }

type Event int

const (
	evDispatch Event = iota
	evAck
	evRetryable
	evFatal
	evRetry
	evExhaust
)

var eventNames = [...]string{"dispatch", "ack", "retryable", "fatal", "retry", "exhaust"}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("event(%d)", int(e))
}

type edge struct {
	from State
	ev   Event
}

var transitions = map[edge]State{
	{Pending, evDispatch}:     Dispatched,
	{Dispatched, evAck}:       Acked,
	{Dispatched, evRetryable}: Failed,
	{Dispatched, evFatal}:     DeadLettered,
	{Failed, evRetry}:         Pending,
	{Failed, evExhaust}:       DeadLettered,
}

// Next applies ev to s. Undefined transitions are programming errors.
func Next(s State, ev Event) (State, error) {
	to, ok := transitions[edge{s, ev}]
	if !ok {
		return s, fmt.Errorf("delivery: no transition from %s on %s", s, ev)
	}
	return to, nil
}
