package relays

import (
	"fmt"
	"time"
)

type Status int

const (
	Initialized Status = iota
	Pending
	Connecting
	Connected
	Disconnected
	Terminated
	Banned
)

func (s Status) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Pending:
		return "pending"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Terminated:
		return "terminated"
	case Banned:
		return "banned"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// CanTransition reports whether a relay in status s may move to status to.
// Statuses only move forward, except that a disconnected relay may start connecting again.
// Terminated relays may still be banned, banned relays never change.
func (s Status) CanTransition(to Status) bool {
	switch {
	case s == Banned:
		return false
	case s == Terminated:
		return to == Banned
	case to == Terminated, to == Banned:
		return true
	case s == Disconnected && to == Connecting:
		return true
	}
	return to > s
}

// Terminal statuses are never left by reconnecting.
func (s Status) Terminal() bool {
	return s == Terminated || s == Banned
}

type StatusChange struct {
	URL    string
	Status Status
	At     time.Time
}
