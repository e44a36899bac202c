// Package orderstate defines the order lifecycle: the set of statuses, the legal
// transitions between them and the rules for user-initiated cancellation.
package orderstate

import (
	"errors"
	"fmt"
)

// Status is the lifecycle state of an order.
type Status string

const (
	Pending         Status = "PENDING"
	Submitted       Status = "SUBMITTED"
	Open            Status = "OPEN"
	PartiallyFilled Status = "PARTIALLY_FILLED"
	Complete        Status = "COMPLETE"
	Cancelled       Status = "CANCELLED"
	Rejected        Status = "REJECTED"
)

var (
	// ErrTerminalState is returned for any transition out of COMPLETE, CANCELLED or REJECTED.
	ErrTerminalState = errors.New("order is in a terminal state")
	// ErrAlreadyFinal is returned when cancellation is requested for a terminal order.
	ErrAlreadyFinal = errors.New("order is already final")
	// ErrIllegalTransition is returned for a transition the lifecycle does not allow.
	ErrIllegalTransition = errors.New("illegal status transition")
	// ErrConcurrentModification is returned when the order changed since it was read.
	ErrConcurrentModification = errors.New("order was modified concurrently")
	// ErrUnknownStatus is returned when parsing an unrecognised status.
	ErrUnknownStatus = errors.New("unknown order status")
)

var transitions = map[Status][]Status{
	Pending:         {Submitted, Cancelled},
	Submitted:       {Open, Rejected, Cancelled},
	Open:            {PartiallyFilled, Complete, Cancelled},
	PartiallyFilled: {PartiallyFilled, Complete, Cancelled},
}

var cancellable = map[Status]bool{
	Pending:   true,
	Submitted: true,
	Open:      true,
}

// All lists every status in lifecycle order.
func All() []Status {
	return []Status{Pending, Submitted, Open, PartiallyFilled, Complete, Cancelled, Rejected}
}

// Parse converts s to a Status.
func Parse(s string) (Status, error) {
	for _, st := range All() {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// IsTerminal reports whether no further transition is permitted from s.
func (s Status) IsTerminal() bool {
	switch s {
	case Complete, Cancelled, Rejected:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to Status) bool {
	return CheckTransition(from, to) == nil
}

// CheckTransition validates from -> to.
func CheckTransition(from, to Status) error {
	if from.IsTerminal() {
		return &TransitionError{From: from, To: to, Err: ErrTerminalState}
	}
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to, Err: ErrIllegalTransition}
}

// CheckCancel validates a user cancellation request against the current status.
func CheckCancel(current Status) error {
	if current.IsTerminal() {
		return &TransitionError{From: current, To: Cancelled, Err: ErrAlreadyFinal}
	}
	if !cancellable[current] {
		return &TransitionError{From: current, To: Cancelled, Err: ErrIllegalTransition}
	}
	return nil
}

// Path returns the shortest chain of legal transitions leading from -> to,
// excluding from itself. It is used when the broker reports a status several
// steps ahead of the ledger (for example a fill observed while still SUBMITTED).
func Path(from, to Status) ([]Status, error) {
	if from == to && to != PartiallyFilled {
		return nil, nil
	}
	if from.IsTerminal() {
		return nil, &TransitionError{From: from, To: to, Err: ErrTerminalState}
	}
	type step struct {
		at   Status
		path []Status
	}
	seen := map[Status]bool{from: true}
	queue := []step{{at: from}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur.at] {
			path := append(append([]Status(nil), cur.path...), next)
			if next == to {
				return path, nil
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, step{at: next, path: path})
			}
		}
	}
	return nil, &TransitionError{From: from, To: to, Err: ErrIllegalTransition}
}

// TransitionError describes a rejected transition. It unwraps to one of the
// package sentinel errors.
type TransitionError struct {
	From Status
	To   Status
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s -> %s: %v", e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }
