package model

import "fmt"

// transitions lists every forward move a node may make. Regeneration is the
// only way back to pending and is checked separately by CanRegenerate.
var transitions = map[Status][]Status{
	StatusPending:   {StatusStreaming, StatusCancelled, StatusFailed},
	StatusStreaming: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition reports whether a node in status from may move to status to.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CanRegenerate reports whether a node in status s may be reset to pending.
func CanRegenerate(s Status) bool {
	return s.IsTerminal()
}

// CheckTransition returns a validation error describing an illegal move.
func CheckTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return &Error{Kind: KindValidation, Message: fmt.Sprintf("illegal status transition %s -> %s", from, to)}
}
