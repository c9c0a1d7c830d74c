package domain

import (
	"errors"
	"strings"
)

// Status is a scrum board stage. The set of known stages is closed; every
// consumer goes through Statuses instead of repeating the literals.
type Status string

const (
	StatusToDo    Status = "To Do"
	StatusPending Status = "Pending"
	StatusDone    Status = "Done"
)

var ErrUnknownStatus = errors.New("unknown status")

var boardOrder = [...]Status{StatusToDo, StatusPending, StatusDone}

// Statuses returns the known stages in board order.
func Statuses() []Status {
	out := make([]Status, len(boardOrder))
	copy(out, boardOrder[:])
	return out
}

// Known reports whether s is one of the board stages.
func (s Status) Known() bool {
	for _, st := range boardOrder {
		if s == st {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

// ParseStatus resolves a stage name. Matching ignores case and surrounding
// whitespace so "to do" and "DONE" resolve to their canonical form.
func ParseStatus(raw string) (Status, error) {
	trimmed := strings.TrimSpace(raw)
	for _, st := range boardOrder {
		if strings.EqualFold(trimmed, string(st)) {
			return st, nil
		}
	}
	return "", ErrUnknownStatus
}
