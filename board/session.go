package board

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"pms-board/domain"
)

// SyncState tracks whether a task's local status has reached the backend.
type SyncState string

const (
	SyncCommitted SyncState = "committed"
	SyncPending   SyncState = "pending"
	SyncFailed    SyncState = "failed"
)

// TaskSync is the sync record of one moved task.
type TaskSync struct {
	State     SyncState     `json:"state"`
	Seq       uint64        `json:"seq"`
	Committed domain.Status `json:"committedStatus"`
	Error     string        `json:"error,omitempty"`
}

// View is an immutable snapshot of a session.
type View struct {
	SessionID string             `json:"sessionId"`
	Board     *Board             `json:"board"`
	Sync      map[int64]TaskSync `json:"sync,omitempty"`
}

// Session owns one board for the lifetime of a screen visit. Moves are
// applied one at a time.
type Session struct {
	ID string

	mu      sync.Mutex
	board   *Board
	sync    map[int64]*TaskSync
	seq     uint64
	touched time.Time
}

// NewSession wraps a freshly built board.
func NewSession(id string, b *Board) *Session {
	return &Session{ID: id, board: b, sync: make(map[int64]*TaskSync), touched: time.Now()}
}

// Submitter hands a stamped change to the delivery queue.
type Submitter func(StatusChange) error

// ErrNotSubmitted wraps the submitter error of a move that was rolled back.
var ErrNotSubmitted = errors.New("status change not submitted")

// Move applies a drag result. A cross-column move marks the task pending,
// stamps the change with this session and a sequence number and passes it
// to submit while the session is still locked, so changes of one session
// reach the queue in sequence order. When submit fails the move is rolled
// back and the returned error wraps ErrNotSubmitted. A nil submit only
// applies and stamps.
func (s *Session) Move(res DragResult, submit Submitter) (*StatusChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touched = time.Now()

	change, err := s.board.Apply(res)
	if err != nil || change == nil {
		return nil, err
	}
	s.seq++
	change.SessionID = s.ID
	change.Seq = s.seq

	entry, ok := s.sync[change.TaskID]
	if !ok {
		entry = &TaskSync{Committed: change.From}
		s.sync[change.TaskID] = entry
	}
	entry.State = SyncPending
	entry.Seq = change.Seq
	entry.Error = ""

	if submit != nil {
		if serr := submit(*change); serr != nil {
			s.resolveLocked(*change, serr)
			return change, fmt.Errorf("%w: %w", ErrNotSubmitted, serr)
		}
	}
	return change, nil
}

// Resolve records the backend outcome of a change. It reports whether the
// visible state changed. Outcomes of changes superseded by a newer move of
// the same task only advance the committed status; they never revert.
func (s *Session) Resolve(change StatusChange, outcome error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(change, outcome)
}

func (s *Session) resolveLocked(change StatusChange, outcome error) bool {
	entry, ok := s.sync[change.TaskID]
	if !ok {
		return false
	}
	if entry.Seq != change.Seq {
		if outcome == nil {
			entry.Committed = change.To
		}
		return false
	}
	if outcome == nil {
		entry.State = SyncCommitted
		entry.Committed = change.To
		entry.Error = ""
		return true
	}

	index := -1
	if entry.Committed == change.From {
		index = change.Origin.Index
	}
	if err := s.board.Restore(change.TaskID, entry.Committed, index); err != nil {
		entry.Error = outcome.Error() + "; revert: " + err.Error()
	} else {
		entry.Error = outcome.Error()
	}
	entry.State = SyncFailed
	return true
}

// View returns a snapshot of the board and the sync records.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{SessionID: s.ID, Board: s.board.Clone()}
	if len(s.sync) > 0 {
		v.Sync = make(map[int64]TaskSync, len(s.sync))
		for id, e := range s.sync {
			v.Sync[id] = *e
		}
	}
	return v
}

// Layout returns the current column order.
func (s *Session) Layout() Layout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board.Layout()
}

// ProjectID is the project the board was built for.
func (s *Session) ProjectID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.board.ProjectID
}

// Pending reports how many tasks still await acknowledgement.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.sync {
		if e.State == SyncPending {
			n++
		}
	}
	return n
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touched
}
