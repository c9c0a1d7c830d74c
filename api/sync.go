package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"pms-board/board"
	"pms-board/outbox"
	"pms-board/storage"
)

const syncTimeout = 5 * time.Second

// Syncer applies settled outbox outcomes: it commits or reverts the move in
// its board session, drops the project's cached tasks, parks failures on the
// dead-letter queue and announces the update to SSE streams. Cache, Publisher
// and DeadLetters are optional.
type Syncer struct {
	Registry    *board.Registry
	Broker      *Broker
	Cache       TaskCache
	Publisher   Publisher
	DeadLetters DeadLetters
	Logger      *log.Logger
}

// Handle is an outbox.Listener.
func (s *Syncer) Handle(out outbox.Outcome) {
	logger := s.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	change := out.Change
	_, changed := s.Registry.Resolve(change, out.Err)

	entry := logger.WithFields(log.Fields{
		"session_id": change.SessionID,
		"project_id": change.ProjectID,
		"task_id":    change.TaskID,
		"status":     change.To,
		"attempts":   out.Attempts,
	})
	if out.Err != nil {
		entry.WithError(out.Err).WithField("reverted", changed).Warn("status update failed")
	} else {
		entry.Debug("status update committed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	if s.Cache != nil {
		s.Cache.Evict(ctx, change.ProjectID)
	}

	update := storage.BoardUpdate{
		SessionID: change.SessionID,
		ProjectID: change.ProjectID,
		TaskID:    change.TaskID,
		Status:    change.To,
		Committed: out.Err == nil,
		At:        time.Now().UTC(),
	}
	if out.Err != nil {
		update.Error = out.Err.Error()
		if s.DeadLetters != nil {
			failed := storage.FailedUpdate{Change: change, Error: update.Error, Attempts: out.Attempts, FailedAt: update.At}
			if err := s.DeadLetters.DeadLetter(ctx, failed); err != nil {
				entry.WithError(err).Error("unable to dead-letter failed status update")
			}
		}
	}

	if s.Publisher != nil {
		err := s.Publisher.Publish(ctx, update)
		if err == nil {
			return
		}
		entry.WithError(err).Warn("unable to publish board update, notifying local streams")
	}
	if s.Broker != nil {
		s.Broker.Notify(update)
	}
}

// SweepSessions closes idle board sessions every interval until ctx is done.
func SweepSessions(ctx context.Context, reg *board.Registry, every time.Duration, logger *log.Logger) {
	if every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := reg.Sweep(now); n > 0 && logger != nil {
				logger.Debugf("closed %d idle board sessions", n)
			}
		}
	}
}
