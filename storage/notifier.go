package storage

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"pms-board/domain"
)

// BoardUpdate announces that a status change of a project settled.
type BoardUpdate struct {
	SessionID string        `json:"sessionId,omitempty"`
	ProjectID int64         `json:"projectId"`
	TaskID    int64         `json:"taskId"`
	Status    domain.Status `json:"status"`
	Committed bool          `json:"committed"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}

// Notifier fans board updates out to every service instance over Redis
// pub/sub.
type Notifier struct {
	redis   *redis.Client
	channel string
	logger  *log.Logger
}

func NewNotifier(client *redis.Client, channel string, logger *log.Logger) *Notifier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Notifier{redis: client, channel: channel, logger: logger}
}

// Publish sends the update on the board updates channel.
func (n *Notifier) Publish(ctx context.Context, u BoardUpdate) error {
	payload, err := sonic.Marshal(u)
	if err != nil {
		return err
	}
	return n.redis.Publish(ctx, n.channel, payload).Err()
}

// Subscribe delivers every published update to handle until ctx is done,
// reconnecting when the subscription drops.
func (n *Notifier) Subscribe(ctx context.Context, handle func(BoardUpdate)) {
	for {
		sub := n.redis.Subscribe(ctx, n.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var u BoardUpdate
				if err := sonic.UnmarshalString(msg.Payload, &u); err != nil {
					n.logger.WithError(err).Error("unable to parse board update")
					continue
				}
				handle(u)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		n.logger.Error("board updates channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
