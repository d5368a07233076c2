package realtime

import (
	"context"
	"log/slog"

	"github.com/trannm/ingest-be/internal/jobs/domain"
)

// Broadcaster resolves topic subscriptions to connections and delivers
// progress messages. Per-job ordering is carried by the message's sequence
// number; no ordering holds across topics. A failed delivery evicts the
// connection.
type Broadcaster struct {
	conns  *ConnManager
	logger *slog.Logger
}

// NewBroadcaster creates a broadcaster over the connection manager.
func NewBroadcaster(conns *ConnManager, logger *slog.Logger) *Broadcaster {
	return &Broadcaster{conns: conns, logger: logger}
}

// Publish delivers the message to every connection subscribed to its
// topic, narrowed to the target user when one is set. Implements
// jobs.Publisher.
func (b *Broadcaster) Publish(_ context.Context, msg domain.ProgressMessage) {
	targets := b.conns.Subscribers(msg.Topic, msg.TargetUserID)
	if len(targets) == 0 {
		return
	}

	delivered := 0
	for _, conn := range targets {
		if err := conn.send(msg); err != nil {
			b.logger.Warn("Delivery failed, evicting connection",
				slog.String("connection_id", conn.ID),
				slog.String("topic", msg.Topic),
				slog.String("error", err.Error()),
			)
			b.conns.Disconnect(conn.ID)
			continue
		}
		delivered++
	}

	b.logger.Debug("Progress broadcast",
		slog.String("topic", msg.Topic),
		slog.String("job_id", msg.JobID),
		slog.Uint64("sequence", msg.Sequence),
		slog.Int("delivered", delivered),
	)
}
