package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/trannm/ingest-be/internal/jobs/domain"
	"github.com/trannm/ingest-be/shared/rabbitmq"
)

// Relay externalizes topic fan-out across broadcaster instances. Every
// published message is delivered locally and mirrored onto a shared fanout
// exchange; messages arriving from other instances are delivered to local
// subscribers only. The Broadcaster's public contract is unchanged.
//
// A worker process holds no client connections: it runs the relay with a
// nil local broadcaster and never starts the consume side.
type Relay struct {
	client     *rabbitmq.Client
	local      *Broadcaster
	instanceID string
	logger     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// relayEnvelope tags a message with its origin instance so the publisher
// does not deliver its own mirror twice.
type relayEnvelope struct {
	Instance string                 `json:"instance"`
	Message  domain.ProgressMessage `json:"message"`
	// TargetUserID is carried explicitly: it narrows delivery but is not
	// part of the client-facing frame.
	TargetUserID string `json:"target_user_id,omitempty"`
}

// NewRelay creates a relay over the given fanout client and local broadcaster.
func NewRelay(client *rabbitmq.Client, local *Broadcaster, logger *slog.Logger) *Relay {
	return &Relay{
		client:     client,
		local:      local,
		instanceID: uuid.New().String(),
		logger:     logger,
	}
}

// Publish implements jobs.Publisher: local delivery plus best-effort
// mirroring to the other instances.
func (r *Relay) Publish(ctx context.Context, msg domain.ProgressMessage) {
	if r.local != nil {
		r.local.Publish(ctx, msg)
	}

	body, err := json.Marshal(relayEnvelope{
		Instance:     r.instanceID,
		Message:      msg,
		TargetUserID: msg.TargetUserID,
	})
	if err != nil {
		r.logger.Error("Failed to marshal relay envelope",
			slog.String("error", err.Error()),
		)
		return
	}
	if err := r.client.Publish(ctx, body); err != nil {
		r.logger.Warn("Failed to mirror progress message",
			slog.String("topic", msg.Topic),
			slog.String("error", err.Error()),
		)
	}
}

// Start begins consuming mirrored messages from other instances.
func (r *Relay) Start(ctx context.Context) error {
	deliveries, err := r.client.Consume(r.instanceID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					r.logger.Warn("Relay delivery channel closed")
					return
				}
				var env relayEnvelope
				if err := json.Unmarshal(delivery.Body, &env); err != nil {
					r.logger.Error("Failed to decode relay envelope",
						slog.String("error", err.Error()),
					)
					continue
				}
				if env.Instance == r.instanceID || r.local == nil {
					continue
				}
				env.Message.TargetUserID = env.TargetUserID
				r.local.Publish(runCtx, env.Message)
			}
		}
	}()

	r.logger.Info("Progress relay started",
		slog.String("instance_id", r.instanceID),
	)
	return nil
}

// Stop halts the consume loop.
func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}
