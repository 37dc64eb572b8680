// Package messaging implements inter-worker messaging: per-worker mailboxes
// and broadcast pub/sub channels for the collaboration workflows
// (coord_request/response, analysis_request/result). Messaging itself never
// retries — collaboration workflows own their own timeouts.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/relay/pkg/broker"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const broadcastChannelPrefix = "broadcast:"

func mailboxKey(workerID string) string { return "messages:" + workerID }
func wakeupChannel(workerID string) string { return "messages:" + workerID + ":wakeup" }

// Hub is the Inter-Worker Messaging component over one broker client.
type Hub struct {
	client broker.Client
	logger zerolog.Logger
}

// New constructs a Hub bound to client.
func New(client broker.Client) *Hub {
	return &Hub{client: client, logger: log.WithComponent("messaging")}
}

// SendDirect pushes msg onto to's mailbox and publishes a wakeup
// notification, consumed in arrival order by the receiver's Drain loop.
func (h *Hub) SendDirect(ctx context.Context, to string, msgType types.MessageType, payload map[string]any, priority types.Priority) error {
	msg := &types.Message{
		ID:       uuid.New().String(),
		To:       to,
		Type:     msgType,
		Payload:  payload,
		Priority: priority,
		SentAt:   time.Now(),
	}
	blob, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := h.client.EnqueueTail(ctx, mailboxKey(to), blob); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	if err := h.client.Publish(ctx, wakeupChannel(to), blob); err != nil {
		h.logger.Debug().Err(err).Str("to", to).Msg("wakeup publish failed")
	}
	return nil
}

// Broadcast publishes msg on channel without persisting it; it is transient
// pub/sub, not a mailbox entry.
func (h *Hub) Broadcast(ctx context.Context, channel string, msgType types.MessageType, payload map[string]any) error {
	msg := &types.Message{
		Channel: channel,
		Type:    msgType,
		Payload: payload,
		SentAt:  time.Now(),
	}
	blob, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	return h.client.Publish(ctx, broadcastChannelPrefix+channel, blob)
}

// PublishEvent publishes msg directly on channel, unlike Broadcast it does
// not prefix the channel name: it is the escape hatch for the handful of
// stable, externally-documented channels (task:complete, task:failed,
// task:rejected, ...) that other systems subscribe to by exact name.
func (h *Hub) PublishEvent(ctx context.Context, channel string, msgType types.MessageType, payload map[string]any) error {
	msg := &types.Message{
		Channel: channel,
		Type:    msgType,
		Payload: payload,
		SentAt:  time.Now(),
	}
	blob, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return h.client.Publish(ctx, channel, blob)
}

// Drain returns and removes all messages currently queued in workerID's
// mailbox, oldest first.
func (h *Hub) Drain(ctx context.Context, workerID string) ([]*types.Message, error) {
	blobs, err := h.client.ListRange(ctx, mailboxKey(workerID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("drain mailbox %s: %w", workerID, err)
	}
	msgs := make([]*types.Message, 0, len(blobs))
	for _, blob := range blobs {
		var m types.Message
		if err := json.Unmarshal(blob, &m); err != nil {
			continue
		}
		msgs = append(msgs, &m)
		_ = h.client.RemoveFromList(ctx, mailboxKey(workerID), blob)
	}
	return msgs, nil
}

// MailboxLen reports how many messages are waiting for workerID, used by
// the CLI's status report.
func (h *Hub) MailboxLen(ctx context.Context, workerID string) (int64, error) {
	return h.client.ListLen(ctx, mailboxKey(workerID))
}

// Reply sends a coord_response or analysis_result/analysis_error back to
// the original requester.
func (h *Hub) Reply(ctx context.Context, to string, from string, replyType types.MessageType, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["from"] = from
	return h.SendDirect(ctx, to, replyType, payload, types.PriorityNormal)
}

// SubscribeBroadcast subscribes to channel's broadcast feed.
func (h *Hub) SubscribeBroadcast(ctx context.Context, channel string) broker.Subscription {
	return h.client.Subscribe(ctx, broadcastChannelPrefix+channel)
}

// SubscribeWakeup subscribes to a worker's mailbox wakeup notifications.
func (h *Hub) SubscribeWakeup(ctx context.Context, workerID string) broker.Subscription {
	return h.client.Subscribe(ctx, wakeupChannel(workerID))
}
