package domain

import "time"

// MessageType identifies the kind of frame pushed to subscribed clients.
type MessageType string

const (
	MessageTypeProgress   MessageType = "progress_update"
	MessageTypeError      MessageType = "error_notification"
	MessageTypeHeartbeat  MessageType = "heartbeat"
	MessageTypeCompletion MessageType = "completion"
)

// ProgressMessage is a single frame delivered over the real-time channel.
// Sequence numbers are strictly increasing per job; no ordering is implied
// between messages of different jobs.
type ProgressMessage struct {
	Type          MessageType       `json:"message_type"`
	Topic         string            `json:"topic"`
	JobID         string            `json:"job_id,omitempty"`
	Progress      float64           `json:"progress"`
	Status        JobState          `json:"status,omitempty"`
	Stage         string            `json:"stage,omitempty"`
	Message       string            `json:"message,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
	Error         *ErrorInfo        `json:"error,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Sequence      uint64            `json:"sequence_number"`
	Timestamp     time.Time         `json:"timestamp"`

	// TargetUserID narrows delivery to one user's connections within the
	// topic. Empty means every subscriber of the topic.
	TargetUserID string `json:"-"`
}
