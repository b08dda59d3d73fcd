package eventbus

import "time"

// Event types published by the delivery subsystem.
const (
	TypeDeliveryTick     = "delivery.tick"
	TypeDeliveryCleanup  = "delivery.cleanup"
	TypeMessageScheduled = "message.scheduled"
	TypeMessageUpdated   = "message.updated"
	TypeMessageCancelled = "message.cancelled"
	TypeMessageRequeued  = "message.requeued"
	TypeMessageSent      = "message.sent"
	TypeMessageRetry     = "message.retry"
	TypeMessageFailed    = "message.failed"
)

// Event types published by the task engine.
const (
	TypeTaskFinished = "task.finished"
	TypeTaskFailed   = "task.failed"
	TypeTaskSkipped  = "task.skipped"
	TypeTaskDropped  = "task.dropped"
)

// MessageEvent is the Data of message.* events.
type MessageEvent struct {
	ID         string
	OwnerID    string
	ChannelID  string
	Status     string
	RetryCount int
	Error      string
}

// TickEvent is the Data of delivery.tick events.
type TickEvent struct {
	Due      int
	Sent     int
	Retried  int
	Failed   int
	Skipped  int
	Requeued int
	Took     time.Duration
}

// CleanupEvent is the Data of delivery.cleanup events.
type CleanupEvent struct {
	Deleted int64
	Before  time.Time
}
