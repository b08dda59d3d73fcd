package httpapi

import (
	"time"

	"courier/internal/message"
)

type scheduleRequest struct {
	ChannelID    string    `json:"channel_id" validate:"required,max=128"`
	Recipients   []string  `json:"recipients" validate:"required,min=1,max=100,dive,required,max=320"`
	Subject      string    `json:"subject" validate:"max=998"`
	Body         string    `json:"body" validate:"max=65536"`
	HTMLBody     *string   `json:"html_body" validate:"omitempty,max=262144"`
	ScheduledFor time.Time `json:"scheduled_for" validate:"required"`
	// Out-of-range values are clamped, not rejected.
	MaxRetries *int `json:"max_retries"`
}

type scheduleResponse struct {
	ID           string    `json:"id"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

type updateRequest struct {
	ScheduledFor *time.Time `json:"scheduled_for"`
	Subject      *string    `json:"subject" validate:"omitempty,max=998"`
	Body         *string    `json:"body" validate:"omitempty,max=65536"`
}

func (r updateRequest) patch() message.ContentPatch {
	return message.ContentPatch{ScheduledFor: r.ScheduledFor, Subject: r.Subject, Body: r.Body}
}

type listResponse struct {
	Items []*message.ScheduledMessage `json:"items"`
	Count int                         `json:"count"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type healthResponse struct {
	Status        string `json:"status"`
	TickRunning   bool   `json:"tick_running"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}
