package broadcast

import (
	"context"

	"forge3d/internal/domain"
)

// EventMessageUpdate is the only event type pushed to subscribers.
const EventMessageUpdate = "message_update"

// Event is the JSON document written to every subscriber socket.
type Event struct {
	Type string        `json:"type"`
	Data MessageUpdate `json:"data"`
}

// MessageUpdate describes the state of the job owned by message ID.
type MessageUpdate struct {
	ID             string           `json:"id"`
	Status         domain.JobStatus `json:"status"`
	ModelURL       *string          `json:"modelUrl"`
	PrecedingTasks *int             `json:"precedingTasks,omitempty"`
}

// UpdateFromJob builds the update announcing job's current state.
func UpdateFromJob(job *domain.Job) MessageUpdate {
	update := MessageUpdate{ID: job.MessageID, Status: job.Status}
	if job.ModelURL != "" {
		url := job.ModelURL
		update.ModelURL = &url
	}
	return update
}

// NewMessageUpdate wraps update in an Event.
func NewMessageUpdate(update MessageUpdate) Event {
	return Event{Type: EventMessageUpdate, Data: update}
}

// Notifier delivers job updates to the subscribers of a channel.
type Notifier interface {
	Notify(ctx context.Context, channelID string, update MessageUpdate)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, channelID string, update MessageUpdate)

func (f NotifierFunc) Notify(ctx context.Context, channelID string, update MessageUpdate) {
	f(ctx, channelID, update)
}
