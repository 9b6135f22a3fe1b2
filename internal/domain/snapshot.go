package domain

import "time"

// JobSnapshot is the server-side view of a generation job used to answer
// status polls and to build push events.
type JobSnapshot struct {
	ID               string
	Status           JobStatus
	CharacterContext string
	ErrorMessage     string
	QueuePosition    int
	Images           []JobImage
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Result converts the snapshot into the status-poll payload.
func (s JobSnapshot) Result() StatusResult {
	return StatusResult{Status: s.Status, Images: s.Images}
}

// Event converts the snapshot into the push channel message announcing its
// current state.
func (s JobSnapshot) Event() JobEvent {
	evt := JobEvent{JobID: s.ID, Status: s.Status}
	switch s.Status {
	case JobStatusCompleted:
		evt.Type = EventComplete
		evt.CharacterContext = s.CharacterContext
		evt.Images = s.Images
	case JobStatusFailed:
		evt.Type = EventError
		evt.Message = s.ErrorMessage
	default:
		evt.Type = EventProgress
		evt.QueuePosition = s.QueuePosition
	}
	return evt
}
