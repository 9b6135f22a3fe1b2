package domain

// EventType tags the messages exchanged over the push channel.
type EventType string

const (
	EventProgress    EventType = "progress"
	EventComplete    EventType = "complete"
	EventError       EventType = "error"
	EventSubscribe   EventType = "subscribe"
	EventUnsubscribe EventType = "unsubscribe"
)

// JobEvent is a server-to-client push channel message.
type JobEvent struct {
	Type             EventType  `json:"type"`
	JobID            string     `json:"jobId"`
	Status           JobStatus  `json:"status,omitempty"`
	Progress         float64    `json:"progress,omitempty"`
	Message          string     `json:"message,omitempty"`
	QueuePosition    int        `json:"queuePosition,omitempty"`
	CharacterContext string     `json:"characterContext,omitempty"`
	Images           []JobImage `json:"images,omitempty"`
}

// Command is a client-to-server push channel message.
type Command struct {
	Type   EventType `json:"type"`
	JobIDs []string  `json:"jobIds"`
}
