package voice

// EventType names an [Event] sent to the voice client.
type EventType string

const (
	EventDetecting  EventType = "detecting"
	EventSpeaking   EventType = "speaking"
	EventPartial    EventType = "partial"
	EventTranscript EventType = "transcript"
	EventCommand    EventType = "command"
	EventError      EventType = "error"
)

// Event is a session notification. The gateway encodes it as a JSON text
// message.
type Event struct {
	Type EventType `json:"type"`

	// Active is set for detecting and speaking events.
	Active *bool `json:"active,omitempty"`

	Text       string  `json:"text,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`

	// Command is the voice command kind of a command event.
	Command string `json:"command,omitempty"`
	Agent   string `json:"agent,omitempty"`

	Error string `json:"error,omitempty"`
}

func activeEvent(t EventType, v bool) Event {
	return Event{Type: t, Active: &v}
}
