package types

import "time"

// EventLevel classifies a server event
type EventLevel string

// Server event level constants
const (
	LevelInformation EventLevel = "INFORMATION"
	LevelWarning     EventLevel = "WARNING"
	LevelError       EventLevel = "ERROR"
)

// EventOutcome records whether the audited operation succeeded
type EventOutcome string

// Server event outcome constants
const (
	OutcomeSuccess EventOutcome = "SUCCESS"
	OutcomeFailure EventOutcome = "FAILURE"
)

// ServerEvent is one row of the persistent server event log: deploys,
// undeploys, prunes, message removals, and other operator-visible actions.
type ServerEvent struct {
	ID         int64             `json:"id"`
	EventTime  time.Time         `json:"event_time"`
	ServerID   string            `json:"server_id,omitempty"`
	Level      EventLevel        `json:"level"`
	Name       string            `json:"name"`
	Outcome    EventOutcome      `json:"outcome,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NewServerEvent builds an informational success event with the given name
func NewServerEvent(serverID, name string) *ServerEvent {
	return &ServerEvent{
		EventTime:  time.Now(),
		ServerID:   serverID,
		Level:      LevelInformation,
		Name:       name,
		Outcome:    OutcomeSuccess,
		Attributes: map[string]string{},
	}
}

// WithAttribute adds one attribute and returns the event for chaining
func (e *ServerEvent) WithAttribute(key, value string) *ServerEvent {
	if e.Attributes == nil {
		e.Attributes = map[string]string{}
	}
	e.Attributes[key] = value
	return e
}
