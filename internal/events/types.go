package events

import "time"

// Type identifies an event flowing through the bus.
type Type string

const (
	// Engine lifecycle.
	TypeEngineStarted Type = "EngineStarted"
	TypeEngineStopped Type = "EngineStopped"

	// Channel lifecycle.
	TypeChannelDeployed   Type = "ChannelDeployed"
	TypeChannelUndeployed Type = "ChannelUndeployed"
	TypeChannelStarted    Type = "ChannelStarted"
	TypeChannelStopped    Type = "ChannelStopped"

	// Connector connection status transitions.
	TypeConnection Type = "ConnectionStatus"

	// Message processing failures (per-message, high volume).
	TypeMessageError Type = "MessageError"

	// Maintenance.
	TypePrunerRun       Type = "PrunerRun"
	TypeStatsReset      Type = "StatisticsReset"
	TypeMessagesRemoved Type = "MessagesRemoved"
)

// ConnectionState is a connector's reported connection status.
type ConnectionState string

const (
	StateIdle         ConnectionState = "IDLE"
	StateConnected    ConnectionState = "CONNECTED"
	StateReading      ConnectionState = "READING"
	StateReceiving    ConnectionState = "RECEIVING"
	StateSending      ConnectionState = "SENDING"
	StateDisconnected ConnectionState = "DISCONNECTED"
)

// Event is a single engine event. Fields beyond Type and Time are populated
// per type: connection events carry connector coordinates and State, message
// errors carry MessageID and Error, lifecycle events carry the channel.
type Event struct {
	Type Type      `json:"type"`
	Time time.Time `json:"time"`

	ServerID    string `json:"server_id,omitempty"`
	ChannelID   string `json:"channel_id,omitempty"`
	ChannelName string `json:"channel_name,omitempty"`

	MetaDataID    int             `json:"metadata_id,omitempty"`
	ConnectorName string          `json:"connector_name,omitempty"`
	State         ConnectionState `json:"state,omitempty"`

	MessageID int64  `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`

	Attributes map[string]string `json:"attributes,omitempty"`
}

// IsLifecycleEvent reports whether the type is a channel or engine
// lifecycle transition worth an audit row.
func (t Type) IsLifecycleEvent() bool {
	switch t {
	case TypeEngineStarted, TypeEngineStopped,
		TypeChannelDeployed, TypeChannelUndeployed,
		TypeChannelStarted, TypeChannelStopped,
		TypePrunerRun, TypeStatsReset, TypeMessagesRemoved:
		return true
	}
	return false
}

// NewChannelEvent builds a lifecycle event for a channel.
func NewChannelEvent(typ Type, channelID, channelName string) *Event {
	return &Event{
		Type:        typ,
		Time:        time.Now(),
		ChannelID:   channelID,
		ChannelName: channelName,
	}
}

// NewConnectionEvent builds a connection status event for a connector.
func NewConnectionEvent(channelID string, metaDataID int, connectorName string, state ConnectionState) *Event {
	return &Event{
		Type:          TypeConnection,
		Time:          time.Now(),
		ChannelID:     channelID,
		MetaDataID:    metaDataID,
		ConnectorName: connectorName,
		State:         state,
	}
}
