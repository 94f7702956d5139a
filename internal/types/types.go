// Package types defines core data structures for the meridian integration engine.
package types

import (
	"fmt"
	"sort"
	"time"
)

// Status represents the lifecycle state of a message at a connector
type Status string

// Connector message status constants
const (
	StatusReceived    Status = "RECEIVED"    // Persisted, not yet processed
	StatusFiltered    Status = "FILTERED"    // Rejected by a filter chain
	StatusTransformed Status = "TRANSFORMED" // Source processing finished
	StatusPending     Status = "PENDING"     // Handed to a destination, outcome unknown
	StatusQueued      Status = "QUEUED"      // Waiting for a queue retry
	StatusSent        Status = "SENT"        // Dispatched successfully
	StatusError       Status = "ERROR"       // Terminal failure
)

// IsValid checks if the status value is valid
func (s Status) IsValid() bool {
	switch s {
	case StatusReceived, StatusFiltered, StatusTransformed, StatusPending, StatusQueued, StatusSent, StatusError:
		return true
	}
	return false
}

// Code returns the single-character form used in database rows
func (s Status) Code() string {
	if len(s) == 0 {
		return ""
	}
	return string(s[0])
}

// StatusFromCode resolves a single-character database code back to a Status
func StatusFromCode(code string) (Status, error) {
	switch code {
	case "R":
		return StatusReceived, nil
	case "F":
		return StatusFiltered, nil
	case "T":
		return StatusTransformed, nil
	case "P":
		return StatusPending, nil
	case "Q":
		return StatusQueued, nil
	case "S":
		return StatusSent, nil
	case "E":
		return StatusError, nil
	}
	return "", fmt.Errorf("unknown status code: %q", code)
}

// IsTerminal returns true once a destination can make no further progress.
// QUEUED is not terminal: the queue retries it until it becomes SENT or ERROR.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSent, StatusFiltered, StatusError:
		return true
	}
	return false
}

// ContentType identifies which content slot of a connector message a row holds
type ContentType int

// Content type constants. The numeric values are stored in the
// MC<channel> tables and must never be renumbered.
const (
	ContentRaw                 ContentType = 1
	ContentProcessedRaw        ContentType = 2
	ContentTransformed         ContentType = 3
	ContentEncoded             ContentType = 4
	ContentSent                ContentType = 5
	ContentResponse            ContentType = 6
	ContentResponseTransformed ContentType = 7
	ContentProcessedResponse   ContentType = 8
	ContentConnectorMap        ContentType = 9
	ContentChannelMap          ContentType = 10
	ContentResponseMap         ContentType = 11
	ContentProcessingError     ContentType = 12
	ContentPostprocessorError  ContentType = 13
	ContentResponseError       ContentType = 14
	ContentSourceMap           ContentType = 15
)

// IsValid checks if the content type value is valid
func (c ContentType) IsValid() bool {
	return c >= ContentRaw && c <= ContentSourceMap
}

// IsMap returns true for the serialized variable-map content types
func (c ContentType) IsMap() bool {
	switch c {
	case ContentConnectorMap, ContentChannelMap, ContentResponseMap, ContentSourceMap:
		return true
	}
	return false
}

// IsError returns true for the error-text content types
func (c ContentType) IsError() bool {
	switch c {
	case ContentProcessingError, ContentPostprocessorError, ContentResponseError:
		return true
	}
	return false
}

func (c ContentType) String() string {
	switch c {
	case ContentRaw:
		return "RAW"
	case ContentProcessedRaw:
		return "PROCESSED_RAW"
	case ContentTransformed:
		return "TRANSFORMED"
	case ContentEncoded:
		return "ENCODED"
	case ContentSent:
		return "SENT"
	case ContentResponse:
		return "RESPONSE"
	case ContentResponseTransformed:
		return "RESPONSE_TRANSFORMED"
	case ContentProcessedResponse:
		return "PROCESSED_RESPONSE"
	case ContentConnectorMap:
		return "CONNECTOR_MAP"
	case ContentChannelMap:
		return "CHANNEL_MAP"
	case ContentResponseMap:
		return "RESPONSE_MAP"
	case ContentProcessingError:
		return "PROCESSING_ERROR"
	case ContentPostprocessorError:
		return "POSTPROCESSOR_ERROR"
	case ContentResponseError:
		return "RESPONSE_ERROR"
	case ContentSourceMap:
		return "SOURCE_MAP"
	}
	return fmt.Sprintf("CONTENT_TYPE(%d)", int(c))
}

// Error code bitmask values stored on connector message rows. A connector
// message can accumulate more than one kind of error (for example a
// processing error followed by a postprocessor error), so the column is a
// bitwise OR of these flags.
const (
	ErrorProcessing    = 1 << 0
	ErrorPostprocessor = 1 << 1
	ErrorResponse      = 1 << 2
)

// MessageContent is one content slot of a connector message
type MessageContent struct {
	ChannelID   string      `json:"channel_id"`
	MessageID   int64       `json:"message_id"`
	MetaDataID  int         `json:"metadata_id"`
	ContentType ContentType `json:"content_type"`
	Content     string      `json:"content"`
	DataType    string      `json:"data_type,omitempty"`
	Encrypted   bool        `json:"encrypted,omitempty"`
}

// ConnectorMessage is the per-connector view of a message. Metadata ID 0 is
// always the source connector; destinations are numbered from 1.
type ConnectorMessage struct {
	MessageID     int64     `json:"message_id"`
	MetaDataID    int       `json:"metadata_id"`
	ChannelID     string    `json:"channel_id"`
	ChannelName   string    `json:"channel_name,omitempty"`
	ConnectorName string    `json:"connector_name,omitempty"`
	ServerID      string    `json:"server_id,omitempty"`
	ReceivedDate  time.Time `json:"received_date"`
	Status        Status    `json:"status"`

	Raw                 *MessageContent `json:"raw,omitempty"`
	ProcessedRaw        *MessageContent `json:"processed_raw,omitempty"`
	Transformed         *MessageContent `json:"transformed,omitempty"`
	Encoded             *MessageContent `json:"encoded,omitempty"`
	Sent                *MessageContent `json:"sent,omitempty"`
	Response            *MessageContent `json:"response,omitempty"`
	ResponseTransformed *MessageContent `json:"response_transformed,omitempty"`
	ProcessedResponse   *MessageContent `json:"processed_response,omitempty"`
	ProcessingError     *MessageContent `json:"processing_error,omitempty"`
	PostprocessorError  *MessageContent `json:"postprocessor_error,omitempty"`
	ResponseError       *MessageContent `json:"response_error,omitempty"`

	// SourceMap is read-only after ingress; the other maps are mutable
	// within scripts at their respective scopes.
	SourceMap    map[string]any `json:"source_map,omitempty"`
	ConnectorMap map[string]any `json:"connector_map,omitempty"`
	ChannelMap   map[string]any `json:"channel_map,omitempty"`
	ResponseMap  map[string]any `json:"response_map,omitempty"`

	SendAttempts int        `json:"send_attempts,omitempty"`
	SendDate     *time.Time `json:"send_date,omitempty"`
	ResponseDate *time.Time `json:"response_date,omitempty"`
	ErrorCode    int        `json:"error_code,omitempty"`
	ChainID      int        `json:"chain_id,omitempty"`
	OrderID      int        `json:"order_id,omitempty"`
}

// Content returns the slot for the given content type, or nil if unset
func (cm *ConnectorMessage) Content(ct ContentType) *MessageContent {
	switch ct {
	case ContentRaw:
		return cm.Raw
	case ContentProcessedRaw:
		return cm.ProcessedRaw
	case ContentTransformed:
		return cm.Transformed
	case ContentEncoded:
		return cm.Encoded
	case ContentSent:
		return cm.Sent
	case ContentResponse:
		return cm.Response
	case ContentResponseTransformed:
		return cm.ResponseTransformed
	case ContentProcessedResponse:
		return cm.ProcessedResponse
	case ContentProcessingError:
		return cm.ProcessingError
	case ContentPostprocessorError:
		return cm.PostprocessorError
	case ContentResponseError:
		return cm.ResponseError
	}
	return nil
}

// SetContent stores a slot by its content type. Map content types are not
// stored here; they live in the map fields and are serialized by the store.
func (cm *ConnectorMessage) SetContent(mc *MessageContent) {
	if mc == nil {
		return
	}
	switch mc.ContentType {
	case ContentRaw:
		cm.Raw = mc
	case ContentProcessedRaw:
		cm.ProcessedRaw = mc
	case ContentTransformed:
		cm.Transformed = mc
	case ContentEncoded:
		cm.Encoded = mc
	case ContentSent:
		cm.Sent = mc
	case ContentResponse:
		cm.Response = mc
	case ContentResponseTransformed:
		cm.ResponseTransformed = mc
	case ContentProcessedResponse:
		cm.ProcessedResponse = mc
	case ContentProcessingError:
		cm.ProcessingError = mc
	case ContentPostprocessorError:
		cm.PostprocessorError = mc
	case ContentResponseError:
		cm.ResponseError = mc
	}
}

// IsSource returns true for the source connector view (metadata ID 0)
func (cm *ConnectorMessage) IsSource() bool {
	return cm.MetaDataID == 0
}

// Message is one unit of traffic through a channel, with its per-connector
// views keyed by metadata ID.
type Message struct {
	MessageID       int64     `json:"message_id"`
	ServerID        string    `json:"server_id,omitempty"`
	ChannelID       string    `json:"channel_id"`
	ReceivedDate    time.Time `json:"received_date"`
	Processed       bool      `json:"processed"`
	OriginalID      *int64    `json:"original_id,omitempty"`
	ImportID        *int64    `json:"import_id,omitempty"`
	ImportChannelID *string   `json:"import_channel_id,omitempty"`

	ConnectorMessages map[int]*ConnectorMessage `json:"connector_messages,omitempty"`
}

// MetaDataIDs returns the connector metadata IDs present on this message in
// ascending order.
func (m *Message) MetaDataIDs() []int {
	ids := make([]int, 0, len(m.ConnectorMessages))
	for id := range m.ConnectorMessages {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Source returns the source connector message, or nil if absent
func (m *Message) Source() *ConnectorMessage {
	return m.ConnectorMessages[0]
}

// Merged builds the aggregate connector message handed to the postprocessor.
// It carries the source connector's raw content and source map, and merges
// the channel and response maps of every connector in ascending metadata ID
// order, so a later destination's writes win on key collisions.
func (m *Message) Merged() *ConnectorMessage {
	merged := &ConnectorMessage{
		MessageID:     m.MessageID,
		MetaDataID:    0,
		ChannelID:     m.ChannelID,
		ServerID:      m.ServerID,
		ReceivedDate:  m.ReceivedDate,
		ConnectorName: "Merged",
		ChannelMap:    map[string]any{},
		ResponseMap:   map[string]any{},
	}
	if src := m.Source(); src != nil {
		merged.ChannelName = src.ChannelName
		merged.Status = src.Status
		merged.Raw = src.Raw
		merged.ProcessedRaw = src.ProcessedRaw
		merged.SourceMap = src.SourceMap
	}
	for _, id := range m.MetaDataIDs() {
		cm := m.ConnectorMessages[id]
		for k, v := range cm.ChannelMap {
			merged.ChannelMap[k] = v
		}
		for k, v := range cm.ResponseMap {
			merged.ResponseMap[k] = v
		}
	}
	return merged
}

// Response is what a channel hands back to whoever delivered a message
type Response struct {
	Status        Status `json:"status"`
	Message       string `json:"message,omitempty"`
	StatusMessage string `json:"status_message,omitempty"`
	Error         string `json:"error,omitempty"`
}

// NewResponse builds a response with the given status and payload
func NewResponse(status Status, message string) *Response {
	return &Response{Status: status, Message: message}
}

// FixStatus coerces a script-assigned status into one a destination is
// allowed to end with. Anything outside SENT/FILTERED/ERROR/QUEUED becomes
// ERROR, and QUEUED downgrades to ERROR when the destination has no queue
// to put it back on.
func (r *Response) FixStatus(queueEnabled bool) {
	switch r.Status {
	case StatusSent, StatusFiltered, StatusError:
	case StatusQueued:
		if !queueEnabled {
			r.Status = StatusError
		}
	default:
		r.Status = StatusError
	}
}

// Attachment is large or binary content extracted from a message before
// processing and re-inserted at dispatch time.
type Attachment struct {
	ID      string `json:"id"`
	Type    string `json:"type,omitempty"`
	Content []byte `json:"content,omitempty"`
}

// ChannelStatistics is the per-status counter row for one connector of a
// channel. MetaDataID -1 aggregates the whole channel. Queued is a gauge of
// currently parked messages; the rest are lifetime counters.
type ChannelStatistics struct {
	ServerID    string `json:"server_id,omitempty"`
	ChannelID   string `json:"channel_id"`
	MetaDataID  int    `json:"metadata_id"`
	Received    int64  `json:"received"`
	Filtered    int64  `json:"filtered"`
	Transformed int64  `json:"transformed"`
	Pending     int64  `json:"pending"`
	Sent        int64  `json:"sent"`
	Errored     int64  `json:"errored"`
	Queued      int64  `json:"queued"`
}
