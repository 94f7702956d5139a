package types

// Source map keys maintained by the engine on inter-channel dispatch.
// User-supplied source maps cannot override them.
const (
	SourceChannelIDKey   = "sourceChannelId"
	SourceChannelIDsKey  = "sourceChannelIds"
	SourceMessageIDKey   = "sourceMessageId"
	SourceMessageIDsKey  = "sourceMessageIds"
)

// RawMessage is an inbound payload handed to a channel's source pipeline.
type RawMessage struct {
	Raw       string         `json:"raw"`
	SourceMap map[string]any `json:"source_map,omitempty"`

	// DestinationMetaDataIDs restricts processing to the named destinations.
	// Empty means all enabled destinations.
	DestinationMetaDataIDs []int `json:"destination_metadata_ids,omitempty"`
}

// DispatchResult is what a dispatch into a channel returns: the allocated
// message id and, when the caller waited for completion, the selected
// response.
type DispatchResult struct {
	MessageID int64     `json:"message_id"`
	Response  *Response `json:"response,omitempty"`
}

// StampSourceChain installs the reserved source-chain keys on a dispatch
// source map: the immediate origin plus the accumulated chains, oldest
// first. prev is the sender's own source map; when it already carries a
// chain the new entry appends, otherwise a fresh chain of length one
// starts. Returns dst (allocated when nil).
func StampSourceChain(dst map[string]any, fromChannelID string, fromMessageID int64, prev map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, 4)
	}
	dst[SourceChannelIDKey] = fromChannelID
	dst[SourceMessageIDKey] = fromMessageID

	channelChain := []string{fromChannelID}
	if prev != nil {
		channelChain = append(chainStrings(prev[SourceChannelIDsKey]), fromChannelID)
	}
	dst[SourceChannelIDsKey] = channelChain

	messageChain := []int64{fromMessageID}
	if prev != nil {
		messageChain = append(chainInts(prev[SourceMessageIDsKey]), fromMessageID)
	}
	dst[SourceMessageIDsKey] = messageChain
	return dst
}

// chainStrings tolerates both the in-memory ([]string) and the
// JSON-roundtripped ([]any) shape of a channel id chain.
func chainStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func chainInts(v any) []int64 {
	switch t := v.(type) {
	case []int64:
		return append([]int64(nil), t...)
	case []any:
		out := make([]int64, 0, len(t))
		for _, item := range t {
			switch n := item.(type) {
			case int64:
				out = append(out, n)
			case int:
				out = append(out, int64(n))
			case float64:
				out = append(out, int64(n))
			}
		}
		return out
	}
	return nil
}
