package pruner

import (
	"sort"
	"time"
)

// Status is a snapshot of one pruner run, either in flight or completed.
type Status struct {
	StartTime time.Time
	EndTime   time.Time

	CurrentChannelID   string
	CurrentChannelName string

	Archiving     bool
	Pruning       bool
	PruningEvents bool

	Pending   map[string]struct{}
	Processed map[string]struct{}
	Failed    map[string]struct{}

	MessagesPruned int64
	ContentPruned  int64
	EventsPruned   int64
}

func newStatus(start time.Time) *Status {
	return &Status{
		StartTime: start,
		Pending:   make(map[string]struct{}),
		Processed: make(map[string]struct{}),
		Failed:    make(map[string]struct{}),
	}
}

// clone copies the status so callers never see mutation in flight.
func (s *Status) clone() *Status {
	if s == nil {
		return nil
	}
	out := *s
	out.Pending = cloneSet(s.Pending)
	out.Processed = cloneSet(s.Processed)
	out.Failed = cloneSet(s.Failed)
	return &out
}

func cloneSet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

// statusJSON is the wire form: dates as ISO strings, sets as sorted arrays.
type statusJSON struct {
	StartTime          string   `json:"start_time"`
	EndTime            string   `json:"end_time,omitempty"`
	CurrentChannelID   string   `json:"current_channel_id,omitempty"`
	CurrentChannelName string   `json:"current_channel_name,omitempty"`
	Archiving          bool     `json:"archiving"`
	Pruning            bool     `json:"pruning"`
	PruningEvents      bool     `json:"pruning_events"`
	Pending            []string `json:"pending_channel_ids"`
	Processed          []string `json:"processed_channel_ids"`
	Failed             []string `json:"failed_channel_ids"`
	MessagesPruned     int64    `json:"messages_pruned"`
	ContentPruned      int64    `json:"content_pruned"`
	EventsPruned       int64    `json:"events_pruned"`
}

// MarshalJSON flattens dates to ISO-8601 strings and sets to sorted arrays.
func (s *Status) MarshalJSON() ([]byte, error) {
	out := statusJSON{
		StartTime:          s.StartTime.UTC().Format(time.RFC3339),
		CurrentChannelID:   s.CurrentChannelID,
		CurrentChannelName: s.CurrentChannelName,
		Archiving:          s.Archiving,
		Pruning:            s.Pruning,
		PruningEvents:      s.PruningEvents,
		Pending:            sortedKeys(s.Pending),
		Processed:          sortedKeys(s.Processed),
		Failed:             sortedKeys(s.Failed),
		MessagesPruned:     s.MessagesPruned,
		ContentPruned:      s.ContentPruned,
		EventsPruned:       s.EventsPruned,
	}
	if !s.EndTime.IsZero() {
		out.EndTime = s.EndTime.UTC().Format(time.RFC3339)
	}
	return json.Marshal(out)
}

func sortedKeys(m map[string]struct{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
