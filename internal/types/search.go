package types

import "time"

// MessageFilter narrows message queries for search, export, pruning, and
// bulk removal. Zero-valued fields are ignored.
type MessageFilter struct {
	MinMessageID *int64 `json:"min_message_id,omitempty"`
	MaxMessageID *int64 `json:"max_message_id,omitempty"`
	OriginalID   *int64 `json:"original_id,omitempty"`

	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`

	// Statuses matches messages where any connector carries one of these
	Statuses []Status `json:"statuses,omitempty"`
	// IncludedMetaDataIDs restricts the connector rows considered
	IncludedMetaDataIDs []int `json:"included_metadata_ids,omitempty"`

	// TextSearch matches against connector names and stored content
	TextSearch   string       `json:"text_search,omitempty"`
	ContentTypes []ContentType `json:"content_types,omitempty"`

	ServerID  string `json:"server_id,omitempty"`
	Processed *bool  `json:"processed,omitempty"`

	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// Empty reports whether the filter constrains anything besides paging
func (f *MessageFilter) Empty() bool {
	if f == nil {
		return true
	}
	return f.MinMessageID == nil && f.MaxMessageID == nil && f.OriginalID == nil &&
		f.StartDate == nil && f.EndDate == nil &&
		len(f.Statuses) == 0 && len(f.IncludedMetaDataIDs) == 0 &&
		f.TextSearch == "" && len(f.ContentTypes) == 0 &&
		f.ServerID == "" && f.Processed == nil
}
