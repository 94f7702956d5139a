package types

import (
	"fmt"
	"strings"
)

// StorageMode controls how much of a message a channel persists
type StorageMode string

// Storage mode constants, ordered from most to least durable
const (
	StorageDevelopment StorageMode = "DEVELOPMENT" // Every content slot and map
	StorageProduction  StorageMode = "PRODUCTION"  // Drops intermediate slots
	StorageRaw         StorageMode = "RAW"         // Raw content and source map only
	StorageMetadata    StorageMode = "METADATA"    // Rows without content
	StorageDisabled    StorageMode = "DISABLED"    // Nothing durable at all
)

// IsValid checks if the storage mode value is valid
func (m StorageMode) IsValid() bool {
	switch m {
	case StorageDevelopment, StorageProduction, StorageRaw, StorageMetadata, StorageDisabled:
		return true
	}
	return false
}

// Durable reports whether message and connector rows are written at all
func (m StorageMode) Durable() bool {
	return m != StorageDisabled
}

// StoresContent reports whether this mode persists the given content type.
// Error content is kept in every durable mode so failures stay diagnosable.
func (m StorageMode) StoresContent(ct ContentType) bool {
	switch m {
	case StorageDevelopment:
		return true
	case StorageProduction:
		switch ct {
		case ContentProcessedRaw, ContentTransformed, ContentResponseTransformed:
			return false
		}
		return true
	case StorageRaw:
		return ct == ContentRaw || ct == ContentSourceMap || ct.IsError()
	case StorageMetadata:
		return ct.IsError()
	}
	return false
}

// StoresMaps reports whether the connector, channel, and response maps are
// persisted in this mode.
func (m StorageMode) StoresMaps() bool {
	return m == StorageDevelopment || m == StorageProduction
}

// Channel is the deployable unit: one source connector feeding zero-indexed
// destination connectors, with channel-level scripts around them.
type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Revision    int    `json:"revision"`
	Enabled     bool   `json:"enabled"`

	PreprocessingScript  string `json:"preprocessing_script,omitempty"`
	PostprocessingScript string `json:"postprocessing_script,omitempty"`
	DeployScript         string `json:"deploy_script,omitempty"`
	UndeployScript       string `json:"undeploy_script,omitempty"`

	Source       *SourceConnector        `json:"source"`
	Destinations []*DestinationConnector `json:"destinations"`

	Properties ChannelProperties `json:"properties"`
}

// DispatchMode selects how a message's destination chains execute
type DispatchMode string

// Dispatch mode constants
const (
	DispatchOrdered  DispatchMode = "ordered"  // Chains run one after another
	DispatchParallel DispatchMode = "parallel" // Chains run concurrently
)

// IsValid checks if the dispatch mode value is valid
func (m DispatchMode) IsValid() bool {
	switch m {
	case DispatchOrdered, DispatchParallel, "":
		return true
	}
	return false
}

// ChannelProperties holds channel-level persistence and attachment settings
type ChannelProperties struct {
	StorageMode                    StorageMode      `json:"storage_mode"`
	RemoveContentOnCompletion      bool             `json:"remove_content_on_completion,omitempty"`
	RemoveOnlyFilteredOnCompletion bool             `json:"remove_only_filtered_on_completion,omitempty"`
	RemoveAttachmentsOnCompletion  bool             `json:"remove_attachments_on_completion,omitempty"`
	StoreAttachments               bool             `json:"store_attachments,omitempty"`
	AttachmentType                 AttachmentType   `json:"attachment_type,omitempty"`
	AttachmentPattern              string           `json:"attachment_pattern,omitempty"`
	AttachmentMimeType             string           `json:"attachment_mime_type,omitempty"`
	MetaDataColumns                []MetaDataColumn `json:"metadata_columns,omitempty"`
	Tags                           []string         `json:"tags,omitempty"`

	// MaxProcessingThreads caps how many messages the channel processes
	// concurrently. Zero means one.
	MaxProcessingThreads int          `json:"max_processing_threads,omitempty"`
	DispatchMode         DispatchMode `json:"dispatch_mode,omitempty"`

	// Per-channel pruning thresholds in days. Nil disables that kind of
	// pruning; a channel with both unset is skipped entirely.
	PruneMetaDataDays *int `json:"prune_metadata_days,omitempty"`
	PruneContentDays  *int `json:"prune_content_days,omitempty"`
}

// AttachmentType selects how attachments are carved out of inbound messages
type AttachmentType string

// Attachment handler type constants
const (
	AttachmentNone     AttachmentType = "NONE"     // No extraction
	AttachmentRegex    AttachmentType = "REGEX"    // Capture group 1 of a pattern
	AttachmentIdentity AttachmentType = "IDENTITY" // The entire raw payload
)

// IsValid checks if the attachment type value is valid
func (a AttachmentType) IsValid() bool {
	switch a {
	case AttachmentNone, AttachmentRegex, AttachmentIdentity, "":
		return true
	}
	return false
}

// MetaDataColumn is a custom indexed column on the connector message table,
// populated from a map variable after the source transformer runs.
type MetaDataColumn struct {
	Name        string             `json:"name"`
	Type        MetaDataColumnType `json:"type"`
	MappingName string             `json:"mapping_name"`
}

// MetaDataColumnType is the SQL-facing type of a custom metadata column
type MetaDataColumnType string

// Metadata column type constants
const (
	MetaDataString    MetaDataColumnType = "STRING"
	MetaDataNumber    MetaDataColumnType = "NUMBER"
	MetaDataBoolean   MetaDataColumnType = "BOOLEAN"
	MetaDataTimestamp MetaDataColumnType = "TIMESTAMP"
)

// IsValid checks if the metadata column type value is valid
func (t MetaDataColumnType) IsValid() bool {
	switch t {
	case MetaDataString, MetaDataNumber, MetaDataBoolean, MetaDataTimestamp:
		return true
	}
	return false
}

// Response selection constants for SourceConnector.ResponseVariable. Any
// other value names a key looked up in the merged response map (typically a
// destination name or "d<metaDataID>").
const (
	ResponseNone          = "None"
	ResponseAutoBefore    = "Auto-generate (Before processing)"
	ResponseAutoAfter     = "Auto-generate (After source transformer)"
	ResponseAutoDest      = "Auto-generate (Destinations completed)"
	ResponsePostprocessor = "Postprocessor"
)

// SourceConnector is the receiving side of a channel
type SourceConnector struct {
	Name          string            `json:"name"`
	TransportName string            `json:"transport_name"`
	Properties    map[string]string `json:"properties,omitempty"`

	Filter      *Filter      `json:"filter,omitempty"`
	Transformer *Transformer `json:"transformer,omitempty"`

	// RespondAfterProcessing makes Dispatch block until every destination
	// reaches a terminal status. When false the response is produced as
	// soon as the raw content is durable.
	RespondAfterProcessing bool   `json:"respond_after_processing"`
	ResponseVariable       string `json:"response_variable,omitempty"`
}

// DestinationConnector is one sending side of a channel
type DestinationConnector struct {
	MetaDataID    int               `json:"metadata_id"`
	Name          string            `json:"name"`
	TransportName string            `json:"transport_name"`
	Enabled       bool              `json:"enabled"`
	Properties    map[string]string `json:"properties,omitempty"`

	Filter              *Filter      `json:"filter,omitempty"`
	Transformer         *Transformer `json:"transformer,omitempty"`
	ResponseTransformer *Transformer `json:"response_transformer,omitempty"`

	// WaitForPrevious chains this destination after the one before it in
	// the channel ordering. Destinations with it unset start a new chain
	// that runs concurrently with the others.
	WaitForPrevious bool          `json:"wait_for_previous,omitempty"`
	Queue           QueueSettings `json:"queue"`
}

// QueueSettings controls retry behavior for a destination
type QueueSettings struct {
	// Enabled turns on the durable queue: failures park the message as
	// QUEUED and a background loop retries it until it resolves.
	Enabled bool `json:"enabled,omitempty"`
	// SendFirst attempts delivery inline before falling back to the
	// queue. Without it, queued destinations never send inline.
	SendFirst           bool `json:"send_first,omitempty"`
	RetryCount          int  `json:"retry_count,omitempty"`
	RetryIntervalMillis int  `json:"retry_interval_millis,omitempty"`
}

// Chain is a strictly ordered run of destinations; chains execute
// concurrently with each other.
type Chain struct {
	ID           int
	Destinations []*DestinationConnector
}

// Chains partitions the enabled destinations into ordered chains. A
// destination with WaitForPrevious joins the chain of the destination before
// it; otherwise it starts a new chain. Chain IDs start at 1.
func (c *Channel) Chains() []Chain {
	var chains []Chain
	for _, dst := range c.Destinations {
		if !dst.Enabled {
			continue
		}
		if dst.WaitForPrevious && len(chains) > 0 {
			last := &chains[len(chains)-1]
			last.Destinations = append(last.Destinations, dst)
			continue
		}
		chains = append(chains, Chain{ID: len(chains) + 1, Destinations: []*DestinationConnector{dst}})
	}
	return chains
}

// Destination returns the destination connector with the given metadata ID,
// or nil if the channel has none.
func (c *Channel) Destination(metaDataID int) *DestinationConnector {
	for _, dst := range c.Destinations {
		if dst.MetaDataID == metaDataID {
			return dst
		}
	}
	return nil
}

// Validate checks the channel configuration for deployability
func (c *Channel) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("channel id is required")
	}
	if strings.ContainsAny(c.ID, " \t\n") {
		return fmt.Errorf("channel id cannot contain whitespace: %q", c.ID)
	}
	if c.Name == "" {
		return fmt.Errorf("channel name is required")
	}
	if len(c.Name) > 80 {
		return fmt.Errorf("channel name must be 80 characters or less (got %d)", len(c.Name))
	}
	if c.Source == nil {
		return fmt.Errorf("channel must have a source connector")
	}
	if c.Source.TransportName == "" {
		return fmt.Errorf("source connector must name a transport")
	}
	if len(c.Destinations) == 0 {
		return fmt.Errorf("channel must have at least one destination connector")
	}
	if c.Properties.StorageMode != "" && !c.Properties.StorageMode.IsValid() {
		return fmt.Errorf("invalid storage mode: %s", c.Properties.StorageMode)
	}
	if !c.Properties.DispatchMode.IsValid() {
		return fmt.Errorf("invalid dispatch mode: %s", c.Properties.DispatchMode)
	}
	if c.Properties.MaxProcessingThreads < 0 {
		return fmt.Errorf("max processing threads cannot be negative")
	}
	if !c.Properties.AttachmentType.IsValid() {
		return fmt.Errorf("invalid attachment type: %s", c.Properties.AttachmentType)
	}
	if c.Properties.AttachmentType == AttachmentRegex && c.Properties.AttachmentPattern == "" {
		return fmt.Errorf("regex attachment handling requires a pattern")
	}
	seen := make(map[int]bool, len(c.Destinations))
	for i, dst := range c.Destinations {
		if dst.MetaDataID < 1 {
			return fmt.Errorf("destination %q: metadata id must be >= 1 (got %d)", dst.Name, dst.MetaDataID)
		}
		if seen[dst.MetaDataID] {
			return fmt.Errorf("duplicate destination metadata id %d", dst.MetaDataID)
		}
		seen[dst.MetaDataID] = true
		if dst.Name == "" {
			return fmt.Errorf("destination %d: name is required", dst.MetaDataID)
		}
		if dst.TransportName == "" {
			return fmt.Errorf("destination %q: transport name is required", dst.Name)
		}
		if i == 0 && dst.WaitForPrevious {
			return fmt.Errorf("destination %q: first destination cannot wait for a previous one", dst.Name)
		}
		if dst.Queue.RetryCount < 0 {
			return fmt.Errorf("destination %q: retry count cannot be negative", dst.Name)
		}
		if dst.Queue.RetryIntervalMillis < 0 {
			return fmt.Errorf("destination %q: retry interval cannot be negative", dst.Name)
		}
	}
	for _, col := range c.Properties.MetaDataColumns {
		if col.Name == "" {
			return fmt.Errorf("metadata column name is required")
		}
		if !col.Type.IsValid() {
			return fmt.Errorf("metadata column %q: invalid type %s", col.Name, col.Type)
		}
		if col.MappingName == "" {
			return fmt.Errorf("metadata column %q: mapping name is required", col.Name)
		}
	}
	return nil
}

// SetDefaults applies defaults for fields omitted in stored configuration
func (c *Channel) SetDefaults() {
	if c.Properties.StorageMode == "" {
		c.Properties.StorageMode = StorageDevelopment
	}
	if c.Properties.AttachmentType == "" {
		c.Properties.AttachmentType = AttachmentNone
	}
	if c.Properties.MaxProcessingThreads == 0 {
		c.Properties.MaxProcessingThreads = 1
	}
	if c.Properties.DispatchMode == "" {
		c.Properties.DispatchMode = DispatchOrdered
	}
	if c.Source != nil {
		if c.Source.Name == "" {
			c.Source.Name = "Source"
		}
		if c.Source.ResponseVariable == "" {
			c.Source.ResponseVariable = ResponseNone
		}
	}
	for _, dst := range c.Destinations {
		if dst.Queue.RetryIntervalMillis == 0 {
			dst.Queue.RetryIntervalMillis = 10000
		}
	}
}
