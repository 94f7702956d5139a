package events

import (
	"context"
	"strconv"

	"github.com/meridianhq/meridian/internal/storage"
	"github.com/meridianhq/meridian/internal/types"
)

// AuditHandler persists lifecycle events as EVENTS rows. Connection status
// and per-message errors are too chatty for the audit table and are left to
// subscribers. Priority 10 (audit before anything that might act on the
// event).
type AuditHandler struct {
	ServerID string
	Store    storage.Store
}

func (h *AuditHandler) ID() string { return "audit" }

func (h *AuditHandler) Handles() []Type {
	return []Type{
		TypeEngineStarted, TypeEngineStopped,
		TypeChannelDeployed, TypeChannelUndeployed,
		TypeChannelStarted, TypeChannelStopped,
		TypePrunerRun, TypeStatsReset, TypeMessagesRemoved,
	}
}

func (h *AuditHandler) Priority() int { return 10 }

func (h *AuditHandler) Handle(ctx context.Context, event *Event) error {
	se := types.NewServerEvent(h.ServerID, string(event.Type))
	se.EventTime = event.Time
	if event.ChannelID != "" {
		se.WithAttribute("channel_id", event.ChannelID)
	}
	if event.ChannelName != "" {
		se.WithAttribute("channel_name", event.ChannelName)
	}
	if event.MessageID != 0 {
		se.WithAttribute("message_id", strconv.FormatInt(event.MessageID, 10))
	}
	if event.Error != "" {
		se.Outcome = types.OutcomeFailure
		se.Level = types.LevelError
		se.WithAttribute("error", event.Error)
	}
	for k, v := range event.Attributes {
		se.WithAttribute(k, v)
	}
	return h.Store.InsertEvent(ctx, se)
}
