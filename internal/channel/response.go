package channel

import (
	"fmt"

	"github.com/meridianhq/meridian/internal/types"
)

// selectResponse picks the response returned to whoever dispatched the
// message, per the source connector's response selection. Lookup by name
// searches the response map entries the destinations recorded.
func (rt *Runtime) selectResponse(msg *types.Message, src *types.ConnectorMessage, lm *liveMessage) *types.Response {
	switch sel := rt.cfg.Source.ResponseVariable; sel {
	case "", types.ResponseNone:
		return nil
	case types.ResponseAutoBefore:
		return types.NewResponse(types.StatusReceived,
			fmt.Sprintf("Message %d received by channel %s", msg.MessageID, rt.cfg.Name))
	case types.ResponseAutoAfter:
		return sourceResponse(msg, src)
	case types.ResponseAutoDest:
		return aggregateResponse(msg, src)
	case types.ResponsePostprocessor:
		return lm.postResponse()
	default:
		for _, id := range msg.MetaDataIDs() {
			cm := msg.ConnectorMessages[id]
			if v, ok := cm.ResponseMap[sel]; ok {
				if resp := responseFromAny(v); resp != nil {
					return resp
				}
			}
		}
		return nil
	}
}

// sourceResponse reflects the source connector's outcome.
func sourceResponse(msg *types.Message, src *types.ConnectorMessage) *types.Response {
	switch src.Status {
	case types.StatusFiltered:
		return &types.Response{
			Status:        types.StatusFiltered,
			StatusMessage: fmt.Sprintf("Message %d filtered", msg.MessageID),
		}
	case types.StatusError:
		resp := &types.Response{
			Status:        types.StatusError,
			StatusMessage: fmt.Sprintf("Message %d failed", msg.MessageID),
		}
		if src.ProcessingError != nil {
			resp.Error = src.ProcessingError.Content
		}
		return resp
	default:
		return types.NewResponse(types.StatusSent,
			fmt.Sprintf("Message %d processed by channel %s", msg.MessageID, src.ChannelName))
	}
}

// aggregateResponse summarizes every destination's terminal status: any
// ERROR wins, then anything unresolved reports QUEUED, then all-FILTERED,
// then SENT.
func aggregateResponse(msg *types.Message, src *types.ConnectorMessage) *types.Response {
	sawDest := false
	allFiltered := true
	queued := false
	var firstError *types.ConnectorMessage
	for _, id := range msg.MetaDataIDs() {
		if id == 0 {
			continue
		}
		cm := msg.ConnectorMessages[id]
		sawDest = true
		switch cm.Status {
		case types.StatusError:
			if firstError == nil {
				firstError = cm
			}
			allFiltered = false
		case types.StatusFiltered:
		case types.StatusSent:
			allFiltered = false
		default:
			queued = true
			allFiltered = false
		}
	}
	if !sawDest {
		return sourceResponse(msg, src)
	}
	switch {
	case firstError != nil:
		resp := &types.Response{
			Status:        types.StatusError,
			StatusMessage: fmt.Sprintf("Destination %s failed", firstError.ConnectorName),
		}
		if firstError.ProcessingError != nil {
			resp.Error = firstError.ProcessingError.Content
		}
		return resp
	case queued:
		return &types.Response{
			Status:        types.StatusQueued,
			StatusMessage: fmt.Sprintf("Message %d queued for delivery", msg.MessageID),
		}
	case allFiltered:
		return &types.Response{
			Status:        types.StatusFiltered,
			StatusMessage: fmt.Sprintf("Message %d filtered by every destination", msg.MessageID),
		}
	default:
		return types.NewResponse(types.StatusSent,
			fmt.Sprintf("Message %d delivered", msg.MessageID))
	}
}

// errorResponse wraps a processing failure as an ERROR response.
func errorResponse(err error) *types.Response {
	resp := &types.Response{Status: types.StatusError}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

// responseToMap flattens a response into the JSON-representable form stored
// in the response map, where scripts and later destinations read it.
func responseToMap(resp *types.Response) map[string]any {
	return map[string]any{
		"status":        string(resp.Status),
		"message":       resp.Message,
		"statusMessage": resp.StatusMessage,
		"error":         resp.Error,
	}
}

// responseFromAny rebuilds a response from a response map entry. Entries
// written by the pipeline are maps; scripts may store plain strings or
// Response values directly.
func responseFromAny(v any) *types.Response {
	switch t := v.(type) {
	case *types.Response:
		return t
	case types.Response:
		return &t
	case string:
		return types.NewResponse(types.StatusSent, t)
	case map[string]any:
		resp := &types.Response{Status: types.StatusSent}
		if s, ok := t["status"].(string); ok && types.Status(s).IsValid() {
			resp.Status = types.Status(s)
		}
		if s, ok := t["message"].(string); ok {
			resp.Message = s
		}
		if s, ok := t["statusMessage"].(string); ok {
			resp.StatusMessage = s
		}
		if s, ok := t["error"].(string); ok {
			resp.Error = s
		}
		return resp
	}
	return nil
}
