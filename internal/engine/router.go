package engine

import (
	"context"
	"fmt"

	"github.com/meridianhq/meridian/internal/types"
)

// The engine is the VM router: the in-process edge from one channel's
// destination (or a script's routeMessage call) into another channel's
// source. Routed dispatches wait for the target pipeline so the caller
// gets the target's selected response back.
//
// The router does not detect cycles; deployments that route A -> B -> A
// are bounded only by the queue ceilings and script timeouts.

// RouteMessage routes a raw payload to the deployed channel with the given
// name. Returns (nil, nil) when no such channel is deployed and running.
func (e *Engine) RouteMessage(ctx context.Context, channelName, raw string, sourceMap map[string]any) (*types.DispatchResult, error) {
	rt := e.ChannelByName(channelName)
	if rt == nil {
		return nil, nil
	}
	return e.route(ctx, rt.ID(), raw, sourceMap)
}

// RouteMessageByChannelID routes a raw payload to the deployed channel with
// the given id. Returns (nil, nil) when no such channel is deployed and
// running.
func (e *Engine) RouteMessageByChannelID(ctx context.Context, channelID, raw string, sourceMap map[string]any) (*types.DispatchResult, error) {
	return e.route(ctx, channelID, raw, sourceMap)
}

func (e *Engine) route(ctx context.Context, channelID, raw string, sourceMap map[string]any) (*types.DispatchResult, error) {
	msg := &types.RawMessage{Raw: raw, SourceMap: sourceMap}
	result, err := e.DispatchRawMessage(ctx, channelID, msg, false, true)
	if err != nil {
		return nil, fmt.Errorf("route to channel %s: %w", channelID, err)
	}
	return result, nil
}
