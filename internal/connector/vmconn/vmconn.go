// Package vmconn implements the VM transport: in-process channel-to-channel
// links. The reader side is passive (the engine's router delivers straight
// into the pipeline); the writer side dispatches through the router to a
// target channel named by id or by name.
package vmconn

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/meridianhq/meridian/internal/connector"
	"github.com/meridianhq/meridian/internal/events"
	"github.com/meridianhq/meridian/internal/types"
)

func init() {
	connector.RegisterSource(connector.TransportVM, newReader)
	connector.RegisterDestination(connector.TransportVM, newWriter)
}

// Reader is the receive side of a VM link. It holds no transport state of
// its own: inbound messages arrive through the engine router. Start and
// Stop only track the running flag and report connection status.
type Reader struct {
	name    string
	deps    connector.Deps
	running atomic.Bool
}

func newReader(cfg *types.SourceConnector, deps connector.Deps) (connector.Source, error) {
	return &Reader{name: cfg.Name, deps: deps}, nil
}

// Start marks the reader running.
func (r *Reader) Start(ctx context.Context, ingest connector.Ingest) error {
	r.running.Store(true)
	connector.EmitState(ctx, r.deps, 0, r.name, events.StateConnected)
	return nil
}

// Stop marks the reader stopped.
func (r *Reader) Stop() error {
	r.running.Store(false)
	connector.EmitState(context.Background(), r.deps, 0, r.name, events.StateDisconnected)
	return nil
}

// Writer dispatches messages to another deployed channel through the
// engine router.
//
// Properties:
//
//	channelId     target channel id (preferred)
//	channelName   target channel name, used when channelId is unset
//	template      body template, default ${message.encodedData}
//	mapVariables  comma-separated variable names copied into the target's
//	              source map, resolved through the standard scope order
type Writer struct {
	name       string
	metaDataID int
	deps       connector.Deps
	replacer   *connector.Replacer

	targetID   string
	targetName string
	template   string
	mapVars    []string
}

func newWriter(cfg *types.DestinationConnector, deps connector.Deps) (connector.Destination, error) {
	props := connector.Props(cfg.Properties)
	w := &Writer{
		name:       cfg.Name,
		metaDataID: cfg.MetaDataID,
		deps:       deps,
		replacer:   connector.NewReplacer(deps.Vars),
		targetID:   props.String("channelId", ""),
		targetName: props.String("channelName", ""),
		template:   props.String("template", "${message.encodedData}"),
	}
	if w.targetID == "" && w.targetName == "" {
		return nil, fmt.Errorf("vm destination %q: channelId or channelName is required", cfg.Name)
	}
	for _, v := range strings.Split(props.String("mapVariables", ""), ",") {
		if v = strings.TrimSpace(v); v != "" {
			w.mapVars = append(w.mapVars, v)
		}
	}
	return w, nil
}

// Start is a no-op; the router is always reachable in-process.
func (w *Writer) Start(ctx context.Context) error { return nil }

// Stop is a no-op.
func (w *Writer) Stop() error { return nil }

// Send routes one message to the target channel. A target that is not
// deployed and running is a send failure, so queue retry rules apply.
func (w *Writer) Send(ctx context.Context, cm *types.ConnectorMessage) (*types.Response, error) {
	if w.deps.Router == nil {
		return nil, fmt.Errorf("vm destination %q: no router wired", w.name)
	}
	connector.EmitState(ctx, w.deps, w.metaDataID, w.name, events.StateSending)
	defer connector.EmitState(ctx, w.deps, w.metaDataID, w.name, events.StateIdle)

	body := w.replacer.Replace(w.template, cm)
	sourceMap := types.StampSourceChain(w.propagatedVars(cm), cm.ChannelID, cm.MessageID, cm.SourceMap)

	var (
		result *types.DispatchResult
		target string
		err    error
	)
	if w.targetID != "" {
		target = w.targetID
		result, err = w.deps.Router.RouteMessageByChannelID(ctx, w.targetID, body, sourceMap)
	} else {
		target = w.targetName
		result, err = w.deps.Router.RouteMessage(ctx, w.targetName, body, sourceMap)
	}
	if err != nil {
		return nil, fmt.Errorf("route to channel %s: %w", target, err)
	}
	if result == nil {
		return nil, fmt.Errorf("channel %s is not deployed or not running", target)
	}
	if result.Response != nil {
		return result.Response, nil
	}
	return types.NewResponse(types.StatusSent, fmt.Sprintf("Message routed to channel %s as message %d", target, result.MessageID)), nil
}

// propagatedVars resolves the declared map variables for the target's
// source map. Source-chain keys are stamped from the connector message
// itself; user-declared variables can never override them.
func (w *Writer) propagatedVars(cm *types.ConnectorMessage) map[string]any {
	if len(w.mapVars) == 0 {
		return nil
	}
	out := make(map[string]any, len(w.mapVars))
	for _, name := range w.mapVars {
		switch name {
		case types.SourceChannelIDKey, types.SourceChannelIDsKey,
			types.SourceMessageIDKey, types.SourceMessageIDsKey:
			continue
		}
		if v, ok := w.replacer.Lookup(name, cm); ok {
			out[name] = v
		}
	}
	return out
}
