// Package connector defines the transport surface of a channel: the
// receive-side Source and send-side Destination interfaces, the transport
// registry that maps a connector's transport name to a factory, and the
// ${var} property templating destinations resolve before each send.
//
// FILE and VM transports ship in-tree (see the fileconn and vmconn
// subpackages). The remaining transport names are reserved in the registry
// so external modules can register factories for them; deploying a channel
// that names an unregistered transport fails with ErrUnknownTransport.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/meridianhq/meridian/internal/events"
	"github.com/meridianhq/meridian/internal/types"
	"github.com/meridianhq/meridian/internal/vars"
)

// Transport names. FILE and VM have in-tree implementations; the rest are
// registry slots for external factories.
const (
	TransportFile   = "FILE"
	TransportVM     = "VM"
	TransportHTTP   = "HTTP"
	TransportSFTP   = "SFTP"
	TransportFTP    = "FTP"
	TransportSMB    = "SMB"
	TransportS3     = "S3"
	TransportScript = "SCRIPT"
)

// ErrUnknownTransport is returned when no factory is registered for a
// connector's transport name.
var ErrUnknownTransport = errors.New("unknown transport")

// Ingest delivers one raw message into the owning channel's pipeline. The
// engine provides it to the source connector at start.
type Ingest func(ctx context.Context, raw *types.RawMessage) (*types.DispatchResult, error)

// Source is a running receive-side transport bound to one channel. Start
// must not block: pollers spawn their loop and return. Stop halts the loop
// and waits for an in-progress batch to notice.
type Source interface {
	Start(ctx context.Context, ingest Ingest) error
	Stop() error
}

// Destination is a running send-side transport bound to one destination
// connector. Send delivers a single message and reports the outcome as a
// Response; transport failures return an error and the pipeline decides
// between queueing and erroring.
type Destination interface {
	Start(ctx context.Context) error
	Stop() error
	Send(ctx context.Context, cm *types.ConnectorMessage) (*types.Response, error)
}

// Router is the engine's inter-channel dispatch surface. The VM transport
// sends through it.
type Router interface {
	RouteMessage(ctx context.Context, channelName, raw string, sourceMap map[string]any) (*types.DispatchResult, error)
	RouteMessageByChannelID(ctx context.Context, channelID, raw string, sourceMap map[string]any) (*types.DispatchResult, error)
}

// ResponseValidator optionally inspects a destination's response after the
// response transformer ran. It may flip the status or attach an error.
type ResponseValidator interface {
	Validate(resp *types.Response, cm *types.ConnectorMessage)
}

// Deps carries the channel-level collaborators a factory hands to the
// connector it builds. Logger falls back to slog.Default when nil; Events,
// Vars, and Router may be nil for connectors that do not use them.
type Deps struct {
	ChannelID   string
	ChannelName string
	Logger      *slog.Logger
	Events      *events.Bus
	Vars        *vars.Service
	Router      Router
}

// Log returns the configured logger or the process default.
func (d Deps) Log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// SourceFactory builds a Source from its channel configuration.
type SourceFactory func(cfg *types.SourceConnector, deps Deps) (Source, error)

// DestinationFactory builds a Destination from its channel configuration.
type DestinationFactory func(cfg *types.DestinationConnector, deps Deps) (Destination, error)

var (
	registryMu           sync.RWMutex
	sourceFactories      = make(map[string]SourceFactory)
	destinationFactories = make(map[string]DestinationFactory)
)

// RegisterSource adds a source factory for a transport name, replacing any
// existing registration. Typically called from an init function.
func RegisterSource(transport string, factory SourceFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	sourceFactories[transport] = factory
}

// RegisterDestination adds a destination factory for a transport name,
// replacing any existing registration.
func RegisterDestination(transport string, factory DestinationFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	destinationFactories[transport] = factory
}

// NewSource builds the source connector for the configuration, or fails
// with ErrUnknownTransport when nothing is registered for its transport.
func NewSource(cfg *types.SourceConnector, deps Deps) (Source, error) {
	registryMu.RLock()
	factory, ok := sourceFactories[cfg.TransportName]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source transport %q: %w (registered: %v)", cfg.TransportName, ErrUnknownTransport, SourceTransports())
	}
	return factory(cfg, deps)
}

// NewDestination builds the destination connector for the configuration.
func NewDestination(cfg *types.DestinationConnector, deps Deps) (Destination, error) {
	registryMu.RLock()
	factory, ok := destinationFactories[cfg.TransportName]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("destination transport %q: %w (registered: %v)", cfg.TransportName, ErrUnknownTransport, DestinationTransports())
	}
	return factory(cfg, deps)
}

// SourceTransports returns the registered source transport names sorted.
func SourceTransports() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(sourceFactories))
	for name := range sourceFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DestinationTransports returns the registered destination transport names
// sorted.
func DestinationTransports() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(destinationFactories))
	for name := range destinationFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EmitState publishes a connection status event for a connector. A nil bus
// is a no-op so connectors can run without event wiring in tests.
func EmitState(ctx context.Context, deps Deps, metaDataID int, connectorName string, state events.ConnectionState) {
	if deps.Events == nil {
		return
	}
	ev := events.NewConnectionEvent(deps.ChannelID, metaDataID, connectorName, state)
	ev.ChannelName = deps.ChannelName
	if err := deps.Events.Dispatch(ctx, ev); err != nil {
		deps.Log().Warn("connection event dropped", "channel", deps.ChannelID, "state", state, "error", err)
	}
}

// Props reads typed values out of a connector's string property map.
type Props map[string]string

// String returns the property value, or def when absent or empty.
func (p Props) String(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Bool parses the property as a boolean, returning def when absent or
// malformed.
func (p Props) Bool(key string, def bool) bool {
	v, ok := p[key]
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// Int parses the property as an integer, returning def when absent or
// malformed.
func (p Props) Int(key string, def int) int {
	v, ok := p[key]
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// DurationMillis parses the property as a millisecond count.
func (p Props) DurationMillis(key string, def time.Duration) time.Duration {
	v, ok := p[key]
	if !ok || v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
