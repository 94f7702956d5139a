package script

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dop251/goja"

	"github.com/meridianhq/meridian/internal/types"
)

// Router is the inter-channel dispatch surface injected into scripts.
// The engine implements it; scripts call routeMessage / routeMessageByChannelId.
type Router interface {
	RouteMessage(ctx context.Context, channelName, raw string, sourceMap map[string]any) (*types.DispatchResult, error)
	RouteMessageByChannelID(ctx context.Context, channelID, raw string, sourceMap map[string]any) (*types.DispatchResult, error)
}

// AttachmentAccessor is the attachment surface injected into scripts.
type AttachmentAccessor interface {
	GetAttachments(ctx context.Context) ([]*types.Attachment, error)
	AddAttachment(ctx context.Context, content []byte, mimeType string) (*types.Attachment, error)
}

// Env is the per-channel execution environment shared by every script the
// channel runs. Router and Attachments may be nil for scripts that have no
// business routing or touching attachments.
type Env struct {
	ChannelID   string
	ChannelName string
	Router      Router
	Attachments AttachmentAccessor
}

// DestinationSet lets a preprocessor drop destinations for the current
// message. Targets may be a meta-data id, a destination name, or an array
// of either.
type DestinationSet struct {
	byName  map[string]int
	pending map[int]bool
}

// NewDestinationSet builds the set from the channel's enabled destinations.
func NewDestinationSet(destinations []*types.DestinationConnector) *DestinationSet {
	s := &DestinationSet{
		byName:  make(map[string]int, len(destinations)),
		pending: make(map[int]bool, len(destinations)),
	}
	for _, d := range destinations {
		if !d.Enabled {
			continue
		}
		s.byName[d.Name] = d.MetaDataID
		s.pending[d.MetaDataID] = true
	}
	return s
}

// Remove drops the targeted destinations. Returns true if anything was
// removed.
func (s *DestinationSet) Remove(target any) bool {
	removed := false
	for _, id := range s.resolve(target) {
		if s.pending[id] {
			delete(s.pending, id)
			removed = true
		}
	}
	return removed
}

// RemoveAllExcept drops everything but the targeted destinations.
func (s *DestinationSet) RemoveAllExcept(target any) bool {
	keep := make(map[int]bool)
	for _, id := range s.resolve(target) {
		keep[id] = true
	}
	removed := false
	for id := range s.pending {
		if !keep[id] {
			delete(s.pending, id)
			removed = true
		}
	}
	return removed
}

// RemoveAll drops every destination.
func (s *DestinationSet) RemoveAll() {
	s.pending = make(map[int]bool)
}

// Contains reports whether the destination is still targeted.
func (s *DestinationSet) Contains(metaDataID int) bool {
	return s.pending[metaDataID]
}

// MetaDataIDs returns the remaining destination ids in ascending order.
func (s *DestinationSet) MetaDataIDs() []int {
	ids := make([]int, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (s *DestinationSet) resolve(target any) []int {
	switch v := target.(type) {
	case nil:
		return nil
	case string:
		if id, ok := s.byName[v]; ok {
			return []int{id}
		}
		return nil
	case int:
		return []int{v}
	case int64:
		return []int{int(v)}
	case float64:
		return []int{int(v)}
	case []any:
		var ids []int
		for _, item := range v {
			ids = append(ids, s.resolve(item)...)
		}
		return ids
	}
	return nil
}

// mapAccessor is the get/put surface behind a scope shortcut.
type mapAccessor interface {
	Get(key string) (any, bool)
	Put(key string, value any)
}

// mapRef adapts a plain map field (for example ConnectorMessage.ChannelMap)
// so writes allocate the map on first use and land back in the owning
// struct.
type mapRef struct {
	m *map[string]any
}

func (r mapRef) Get(key string) (any, bool) {
	if *r.m == nil {
		return nil, false
	}
	v, ok := (*r.m)[key]
	return v, ok
}

func (r mapRef) Put(key string, value any) {
	if *r.m == nil {
		*r.m = make(map[string]any)
	}
	(*r.m)[key] = value
}

// scriptLogger is the logger object scripts see. Method names uncapitalize
// to info/warn/error/debug.
type scriptLogger struct {
	l *slog.Logger
}

func (s scriptLogger) Info(msg string)  { s.l.Info(msg) }
func (s scriptLogger) Warn(msg string)  { s.l.Warn(msg) }
func (s scriptLogger) Error(msg string) { s.l.Error(msg) }
func (s scriptLogger) Debug(msg string) { s.l.Debug(msg) }

// routerFacade exposes the Router to scripts. Dispatch failures surface as
// JS exceptions.
type routerFacade struct {
	ctx    context.Context
	vm     *goja.Runtime
	router Router
}

func (f *routerFacade) RouteMessage(channelName, message string) goja.Value {
	result, err := f.router.RouteMessage(f.ctx, channelName, message, nil)
	if err != nil {
		panic(f.vm.NewGoError(err))
	}
	return f.vm.ToValue(result)
}

func (f *routerFacade) RouteMessageByChannelId(channelID, message string) goja.Value { //nolint:revive // JS-facing name
	result, err := f.router.RouteMessageByChannelID(f.ctx, channelID, message, nil)
	if err != nil {
		panic(f.vm.NewGoError(err))
	}
	return f.vm.ToValue(result)
}

// attachmentFacade exposes attachment access to scripts.
type attachmentFacade struct {
	ctx context.Context
	vm  *goja.Runtime
	acc AttachmentAccessor
}

func (f *attachmentFacade) GetAttachments() goja.Value {
	atts, err := f.acc.GetAttachments(f.ctx)
	if err != nil {
		panic(f.vm.NewGoError(err))
	}
	return f.vm.ToValue(atts)
}

func (f *attachmentFacade) AddAttachment(content, mimeType string) goja.Value {
	att, err := f.acc.AddAttachment(f.ctx, []byte(content), mimeType)
	if err != nil {
		panic(f.vm.NewGoError(err))
	}
	return f.vm.ToValue(att)
}

// newVM builds a VM with the channel-level scope: identity, logger,
// router, attachment access, and the global/global-channel/configuration
// shortcuts.
func (r *Runtime) newVM(ctx context.Context, env Env) *goja.Runtime {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.UncapFieldNameMapper())

	vm.Set("channelId", env.ChannelID)
	vm.Set("channelName", env.ChannelName)
	vm.Set("logger", scriptLogger{l: r.logger.With("channel", env.ChannelID)})

	if env.Router != nil {
		vm.Set("router", &routerFacade{ctx: ctx, vm: vm, router: env.Router})
	}
	if env.Attachments != nil {
		facade := &attachmentFacade{ctx: ctx, vm: vm, acc: env.Attachments}
		vm.Set("getAttachments", facade.GetAttachments)
		vm.Set("addAttachment", facade.AddAttachment)
	}

	if r.vars != nil {
		bindShortcut(vm, "$g", r.vars.Global(), false)
		bindShortcut(vm, "$gc", r.vars.Channel(env.ChannelID), false)
		bindShortcut(vm, "$cfg", r.vars.Configuration(), true)
	}
	return vm
}

// bindConnectorScope adds the per-connector-message scope on top of the
// channel scope.
func bindConnectorScope(vm *goja.Runtime, cm *types.ConnectorMessage) {
	vm.Set("connectorMessage", cm)
	bindShortcut(vm, "$s", mapRef{m: &cm.SourceMap}, true)
	bindShortcut(vm, "$c", mapRef{m: &cm.ChannelMap}, false)
	bindShortcut(vm, "$co", mapRef{m: &cm.ConnectorMap}, false)
	bindShortcut(vm, "$r", mapRef{m: &cm.ResponseMap}, false)
}

// bindShortcut installs a one-or-two argument closure: one argument reads,
// two arguments write. Read-only shortcuts throw on write.
func bindShortcut(vm *goja.Runtime, name string, acc mapAccessor, readOnly bool) {
	vm.Set(name, func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		if len(call.Arguments) >= 2 {
			if readOnly {
				panic(vm.NewTypeError(fmt.Sprintf("%s is read-only", name)))
			}
			acc.Put(key, call.Argument(1).Export())
			return goja.Undefined()
		}
		v, ok := acc.Get(key)
		if !ok {
			return goja.Undefined()
		}
		return vm.ToValue(v)
	})
}
