package connector

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/meridianhq/meridian/internal/types"
	"github.com/meridianhq/meridian/internal/vars"
)

var placeholderPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Replacer resolves ${variable} placeholders in connector property strings.
// Names are searched response map, connector map, channel map, source map,
// global channel map, global map, then configuration map; the first hit
// wins. ${message.*} pseudo-variables read the connector message itself.
// Unresolved placeholders become the empty string.
type Replacer struct {
	vars *vars.Service
}

// NewReplacer builds a Replacer over the shared map service. A nil service
// limits resolution to the connector message's own maps.
func NewReplacer(v *vars.Service) *Replacer {
	return &Replacer{vars: v}
}

// Replace resolves every placeholder in the template against the connector
// message's scopes.
func (r *Replacer) Replace(template string, cm *types.ConnectorMessage) string {
	if !strings.Contains(template, "${") {
		return template
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(token string) string {
		name := token[2 : len(token)-1]
		// Attachment tokens pass through untouched; reattachment replaces
		// them after property resolution, not before.
		if strings.HasPrefix(name, "ATTACH:") {
			return token
		}
		if v, ok := r.resolve(name, cm); ok {
			return v
		}
		return ""
	})
}

// ReplaceProperties returns a copy of the property map with every value
// resolved.
func (r *Replacer) ReplaceProperties(props map[string]string, cm *types.ConnectorMessage) map[string]string {
	out := make(map[string]string, len(props))
	for k, v := range props {
		out[k] = r.Replace(v, cm)
	}
	return out
}

// Lookup resolves a variable name through the scope chain without
// stringifying it. The VM transport uses it to propagate declared
// variables with their original types.
func (r *Replacer) Lookup(name string, cm *types.ConnectorMessage) (any, bool) {
	if cm != nil {
		if v, ok := cm.ResponseMap[name]; ok {
			return v, true
		}
		if v, ok := cm.ConnectorMap[name]; ok {
			return v, true
		}
		if v, ok := cm.ChannelMap[name]; ok {
			return v, true
		}
		if v, ok := cm.SourceMap[name]; ok {
			return v, true
		}
	}
	if r.vars != nil {
		if cm != nil && cm.ChannelID != "" {
			if v, ok := r.vars.Channel(cm.ChannelID).Get(name); ok {
				return v, true
			}
		}
		if v, ok := r.vars.Global().Get(name); ok {
			return v, true
		}
		if v, ok := r.vars.Configuration().Get(name); ok {
			return v, true
		}
	}
	return nil, false
}

func (r *Replacer) resolve(name string, cm *types.ConnectorMessage) (string, bool) {
	if field, ok := strings.CutPrefix(name, "message."); ok {
		return messageField(field, cm)
	}
	if v, ok := r.Lookup(name, cm); ok {
		return stringify(v), true
	}
	return "", false
}

func messageField(field string, cm *types.ConnectorMessage) (string, bool) {
	if cm == nil {
		return "", false
	}
	switch field {
	case "messageId":
		return strconv.FormatInt(cm.MessageID, 10), true
	case "channelId":
		return cm.ChannelID, true
	case "rawData":
		return contentString(cm.Raw), true
	case "processedRawData":
		return contentString(cm.ProcessedRaw), true
	case "transformedData":
		return contentString(cm.Transformed), true
	case "encodedData":
		// Encoded falls back through the earlier slots so a channel with
		// no transformer still has sendable content.
		if cm.Encoded != nil {
			return cm.Encoded.Content, true
		}
		if cm.ProcessedRaw != nil {
			return cm.ProcessedRaw.Content, true
		}
		return contentString(cm.Raw), true
	}
	return "", false
}

func contentString(c *types.MessageContent) string {
	if c == nil {
		return ""
	}
	return c.Content
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	}
	return fmt.Sprint(v)
}
