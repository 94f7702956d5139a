package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"

	"github.com/meridianhq/meridian/internal/engine"
	"github.com/meridianhq/meridian/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// IsChannelFile reports whether a file name looks like a channel document.
func IsChannelFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// LoadChannelFile parses one channel definition. YAML documents go through
// an intermediate JSON pass so both formats share the channel's json tags.
func LoadChannelFile(path string) (*types.Channel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channel file %s: %w", path, err)
	}

	if ext := strings.ToLower(filepath.Ext(path)); ext == ".yaml" || ext == ".yml" {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse channel file %s: %w", path, err)
		}
		if data, err = json.Marshal(normalizeYAML(doc)); err != nil {
			return nil, fmt.Errorf("convert channel file %s: %w", path, err)
		}
	}

	var ch types.Channel
	if err := json.Unmarshal(data, &ch); err != nil {
		return nil, fmt.Errorf("parse channel file %s: %w", path, err)
	}
	ch.SetDefaults()
	if err := ch.Validate(); err != nil {
		return nil, fmt.Errorf("invalid channel in %s: %w", path, err)
	}
	return &ch, nil
}

// LoadChannelDir loads every channel file in a directory, sorted by file
// name so deploy order is stable. Subdirectories are not descended.
func LoadChannelDir(dir string) ([]*types.Channel, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read channel directory %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && IsChannelFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	channels := make([]*types.Channel, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		ch, err := LoadChannelFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[ch.ID]; dup {
			return nil, fmt.Errorf("channel id %q defined in both %s and %s", ch.ID, prev, name)
		}
		seen[ch.ID] = name
		channels = append(channels, ch)
	}
	return channels, nil
}

// LoadGlobalScripts reads the optional global script files from a
// directory. A missing directory yields empty scripts.
func LoadGlobalScripts(dir string) (engine.GlobalScripts, error) {
	var gs engine.GlobalScripts
	if dir == "" {
		return gs, nil
	}
	read := func(name string, dst *string) error {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("read global script %s: %w", name, err)
		}
		*dst = string(data)
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return gs, nil
	}
	for name, dst := range map[string]*string{
		"preprocessor.js":  &gs.Preprocessor,
		"postprocessor.js": &gs.Postprocessor,
		"deploy.js":        &gs.Deploy,
		"undeploy.js":      &gs.Undeploy,
	} {
		if err := read(name, dst); err != nil {
			return gs, err
		}
	}
	return gs, nil
}

// normalizeYAML rewrites yaml.v3's map[string]any values so jsoniter can
// marshal them. yaml.v3 already produces string keys; nested []any values
// are walked for completeness.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeYAML(t[i])
		}
		return t
	}
	return v
}
