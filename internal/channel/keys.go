package channel

import (
	"fmt"

	"github.com/meridianhq/meridian/internal/script"
	"github.com/meridianhq/meridian/internal/types"
)

// Cache keys for the global scripts shared by every channel.
const (
	GlobalDeployKey        = "global:deploy"
	GlobalUndeployKey      = "global:undeploy"
	GlobalPreprocessorKey  = "global:preprocessor"
	GlobalPostprocessorKey = "global:postprocessor"
)

// Per-channel script cache keys. Everything a channel compiles is prefixed
// with its id so InvalidateScripts can drop the lot on undeploy.

func DeployKey(channelID string) string        { return channelID + ":deploy" }
func UndeployKey(channelID string) string      { return channelID + ":undeploy" }
func PreprocessorKey(channelID string) string  { return channelID + ":preprocessor" }
func PostprocessorKey(channelID string) string { return channelID + ":postprocessor" }

func SourceFilterTransformerKey(channelID string) string {
	return channelID + ":source:ft"
}

func DestinationFilterTransformerKey(channelID string, metaDataID int) string {
	return fmt.Sprintf("%s:destination:%d:ft", channelID, metaDataID)
}

func DestinationResponseTransformerKey(channelID string, metaDataID int) string {
	return fmt.Sprintf("%s:destination:%d:rt", channelID, metaDataID)
}

// CompileScripts compiles every script the channel configuration carries
// into the runtime's program cache: the four lifecycle scripts, the source
// filter/transformer, and each enabled destination's filter/transformer and
// response transformer. Connectors with no script work compile nothing, so
// a missing program later means "skip the stage".
func CompileScripts(rt *script.Runtime, cfg *types.Channel) error {
	lifecycle := []struct{ key, name, source string }{
		{DeployKey(cfg.ID), cfg.Name + " deploy", cfg.DeployScript},
		{UndeployKey(cfg.ID), cfg.Name + " undeploy", cfg.UndeployScript},
		{PreprocessorKey(cfg.ID), cfg.Name + " preprocessor", cfg.PreprocessingScript},
		{PostprocessorKey(cfg.ID), cfg.Name + " postprocessor", cfg.PostprocessingScript},
	}
	for _, s := range lifecycle {
		if s.source == "" {
			continue
		}
		if err := rt.CompileChannelScript(s.key, s.name, s.source); err != nil {
			return err
		}
	}

	if cfg.Source != nil && hasFilterTransformerWork(cfg.Source.Filter, cfg.Source.Transformer) {
		key := SourceFilterTransformerKey(cfg.ID)
		if err := rt.CompileFilterTransformer(key, cfg.Source.Filter, cfg.Source.Transformer); err != nil {
			return err
		}
	}
	for _, dst := range cfg.Destinations {
		if !dst.Enabled {
			continue
		}
		if hasFilterTransformerWork(dst.Filter, dst.Transformer) {
			key := DestinationFilterTransformerKey(cfg.ID, dst.MetaDataID)
			if err := rt.CompileFilterTransformer(key, dst.Filter, dst.Transformer); err != nil {
				return err
			}
		}
		if dst.ResponseTransformer.HasWork() {
			key := DestinationResponseTransformerKey(cfg.ID, dst.MetaDataID)
			if err := rt.CompileResponseTransformer(key, dst.ResponseTransformer); err != nil {
				return err
			}
		}
	}
	return nil
}

// InvalidateScripts drops a channel's compiled programs from the cache.
func InvalidateScripts(rt *script.Runtime, channelID string) {
	rt.Invalidate(channelID + ":")
}

func hasFilterTransformerWork(f *types.Filter, tr *types.Transformer) bool {
	if len(f.EnabledRules()) > 0 || tr.HasWork() {
		return true
	}
	return tr != nil && tr.OutboundTemplate != ""
}
