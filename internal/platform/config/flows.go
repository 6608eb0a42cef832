package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// FlowFile is the optional TOML file describing AI flows:
//
//	[flows.document_ingestion]
//	id = "3f0c..."
//	[flows.document_ingestion.tweaks]
//	extraction_mode = "detailed"
type FlowFile struct {
	Flows map[string]FlowDefinition `toml:"flows"`
}

// FlowDefinition binds a flow kind to a workflow id and default tweaks.
type FlowDefinition struct {
	ID     string         `toml:"id"`
	Tweaks map[string]any `toml:"tweaks"`
}

// LoadFlowFile reads path. A blank path yields an empty FlowFile.
func LoadFlowFile(path string) (FlowFile, error) {
	var ff FlowFile
	if path == "" {
		return ff, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return ff, fmt.Errorf("open flows file: %w", err)
	}
	defer file.Close()

	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&ff); err != nil {
		return ff, fmt.Errorf("decode flows file: %w", err)
	}
	return ff, nil
}

// MergeFlows overlays file definitions on ids taken from the environment.
// Environment ids win so a deployment can override a single flow.
func (c AIConfig) MergeFlows(ff FlowFile) map[string]FlowDefinition {
	out := make(map[string]FlowDefinition, len(ff.Flows)+len(c.Flows))
	for kind, def := range ff.Flows {
		out[kind] = def
	}
	for kind, id := range c.Flows {
		def := out[kind]
		def.ID = id
		out[kind] = def
	}
	return out
}
