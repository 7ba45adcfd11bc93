// Package loader discovers plugin units on disk: JavaScript and Lua scripts
// and Wasm bundles described by a plugin.yaml manifest.
package loader

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/MidknightMantra/MidKnight/internal/core/domain"
)

// ManifestFile is the manifest name inside a Wasm plugin directory.
const ManifestFile = "plugin.yaml"

// DefaultEntrypoint is the module file used when the manifest names none.
const DefaultEntrypoint = "plugin.wasm"

const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "exports"],
  "additionalProperties": false,
  "definitions": {
    "trigger": {"type": "string", "pattern": "^\\S+$"},
    "triggers": {
      "oneOf": [
        {"$ref": "#/definitions/trigger"},
        {"type": "array", "items": {"$ref": "#/definitions/trigger"}}
      ]
    },
    "export": {"type": "string", "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"}
  },
  "properties": {
    "name": {"type": "string", "pattern": "^\\S+$"},
    "version": {"type": "string"},
    "description": {"type": "string"},
    "author": {"type": "string"},
    "category": {"type": "string"},
    "react": {"type": "string"},
    "entrypoint": {"type": "string", "pattern": "\\.wasm$"},
    "sha256": {"type": "string", "pattern": "^[a-f0-9]{64}$"},
    "pattern": {"$ref": "#/definitions/triggers"},
    "alias": {"$ref": "#/definitions/triggers"},
    "permissions": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "owner_only": {"type": "boolean"},
        "group_only": {"type": "boolean"},
        "disabled": {"type": "boolean"}
      }
    },
    "exports": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": false,
      "properties": {
        "run": {"$ref": "#/definitions/export"},
        "on_message": {"$ref": "#/definitions/export"},
        "on_status": {"$ref": "#/definitions/export"},
        "on_group_update": {"$ref": "#/definitions/export"},
        "init": {"$ref": "#/definitions/export"}
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(manifestSchema)

// ParseManifest decodes and validates a plugin.yaml document.
func ParseManifest(data []byte) (*domain.PluginManifest, error) {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: failed to parse manifest: %v", domain.ErrInvalidPlugin, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: manifest is empty", domain.ErrInvalidPlugin)
	}

	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to validate manifest: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidPlugin, strings.Join(msgs, "; "))
	}

	// A single trigger may be written as a scalar.
	for _, key := range []string{"pattern", "alias"} {
		if s, ok := doc[key].(string); ok {
			doc[key] = []string{s}
		}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	var m domain.PluginManifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidPlugin, err)
	}

	if m.Entrypoint == "" {
		m.Entrypoint = DefaultEntrypoint
	}
	if err := checkEntrypoint(m.Entrypoint); err != nil {
		return nil, err
	}
	return &m, nil
}

// checkEntrypoint keeps the module path inside the plugin directory.
func checkEntrypoint(entry string) error {
	clean := path.Clean(entry)
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%w: entrypoint %q escapes the plugin directory", domain.ErrInvalidPlugin, entry)
	}
	return nil
}
