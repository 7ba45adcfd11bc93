package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// configSchema constrains single fields of the decoded configuration.
// Durations are checked as nanoseconds.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "bot": {
      "type": "object",
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "prefix": {"type": "string", "enum": ["!", ".", "#", "$", "%", "&", "*", "@"]},
        "mode": {"type": "string", "enum": ["public", "private", "groups"]},
        "owners": {
          "type": ["array", "null"],
          "items": {"type": "string", "pattern": "^[0-9]{10,15}$"}
        }
      }
    },
    "rate_limit": {
      "type": "object",
      "properties": {
        "max_requests": {"type": "integer", "minimum": 1},
        "window": {"type": "integer", "minimum": 1000000},
        "cleanup_interval": {"type": "integer", "minimum": 1000000000},
        "idle_threshold": {"type": "integer", "minimum": 1000000000}
      }
    },
    "storage": {
      "type": "object",
      "properties": {
        "data_dir": {"type": "string", "minLength": 1},
        "debounce": {"type": "integer", "minimum": 0},
        "encryption_key": {
          "type": "string",
          "anyOf": [{"maxLength": 0}, {"minLength": 8}]
        },
        "connect_timeout": {"type": "integer", "minimum": 1000000}
      }
    },
    "plugins": {
      "type": "object",
      "properties": {
        "dir": {"type": "string"},
        "script_timeout": {"type": "integer", "minimum": 1000000}
      }
    },
    "transport": {
      "type": "object",
      "properties": {
        "bridge_url": {
          "type": "string",
          "anyOf": [{"maxLength": 0}, {"pattern": "^wss?://"}]
        },
        "reconnect_delay": {"type": "integer", "minimum": 1000000},
        "send_timeout": {"type": "integer", "minimum": 1000000}
      }
    },
    "telemetry": {
      "type": "object",
      "properties": {
        "slow_threshold": {"type": "integer", "minimum": 1000000}
      }
    },
    "log": {
      "type": "object",
      "properties": {
        "level": {"type": "string", "enum": ["debug", "info", "warn", "warning", "error"]},
        "format": {"type": "string", "enum": ["text", "json"]}
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(configSchema)

// ErrInvalidConfig is wrapped by every schema violation.
var ErrInvalidConfig = errors.New("invalid configuration")

// validateSchema checks the decoded configuration against configSchema.
func validateSchema(cfg *Config) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewGoLoader(cfg))
	if err != nil {
		return fmt.Errorf("failed to validate config: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}
