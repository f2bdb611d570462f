// Package config loads the demo client's configuration from a JSON file.
// Documents are validated against an embedded JSON Schema before they are
// decoded, so a malformed file fails with a pointed error instead of a
// half-populated client.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaDoc constrains the configuration document.
const schemaDoc = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["peerNodeId", "paths"],
  "properties": {
    "peerNodeId": {"type": "integer", "minimum": 1},
    "livenessTimeoutSec": {"type": "integer", "minimum": 0, "maximum": 65535},
    "inactivityTimeoutMs": {"type": "integer", "minimum": 0},
    "maxUpdateSize": {"type": "integer", "minimum": 0},
    "resubscribe": {"type": "boolean"},
    "pathStoreCapacity": {"type": "integer", "minimum": 1, "maximum": 255},
    "paths": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["trait"],
        "properties": {
          "trait": {"type": "integer", "minimum": 1, "maximum": 65535},
          "property": {"type": "integer", "minimum": 0}
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

// PathSpec names one subscribed path. A zero Property means the trait root.
type PathSpec struct {
	Trait    uint16 `json:"trait"`
	Property uint32 `json:"property"`
}

// Config is the decoded configuration document.
type Config struct {
	PeerNodeID          uint64     `json:"peerNodeId"`
	LivenessTimeoutSec  uint32     `json:"livenessTimeoutSec"`
	InactivityTimeoutMS uint32     `json:"inactivityTimeoutMs"`
	MaxUpdateSize       uint32     `json:"maxUpdateSize"`
	Resubscribe         bool       `json:"resubscribe"`
	PathStoreCapacity   int        `json:"pathStoreCapacity"`
	Paths               []PathSpec `json:"paths"`
}

var compiled = mustCompile()

func mustCompile() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", strings.NewReader(schemaDoc)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("config.schema.json")
}

// Load reads, validates, and decodes the configuration file.
func Load(filePath string) (Config, error) {
	var cfg Config

	file, err := os.ReadFile(filePath)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	var doc any
	if err := json.Unmarshal(file, &doc); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return cfg, fmt.Errorf("config file does not match schema: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(file))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config file: %w", err)
	}
	return cfg, nil
}
