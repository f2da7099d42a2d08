package manifest

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

// Loader loads and validates manifest documents
type Loader struct {
	logger       zerolog.Logger
	schemaLoader gojsonschema.JSONLoader
}

// NewLoader creates a new manifest loader
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger:       logger.With().Str("component", "manifest-loader").Logger(),
		schemaLoader: gojsonschema.NewStringLoader(Schema),
	}
}

// Load loads and validates a manifest from a file
func (l *Loader) Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	if err := l.validateSchema(data); err != nil {
		return nil, fmt.Errorf("manifest schema validation failed: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
	}

	if err := validate(&m); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}

	l.logger.Debug().
		Int("commands", len(m.Commands)).
		Int("events", len(m.Events)).
		Msg("Loaded manifest")

	return &m, nil
}

// validateSchema validates the manifest against the JSON schema
func (l *Loader) validateSchema(data []byte) error {
	documentLoader := gojsonschema.NewBytesLoader(data)
	result, err := gojsonschema.Validate(l.schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var errMsg string
		for i, verr := range result.Errors() {
			if i > 0 {
				errMsg += "; "
			}
			errMsg += verr.String()
		}
		return fmt.Errorf("schema validation errors: %s", errMsg)
	}

	return nil
}

// validate performs checks beyond what the JSON schema can express
func validate(m *Manifest) error {
	for name, entry := range m.Commands {
		if name == "" {
			return fmt.Errorf("command name cannot be empty")
		}
		if entry.Path == "" {
			return fmt.Errorf("command %q: handler path cannot be empty", name)
		}
	}

	for event, entries := range m.Events {
		if event == "" {
			return fmt.Errorf("event name cannot be empty")
		}
		for i, entry := range entries {
			if entry.Path == "" {
				return fmt.Errorf("event %q: binding %d: handler path cannot be empty", event, i)
			}
		}
	}

	return nil
}
