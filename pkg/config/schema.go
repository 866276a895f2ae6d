package config

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON Schema of Config.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	s := r.Reflect(&Config{})
	s.ID = "https://github.com/kadirpekel/a2abridge/schema/config.json"
	s.Title = "a2abridge configuration"
	s.Description = "Configuration for the A2A to session backend bridge"
	s.Version = "https://json-schema.org/draft/2020-12/schema"
	return s
}

// SchemaJSON returns the indented JSON rendering of Schema.
func SchemaJSON() ([]byte, error) {
	return json.MarshalIndent(Schema(), "", "  ")
}
