package storage

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/lovelines/pkg/models"
)

const channelSchema = `{
  "type": "object",
  "required": ["user", "platform"],
  "properties": {
    "user": {"type": "string", "minLength": 1},
    "platform": {"enum": ["telegram", "whatsapp", "discord"]},
    "enabled": {"type": "boolean"},
    "allow_from": {"type": "array", "items": {"type": "string"}},
    "chat_id": {"type": "string", "pattern": "^-?[0-9]+$"},
    "phone_number": {"type": "string", "pattern": "^[0-9]{6,16}$"}
  },
  "allOf": [
    {
      "if": {"properties": {"platform": {"enum": ["telegram", "discord"]}}},
      "then": {"required": ["bot_token"], "properties": {"bot_token": {"type": "string", "minLength": 1}}}
    }
  ]
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func channelConfigSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiledSchema, schemaErr = jsonschema.CompileString("messaging_channel.schema.json", channelSchema)
	})
	return compiledSchema, schemaErr
}

// ValidateChannelConfig checks cfg against the messaging_channels schema:
// Telegram and Discord need a bot token, linked identities must be well formed.
func ValidateChannelConfig(cfg *models.ChannelConfig) error {
	if cfg == nil {
		return fmt.Errorf("channel config is required")
	}
	schema, err := channelConfigSchema()
	if err != nil {
		return fmt.Errorf("compile channel schema: %w", err)
	}

	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode channel config: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode channel config: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("channel config invalid: %w", err)
	}
	return nil
}
