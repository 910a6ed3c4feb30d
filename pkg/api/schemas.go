package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wrentheai/trust-infra/pkg/contracts"
)

// Write-endpoint bodies are validated against JSON Schema (draft 2020-12)
// compiled once at server construction. The schemas pin shape only; enum
// and semantic checks stay in the services so error messages have one
// source.

const registerAgentSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["publicKey"],
  "properties": {
    "publicKey": {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"},
    "name": {"type": "string", "maxLength": 256},
    "owner": {"type": "string", "maxLength": 256},
    "metadata": {"type": "object"}
  },
  "additionalProperties": false
}`

const appendEventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["agent_id", "event_type", "payload", "hash", "signature"],
  "properties": {
    "agent_id": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "event_type": {"type": "string", "minLength": 1},
    "timestamp": {"type": "string"},
    "prev_hash": {"type": ["string", "null"], "pattern": "^[0-9a-f]{64}$"},
    "payload": {"type": "object"},
    "correlation_id": {"type": "string", "minLength": 1},
    "hash": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "signature": {"type": "string", "pattern": "^[0-9a-f]{128}$"}
  },
  "additionalProperties": false
}`

const mintCapabilitySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["agentId", "scope", "issuedBy", "expiresAt"],
  "properties": {
    "agentId": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "scope": {"type": "object", "minProperties": 1},
    "issuedBy": {"type": "string", "minLength": 1},
    "expiresAt": {"type": "string", "minLength": 1}
  },
  "additionalProperties": false
}`

const recordOutcomeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["agentId", "outcomeType", "reporter"],
  "properties": {
    "agentId": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
    "eventId": {"type": "integer", "minimum": 1},
    "outcomeType": {"type": "string", "minLength": 1},
    "reporter": {"type": "string", "minLength": 1},
    "impactScore": {"type": "number", "minimum": -1, "maximum": 1},
    "details": {"type": "object"}
  },
  "additionalProperties": false
}`

const domainScoreSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["domain", "score"],
  "properties": {
    "domain": {"type": "string", "minLength": 1},
    "score": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "additionalProperties": false
}`

type bodySchemas struct {
	registerAgent  *jsonschema.Schema
	appendEvent    *jsonschema.Schema
	mintCapability *jsonschema.Schema
	recordOutcome  *jsonschema.Schema
	domainScore    *jsonschema.Schema
}

func compileSchemas() (*bodySchemas, error) {
	s := &bodySchemas{}
	for _, def := range []struct {
		name   string
		raw    string
		target **jsonschema.Schema
	}{
		{"register_agent", registerAgentSchema, &s.registerAgent},
		{"append_event", appendEventSchema, &s.appendEvent},
		{"mint_capability", mintCapabilitySchema, &s.mintCapability},
		{"record_outcome", recordOutcomeSchema, &s.recordOutcome},
		{"domain_score", domainScoreSchema, &s.domainScore},
	} {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://trust.wrenthe.ai/schemas/%s.schema.json", def.name)
		if err := c.AddResource(url, strings.NewReader(def.raw)); err != nil {
			return nil, fmt.Errorf("schema %s load failed: %w", def.name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema %s compile failed: %w", def.name, err)
		}
		*def.target = compiled
	}
	return s, nil
}

// validateBody checks raw against the schema, then decodes it into target.
func validateBody(schema *jsonschema.Schema, raw []byte, target any) error {
	var loose any
	if err := json.Unmarshal(raw, &loose); err != nil {
		return contracts.NewError(contracts.KindValidation, "request body is not valid JSON")
	}
	if err := schema.Validate(loose); err != nil {
		return contracts.NewError(contracts.KindValidation, "request body failed validation: %v", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return contracts.NewError(contracts.KindValidation, "request body does not match the expected shape")
	}
	return nil
}
