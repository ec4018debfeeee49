package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/loopmeet/tasksync/internal/tasksync"
)

// syncEventSchema is the wire contract for inbound events. Everything
// past this boundary may assume a well-typed SyncEvent.
const syncEventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["eventId", "workspaceId", "workspaceSequenceNum", "eventType", "payload"],
	"properties": {
		"eventId": {"type": "string", "minLength": 1},
		"workspaceId": {"type": "string", "minLength": 1},
		"workspaceSequenceNum": {"type": "integer", "minimum": 1},
		"eventType": {"enum": ["create", "update", "delete"]},
		"vectorClock": {
			"type": "object",
			"additionalProperties": {"type": "integer", "minimum": 0}
		},
		"payload": {
			"type": "object",
			"required": ["id"],
			"properties": {
				"id": {"type": "string", "minLength": 1},
				"workspaceId": {"type": "string"},
				"title": {"type": "string"},
				"description": {"type": "string"},
				"status": {"enum": ["todo", "in_progress", "pending", "completed", "cancelled"]},
				"priority": {"type": "string"},
				"assignee": {"type": "string"},
				"createdAt": {"type": "string"},
				"updatedAt": {"type": "string"},
				"deletedAt": {"type": ["string", "null"]}
			}
		}
	}
}`

var (
	compileSchemaOnce sync.Once
	compiledSchema    *jsonschema.Schema
	compileSchemaErr  error
)

func eventSchema() (*jsonschema.Schema, error) {
	compileSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(syncEventSchema))
		if err != nil {
			compileSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("syncevent.json", doc); err != nil {
			compileSchemaErr = err
			return
		}
		compiledSchema, compileSchemaErr = compiler.Compile("syncevent.json")
	})
	return compiledSchema, compileSchemaErr
}

// DecodeEvent validates raw event JSON against the wire schema and
// decodes it. Transport-level rejection: malformed events never reach
// the dedup or recovery layers.
func DecodeEvent(raw []byte, sourceTag string) (tasksync.SyncEvent, error) {
	schema, err := eventSchema()
	if err != nil {
		return tasksync.SyncEvent{}, fmt.Errorf("compile event schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return tasksync.SyncEvent{}, fmt.Errorf("parse event: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return tasksync.SyncEvent{}, fmt.Errorf("invalid event: %w", err)
	}
	var ev tasksync.SyncEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return tasksync.SyncEvent{}, fmt.Errorf("decode event: %w", err)
	}
	ev.SourceTag = sourceTag
	if err := ev.Validate(); err != nil {
		return tasksync.SyncEvent{}, err
	}
	return ev, nil
}
