// Package checkpoint defines durable execution snapshots and the store that
// persists them. A checkpoint records a program's variables, its agents'
// call stacks and state, and positional metadata, so a crashed or paused
// execution can resume from the last recorded statement.
//
// Records are validated against a JSON schema before they are persisted and
// after they are loaded, so a store containing hand-edited or truncated
// documents fails fast instead of resuming from garbage.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"playbooks.ai/playbooks/runtime/bus"
)

type (
	// Record is one durable execution snapshot.
	Record struct {
		// CheckpointID identifies the snapshot within its execution.
		CheckpointID string `json:"checkpointID"`
		// ExecutionID identifies the program run the snapshot belongs to.
		ExecutionID string `json:"executionID"`
		// Namespace partitions checkpoints between deployments.
		Namespace string `json:"namespace"`
		// ExecutionState is the recoverable program state.
		ExecutionState ExecutionState `json:"executionState"`
		// Metadata records where and when the snapshot was taken.
		Metadata Metadata `json:"metadata"`
	}

	// ExecutionState is the recoverable portion of a program.
	ExecutionState struct {
		// Variables is the program-level variable snapshot.
		Variables map[string]any `json:"variables"`
		// Agents snapshots every agent in the program.
		Agents []AgentState `json:"agents"`
	}

	// AgentState snapshots one agent.
	AgentState struct {
		// AgentID identifies the agent.
		AgentID string `json:"agentID"`
		// Klass is the agent klass.
		Klass string `json:"klass"`
		// Variables is the agent's variable store snapshot.
		Variables map[string]any `json:"variables"`
		// State is the agent's state map snapshot.
		State map[string]any `json:"state,omitempty"`
		// CallStack is the agent's stack as frame references, bottom first.
		CallStack []bus.FrameRef `json:"callStack"`
	}

	// Metadata records snapshot position and provenance.
	Metadata struct {
		// Statement describes the step the checkpoint precedes.
		Statement string `json:"statement"`
		// Counter increments per checkpoint within an execution.
		Counter int `json:"counter"`
		// Timestamp records when the snapshot was taken.
		Timestamp time.Time `json:"timestamp"`
		// CallStack is the checkpointing agent's stack, bottom first.
		CallStack []bus.FrameRef `json:"callStack"`
	}

	// Store persists checkpoint records.
	//
	// Store implementations must be durable: failures are surfaced to
	// callers so recovery can fail fast when checkpoints are unavailable.
	Store interface {
		// Save persists a validated record. Saving a record with an existing
		// checkpoint ID overwrites it.
		Save(ctx context.Context, rec Record) error
		// Latest loads the highest-counter record for the execution.
		// Returns ErrNotFound when the execution has no checkpoints.
		Latest(ctx context.Context, namespace, executionID string) (Record, error)
		// List returns all records for the execution in counter order.
		List(ctx context.Context, namespace, executionID string) ([]Record, error)
		// Prune deletes all records for the execution.
		Prune(ctx context.Context, namespace, executionID string) error
	}
)

// ErrNotFound indicates the execution has no checkpoint records.
var ErrNotFound = errors.New("checkpoint not found")

// schemaJSON constrains persisted records. Kept intentionally structural:
// value types inside variables and state maps are unconstrained.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["checkpointID", "executionID", "namespace", "executionState", "metadata"],
  "properties": {
    "checkpointID": {"type": "string", "minLength": 1},
    "executionID": {"type": "string", "minLength": 1},
    "namespace": {"type": "string", "minLength": 1},
    "executionState": {
      "type": "object",
      "required": ["variables", "agents"],
      "properties": {
        "variables": {"type": "object"},
        "agents": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["agentID", "klass", "variables", "callStack"],
            "properties": {
              "agentID": {"type": "string", "minLength": 1},
              "klass": {"type": "string", "minLength": 1},
              "variables": {"type": "object"},
              "state": {"type": "object"},
              "callStack": {"type": "array", "items": {"$ref": "#/$defs/frame"}}
            }
          }
        }
      }
    },
    "metadata": {
      "type": "object",
      "required": ["statement", "counter", "timestamp", "callStack"],
      "properties": {
        "statement": {"type": "string"},
        "counter": {"type": "integer", "minimum": 0},
        "timestamp": {"type": "string"},
        "callStack": {"type": "array", "items": {"$ref": "#/$defs/frame"}}
      }
    }
  },
  "$defs": {
    "frame": {
      "type": "object",
      "required": ["playbook", "lineNumber", "sourceLineNumber"],
      "properties": {
        "playbook": {"type": "string"},
        "lineNumber": {"type": "integer", "minimum": 0},
        "sourceLineNumber": {"type": "integer", "minimum": 0}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// compiledSchema compiles the record schema once per process.
func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schemaJSON)))
		if err != nil {
			schemaErr = fmt.Errorf("parse checkpoint schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("checkpoint.json", doc); err != nil {
			schemaErr = fmt.Errorf("add checkpoint schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile("checkpoint.json")
	})
	return schema, schemaErr
}

// Validate checks the record against the checkpoint schema.
func Validate(rec Record) error {
	s, err := compiledSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("reparse checkpoint: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return fmt.Errorf("invalid checkpoint %s: %w", rec.CheckpointID, err)
	}
	return nil
}

// NewID derives the checkpoint identifier for an execution and counter.
func NewID(executionID string, counter int) string {
	return fmt.Sprintf("%s-cp-%06d", executionID, counter)
}
