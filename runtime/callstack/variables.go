package callstack

import (
	"fmt"
	"sync"
)

type (
	// Variable is a named value in an agent's variable store.
	Variable struct {
		// Name is the variable name without the leading sigil.
		Name string
		// Value is the stored value.
		Value any
	}

	// Artifact replaces a variable whose string representation exceeds the
	// store's threshold. The full value is kept out of line and a summary is
	// substituted wherever the variable is inlined.
	Artifact struct {
		// Name is the variable name without the leading sigil.
		Name string
		// Summary is a short description substituted for the value.
		Summary string
		// Value is the full stored value.
		Value any
	}

	// Variables is an agent's variable store. Writes promote oversized
	// values to artifacts automatically. Safe for concurrent use.
	Variables struct {
		mu        sync.RWMutex
		vars      map[string]any
		threshold int
	}
)

// LastResult is the implicit variable written after every effect that
// returns a value.
const LastResult = "_"

// DefaultArtifactThreshold is the string length above which a variable value
// is promoted to an artifact.
const DefaultArtifactThreshold = 4096

// NewVariables constructs an empty variable store. A threshold of zero or
// less selects DefaultArtifactThreshold.
func NewVariables(threshold int) *Variables {
	if threshold <= 0 {
		threshold = DefaultArtifactThreshold
	}
	return &Variables{vars: make(map[string]any), threshold: threshold}
}

// Set stores the value under name. Values whose string representation
// exceeds the store threshold are promoted to an Artifact with a truncated
// summary. The stored value (possibly an Artifact) is returned.
func (v *Variables) Set(name string, value any) any {
	stored := value
	if s := fmt.Sprint(value); len(s) > v.threshold {
		stored = Artifact{
			Name:    name,
			Summary: summarize(s),
			Value:   value,
		}
	}
	v.mu.Lock()
	v.vars[name] = stored
	v.mu.Unlock()
	return stored
}

// Get returns the stored value for name. The second return value is false
// when the variable does not exist.
func (v *Variables) Get(name string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	val, ok := v.vars[name]
	return val, ok
}

// Snapshot returns a copy of the store suitable for checkpointing.
func (v *Variables) Snapshot() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]any, len(v.vars))
	for k, val := range v.vars {
		out[k] = val
	}
	return out
}

// Restore replaces the store contents with the given snapshot.
func (v *Variables) Restore(snapshot map[string]any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vars = make(map[string]any, len(snapshot))
	for k, val := range snapshot {
		v.vars[k] = val
	}
}

// summarize truncates s to a short single-line summary.
func summarize(s string) string {
	const max = 160
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
