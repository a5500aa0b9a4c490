package program

import (
	"context"
	"errors"
	"fmt"
	"time"

	"playbooks.ai/playbooks/runtime/agent"
	"playbooks.ai/playbooks/runtime/checkpoint"
)

// ErrNoCheckpointStore reports a checkpoint operation on a program built
// without a store.
var ErrNoCheckpointStore = errors.New("no checkpoint store configured")

// SaveCheckpoint implements agent.Host. It snapshots every agent in the
// program, stamps the record with the checkpointing agent's call stack, and
// persists it through the configured store.
func (p *Program) SaveCheckpoint(ctx context.Context, agentID, statement string) error {
	if p.store == nil {
		return ErrNoCheckpointStore
	}
	actor, ok := p.Agent(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	p.mu.Lock()
	p.counter++
	counter := p.counter
	agents := make([]*agent.Agent, 0, len(p.agents))
	for _, a := range p.agents {
		agents = append(agents, a)
	}
	p.mu.Unlock()

	states := make([]checkpoint.AgentState, 0, len(agents))
	for _, a := range agents {
		states = append(states, checkpoint.AgentState{
			AgentID:   a.ID(),
			Klass:     a.Klass(),
			Variables: a.Variables().Snapshot(),
			State:     a.State(),
			CallStack: a.Stack().Refs(),
		})
	}

	rec := checkpoint.Record{
		CheckpointID: checkpoint.NewID(p.sessionID, counter),
		ExecutionID:  p.sessionID,
		Namespace:    p.cfg.Namespace,
		ExecutionState: checkpoint.ExecutionState{
			Variables: actor.Variables().Snapshot(),
			Agents:    states,
		},
		Metadata: checkpoint.Metadata{
			Statement: statement,
			Counter:   counter,
			Timestamp: time.Now().UTC(),
			CallStack: actor.Stack().Refs(),
		},
	}
	if err := p.store.Save(ctx, rec); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", rec.CheckpointID, err)
	}
	p.log.Debug(ctx, "checkpoint saved",
		"checkpoint", rec.CheckpointID, "agent", agentID, "statement", statement)
	return nil
}

// Recover restores the program from the latest checkpoint of the given
// execution. Each recorded agent is re-created if missing; its variables
// and state are restored, and its call stack is replaced with exactly the
// recorded frames.
func (p *Program) Recover(ctx context.Context, executionID string) (checkpoint.Record, error) {
	if p.store == nil {
		return checkpoint.Record{}, ErrNoCheckpointStore
	}
	rec, err := p.store.Latest(ctx, p.cfg.Namespace, executionID)
	if err != nil {
		return checkpoint.Record{}, fmt.Errorf("load checkpoint for %s: %w", executionID, err)
	}

	for _, st := range rec.ExecutionState.Agents {
		a, ok := p.Agent(st.AgentID)
		if !ok {
			a, err = p.CreateAgent(ctx, st.Klass)
			if err != nil {
				return checkpoint.Record{}, err
			}
		}
		a.Variables().Restore(st.Variables)
		if st.State != nil {
			a.RestoreState(st.State)
		}
		a.Stack().Replace(st.CallStack)
	}

	p.mu.Lock()
	if rec.Metadata.Counter > p.counter {
		p.counter = rec.Metadata.Counter
	}
	p.mu.Unlock()

	p.log.Info(ctx, "recovered from checkpoint",
		"checkpoint", rec.CheckpointID, "statement", rec.Metadata.Statement,
		"agents", len(rec.ExecutionState.Agents))
	return rec, nil
}
