// Command playbooks-demo runs a two-agent program against a scripted
// executor: the greeter asks the responder a question, waits on the reply
// with the progressive timeout, relays the answer to the human inbox and
// ends the program.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	streamsink "playbooks.ai/playbooks/features/stream/pulse"
	pulseclient "playbooks.ai/playbooks/features/stream/pulse/clients/pulse"
	"playbooks.ai/playbooks/runtime/agent"
	"playbooks.ai/playbooks/runtime/checkpoint/inmem"
	"playbooks.ai/playbooks/runtime/config"
	"playbooks.ai/playbooks/runtime/executor"
	"playbooks.ai/playbooks/runtime/message"
	"playbooks.ai/playbooks/runtime/program"
	"playbooks.ai/playbooks/runtime/telemetry"
)

// demoExecutor scripts both klasses: Greeter asks and relays, Responder
// answers whatever it is asked.
type demoExecutor struct{}

func (demoExecutor) Run(_ context.Context, req *executor.Request) (*executor.RunResult, error) {
	switch req.AgentKlass {
	case "Greeter":
		return greeterTurn(req), nil
	default:
		return &executor.RunResult{
			Effects: []executor.Effect{
				executor.SayEffect{
					Target:  fmt.Sprintf("agent %s", req.Messages[0].SenderID),
					Content: "All systems nominal.",
				},
			},
		}, nil
	}
}

func greeterTurn(req *executor.Request) *executor.RunResult {
	first := req.Messages[0]
	if first.SenderID == message.HumanID {
		return &executor.RunResult{
			Effects: []executor.Effect{
				executor.SayEffect{Target: "agent Responder", Content: "Status report, please."},
			},
			Waiting: executor.WaitingMode{Kind: executor.WaitForAgent, AgentID: "1001"},
		}
	}
	return &executor.RunResult{
		Effects: []executor.Effect{
			executor.SayEffect{Target: "human", Content: "Responder says: " + first.Content},
		},
		EndsProgram: true,
		ExitCode:    program.ExitOK,
	}
}

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))

	cfg, err := config.Load("playbooks.yaml")
	if err != nil {
		log.Error(ctx, err)
		os.Exit(program.ExitError)
	}

	p := program.New("demo-session", demoExecutor{},
		program.WithConfig(cfg),
		program.WithCheckpointStore(inmem.New()),
		program.WithLogger(telemetry.NewClueLogger()),
	)

	var sink *streamsink.Sink
	if cfg.Stream.Enabled {
		s, serr := newPulseSink(cfg.Stream)
		if serr != nil {
			log.Error(ctx, serr)
			os.Exit(program.ExitError)
		}
		if serr := s.Attach(p.Events()); serr != nil {
			log.Error(ctx, serr)
			os.Exit(program.ExitError)
		}
		sink = s
	}

	if err := p.Initialize(ctx, []program.Definition{
		{Klass: "User:Human", Preferences: agent.DeliveryPreferences{MeetingNotifications: agent.NotifyAll}},
		{Klass: "Greeter"},
		{Klass: "Responder"},
	}); err != nil {
		log.Error(ctx, err)
		os.Exit(program.ExitError)
	}

	if _, err := p.RouteMessage(ctx, message.HumanID, "User", "agent Greeter", "Good morning.", message.TypeDirect, message.PriorityNormal); err != nil {
		log.Error(ctx, err)
		os.Exit(program.ExitError)
	}

	code := p.RunTillExit(ctx)

	if human, ok := p.Agent(message.HumanID); ok {
		for _, m := range drain(human) {
			fmt.Printf("%s: %s\n", m.SenderID, m.Content)
		}
	}
	if sink != nil {
		_ = sink.Close(ctx)
	}
	os.Exit(code)
}

// newPulseSink builds the Redis-backed event sink from the stream config.
func newPulseSink(cfg config.StreamConfig) (*streamsink.Sink, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	client, err := pulseclient.New(pulseclient.Options{
		Redis:        rdb,
		StreamMaxLen: cfg.MaxLen,
	})
	if err != nil {
		return nil, err
	}
	return streamsink.NewSink(streamsink.Options{Client: client})
}

func drain(a *agent.Agent) []*message.Message {
	msgs, err := a.Inbox().GetBatch(context.Background(), nil, 0, 0, 0)
	if err != nil {
		return nil
	}
	return msgs
}
