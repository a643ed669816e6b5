package testfleet

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/testfleet/testfleet/bench"
	"github.com/testfleet/testfleet/broker"
	"github.com/testfleet/testfleet/fleet"
)

// Agent drives agent mode: one supervised consumer pool per declared
// bench, consuming execution requests off the broker until stopped.
type Agent struct {
	ctx    context.Context
	config *AgentConfig

	client   redis.UniversalClient
	executor *fleet.Executor
}

// NewAgent creates the agent-mode app.
func NewAgent(ctx context.Context, config *AgentConfig) (*Agent, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	return &Agent{ctx: ctx, config: config}, nil
}

// Start connects to the broker and spawns the worker pools.
func (a *Agent) Start(ctx context.Context) error {
	a.ctx = ctx

	client, err := broker.NewRedisClient(a.config.RedisURL)
	if err != nil {
		return NewRuntimeError(err)
	}
	if err := broker.CheckRedisConnection(client); err != nil {
		client.Close()
		return NewRuntimeError(err)
	}
	a.client = client

	spawner := fleet.NewSpawner(fleet.WorkerPayload{
		RedisURL:   a.config.RedisURL,
		AutoStop:   a.config.AutoStop,
		Heartbeat:  a.config.Heartbeat,
		RecordsURL: a.config.RecordsURL,
		Strict:     a.config.Strict,
	}, nil)

	a.executor = fleet.NewExecutor(fleet.ExecutorConfig{
		Node:    a.config.Node,
		Benches: a.config.Benches,
	}, spawner)

	a.config.Log.Info("Starting testfleet agent", "benches", len(a.config.Benches), "node", a.config.Node)
	return a.executor.Start(client)
}

// UpdateBenchState applies an externally requested bench state change.
func (a *Agent) UpdateBenchState(name string, state bench.State) error {
	return a.executor.UpdateBenchState(name, state)
}

// Stop shuts the worker pools down and disconnects.
func (a *Agent) Stop(ctx context.Context) error {
	a.config.Log.Info("Stopping testfleet agent")
	if a.executor != nil {
		a.executor.Stop()
	}
	if a.client != nil {
		a.client.Close()
	}
	a.config.Log.Info("Stopped testfleet agent")
	return nil
}
