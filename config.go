package testfleet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/testfleet/testfleet/bench"
	"github.com/testfleet/testfleet/flags"
)

// Config holds the run-mode configuration.
type Config struct {
	TestFile       string        // Path to the test plan (JSON descriptors)
	Processes      int           // Worker process count; 1 runs in-process
	FailFast       bool          // Abort the batch on the first terminal failure
	Strict         bool          // Checkpoint-less passes become erroneous
	Mock           bool          // Run against the simulated bench
	RunInterval    time.Duration // Interval between runs
	RunOnce        bool          // Exit after one run
	Rerun          int           // Rerun failed cases up to this many times
	RerunAsWarning bool          // Passed-on-rerun becomes WARNING
	RedisURL       string        // Broker URL for the record stream, optional
	StreamKey      string        // Redis stream key for finished records
	Log            log.Logger
}

// NewConfig creates a run-mode Config from the cli context.
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx, flags.TestFile); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	testFile, err := filepath.Abs(ctx.String(flags.TestFile.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for test plan '%s': %w", ctx.String(flags.TestFile.Name), err)
	}

	runInterval := ctx.Duration(flags.RunInterval.Name)

	if ctx.String(flags.StreamKey.Name) != "" && ctx.String(flags.RedisURL.Name) == "" {
		return nil, errors.New("record-stream requires redis-url")
	}

	return &Config{
		TestFile:       testFile,
		Processes:      ctx.Int(flags.Processes.Name),
		FailFast:       ctx.Bool(flags.FailFast.Name),
		Strict:         ctx.Bool(flags.Strict.Name),
		Mock:           ctx.Bool(flags.Mock.Name),
		RunInterval:    runInterval,
		RunOnce:        runInterval == 0,
		Rerun:          ctx.Int(flags.Rerun.Name),
		RerunAsWarning: ctx.Bool(flags.RerunAsWarning.Name),
		RedisURL:       ctx.String(flags.RedisURL.Name),
		StreamKey:      ctx.String(flags.StreamKey.Name),
		Log:            log,
	}, nil
}

// AgentConfig holds the agent-mode configuration: the benches this node
// exposes and the fleet wiring around them.
type AgentConfig struct {
	RedisURL   string
	RecordsURL string
	Heartbeat  time.Duration
	AutoStop   bool
	Strict     bool
	Node       string
	Benches    []bench.Config
	Log        log.Logger
}

// agentConfigFile is the yaml shape of the agent config file.
type agentConfigFile struct {
	Benches []bench.Config `yaml:"benches"`
}

// NewAgentConfig creates an agent-mode config from the cli context,
// loading the bench declarations from the config file.
func NewAgentConfig(ctx *cli.Context, log log.Logger) (*AgentConfig, error) {
	if err := flags.CheckRequired(ctx, flags.AgentConfig, flags.RedisURL); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	path, err := filepath.Abs(ctx.String(flags.AgentConfig.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for agent config '%s': %w", ctx.String(flags.AgentConfig.Name), err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agent config: %w", err)
	}
	var file agentConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse agent config: %w", err)
	}
	if len(file.Benches) == 0 {
		return nil, errors.New("agent config declares no benches")
	}
	for i, bc := range file.Benches {
		if bc.Name == "" {
			return nil, fmt.Errorf("bench %d has no name", i)
		}
	}

	return &AgentConfig{
		RedisURL:   ctx.String(flags.RedisURL.Name),
		RecordsURL: ctx.String(flags.RecordsURL.Name),
		Heartbeat:  ctx.Duration(flags.Heartbeat.Name),
		AutoStop:   ctx.Bool(flags.AutoStop.Name),
		Strict:     ctx.Bool(flags.Strict.Name),
		Node:       ctx.String(flags.Node.Name),
		Benches:    file.Benches,
		Log:        log,
	}, nil
}
