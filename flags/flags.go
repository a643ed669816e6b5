package flags

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

const EnvVarPrefix = "TESTFLEET"

func prefixEnvVar(name string) []string {
	return []string{EnvVarPrefix + "_" + name}
}

var (
	TestFile = &cli.StringFlag{
		Name:    "tests",
		Value:   "",
		EnvVars: prefixEnvVar("TESTS"),
		Usage:   "Path to the test plan file (JSON descriptors)",
	}
	Processes = &cli.IntFlag{
		Name:    "processes",
		Value:   1,
		EnvVars: prefixEnvVar("PROCESSES"),
		Usage:   "Number of worker processes to distribute the run across",
	}
	FailFast = &cli.BoolFlag{
		Name:    "failfast",
		Value:   false,
		EnvVars: prefixEnvVar("FAILFAST"),
		Usage:   "Abort the whole run on the first failed or erroneous case",
	}
	Strict = &cli.BoolFlag{
		Name:    "strict",
		Value:   false,
		EnvVars: prefixEnvVar("STRICT"),
		Usage:   "Treat a passed case that recorded no checkpoints as erroneous",
	}
	Mock = &cli.BoolFlag{
		Name:    "mock",
		Value:   false,
		EnvVars: prefixEnvVar("MOCK"),
		Usage:   "Run against the simulated bench",
	}
	RunInterval = &cli.DurationFlag{
		Name:    "run-interval",
		Value:   0,
		EnvVars: prefixEnvVar("RUN_INTERVAL"),
		Usage:   "Interval between test runs (e.g. '1h', '30m'). Set to 0 or omit for run-once mode.",
	}
	Rerun = &cli.IntFlag{
		Name:    "rerun",
		Value:   0,
		EnvVars: prefixEnvVar("RERUN"),
		Usage:   "Rerun failed and erroneous cases up to this many times after the main run",
	}
	RerunAsWarning = &cli.BoolFlag{
		Name:    "rerun-as-warning",
		Value:   false,
		EnvVars: prefixEnvVar("RERUN_AS_WARNING"),
		Usage:   "Report a case that passed on rerun as WARNING instead of PASSED",
	}
	RedisURL = &cli.StringFlag{
		Name:    "redis-url",
		Value:   "",
		EnvVars: prefixEnvVar("REDIS_URL"),
		Usage:   "Redis URL of the message broker and coordination store",
	}
	StreamKey = &cli.StringFlag{
		Name:    "record-stream",
		Value:   "",
		EnvVars: prefixEnvVar("RECORD_STREAM"),
		Usage:   "Redis stream key to publish finished case records to",
	}
	AgentConfig = &cli.StringFlag{
		Name:    "config",
		Value:   "",
		EnvVars: prefixEnvVar("CONFIG"),
		Usage:   "Path to the agent config file (eg. 'benches.yaml')",
	}
	RecordsURL = &cli.StringFlag{
		Name:    "records-url",
		Value:   "",
		EnvVars: prefixEnvVar("RECORDS_URL"),
		Usage:   "Base URL of the record-keeping service used for no-need-to-run checks",
	}
	Heartbeat = &cli.DurationFlag{
		Name:    "heartbeat",
		Value:   0,
		EnvVars: prefixEnvVar("HEARTBEAT"),
		Usage:   "Consumer heartbeat interval. Set to 0 to disable heartbeating.",
	}
	AutoStop = &cli.BoolFlag{
		Name:    "auto-stop",
		Value:   false,
		EnvVars: prefixEnvVar("AUTO_STOP"),
		Usage:   "Stop consumers once all of their queues are empty",
	}
	Node = &cli.StringFlag{
		Name:    "node",
		Value:   "",
		EnvVars: prefixEnvVar("NODE"),
		Usage:   "Node identity for fleet liveness. Defaults to the first NIC hardware address.",
	}
)

// RunFlags configure the `run` command.
var RunFlags = []cli.Flag{
	TestFile,
	Processes,
	FailFast,
	Strict,
	Mock,
	RunInterval,
	Rerun,
	RerunAsWarning,
	RedisURL,
	StreamKey,
}

// AgentFlags configure the `agent` command.
var AgentFlags = []cli.Flag{
	AgentConfig,
	RedisURL,
	RecordsURL,
	Heartbeat,
	AutoStop,
	Strict,
	Node,
}

// CheckRequired validates that every named flag is set on the context.
func CheckRequired(ctx *cli.Context, required ...cli.Flag) error {
	for _, f := range required {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return nil
}
