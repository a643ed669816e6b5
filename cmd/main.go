package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	testfleet "github.com/testfleet/testfleet"
	"github.com/testfleet/testfleet/exitcodes"
	"github.com/testfleet/testfleet/flags"
	"github.com/testfleet/testfleet/fleet"
	"github.com/testfleet/testfleet/interceptor"
	"github.com/testfleet/testfleet/orchestrator"
	"github.com/testfleet/testfleet/proc"
	"github.com/testfleet/testfleet/result"
	"github.com/testfleet/testfleet/runner"
	"github.com/testfleet/testfleet/service"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

func main() {
	log.SetDefault(log.NewLogger(log.NewTerminalHandler(os.Stderr, false)))

	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "testfleet"
	app.Usage = "Distributed test execution engine"
	app.Commands = []*cli.Command{
		{
			Name:   "run",
			Usage:  "Execute a test plan, optionally across worker processes",
			Flags:  flags.RunFlags,
			Action: runCmd,
		},
		{
			Name:   "agent",
			Usage:  "Serve this node's benches as broker-fed worker pools",
			Flags:  flags.AgentFlags,
			Action: agentCmd,
		},
		{
			// Internal child entrypoint, spawned by the engine itself.
			Name:   "worker",
			Hidden: true,
			Action: workerCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
			return
		}
		cli.HandleExitCoder(cli.Exit(err.Error(), testfleet.ExitCodeForError(err)))
	}
}

func runCmd(cliCtx *cli.Context) error {
	logger := log.New("module", "cmd")
	cfg, err := testfleet.NewConfig(cliCtx, logger)
	if err != nil {
		return cli.Exit(err.Error(), exitcodes.UsageError)
	}

	ctx, cancel := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := testfleet.New(ctx, cfg, Version, func(error) { cancel() })
	if err != nil {
		return cli.Exit(err.Error(), exitcodes.UsageError)
	}

	svc := service.New()
	svc.Start(ctx)
	defer svc.Shutdown()

	if err := app.Start(ctx); err != nil {
		return cli.Exit(err.Error(), testfleet.ExitCodeForError(err))
	}
	if cfg.RunOnce {
		return nil
	}

	<-ctx.Done()
	return app.Stop(context.Background())
}

func agentCmd(cliCtx *cli.Context) error {
	logger := log.New("module", "cmd")
	cfg, err := testfleet.NewAgentConfig(cliCtx, logger)
	if err != nil {
		return cli.Exit(err.Error(), exitcodes.UsageError)
	}

	ctx, cancel := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	agent, err := testfleet.NewAgent(ctx, cfg)
	if err != nil {
		return cli.Exit(err.Error(), exitcodes.UsageError)
	}

	svc := service.New()
	svc.Start(ctx)
	defer svc.Shutdown()

	if err := agent.Start(ctx); err != nil {
		return cli.Exit(err.Error(), testfleet.ExitCodeForError(err))
	}

	<-ctx.Done()
	return agent.Stop(context.Background())
}

// workerCmd is the hidden child entrypoint: it decodes the worker spec
// from stdin, builds the consumer the spec's kind names, and serves the
// parent's control channel around it.
func workerCmd(cliCtx *cli.Context) error {
	wc, err := proc.InitWorker()
	if err != nil {
		return cli.Exit(err.Error(), exitcodes.UnknownException)
	}

	switch wc.Spec.Kind {
	case orchestrator.WorkerKindConsumer:
		var payload orchestrator.ConsumerPayload
		if err := json.Unmarshal(wc.Spec.Payload, &payload); err != nil {
			return cli.Exit(fmt.Sprintf("decoding consumer payload: %v", err), exitcodes.UnknownException)
		}
		store := result.NewStore()
		rctx := runner.NewContext()
		rctx.Strict = payload.Strict
		rctx.Mock = payload.Mock
		rctx.Bus.Attach(interceptor.Records(wc.Records), 0)

		consumer := runner.NewQueueConsumer(wc.Spec.ID, store, rctx, nil, wc.Queue, payload.AutoStop)
		target := &proc.RunnerTarget{Runner: consumer.Runner, Store: store}
		return wc.Serve(target, func() error { return consumer.Run() })

	case fleet.WorkerKindBroker:
		return fleet.RunWorker(wc)

	default:
		return cli.Exit(fmt.Sprintf("unknown worker kind %q", wc.Spec.Kind), exitcodes.UnknownException)
	}
}
