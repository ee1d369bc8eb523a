package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/relayctl/internal/config"
	"github.com/danmuck/relayctl/internal/logging"
	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/pipeline"
	"github.com/danmuck/relayctl/internal/worker"
	logs "github.com/danmuck/smplog"
)

const usage = "usage: relayctl [-config path] [-ephemeral] <amicable|primorial>"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayctl: %v\n", err)
		os.Exit(1)
	}
}

// run launches every worker of one variant inside this process.
func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("relayctl", flag.ContinueOnError)
	configPath := fs.String("config", "", "topology TOML file (defaults to $RELAYCTL_CONFIG)")
	ephemeral := fs.Bool("ephemeral", false, "bind every endpoint on an OS-assigned port")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New(usage)
	}

	logging.Configure(logging.ProfileQuiet)
	observability.InitLogger("relayctl")

	variant, err := config.ParseVariant(fs.Arg(0))
	if err != nil {
		return err
	}
	base, err := pipeline.DefaultTopology(variant)
	if err != nil {
		return err
	}
	topo, err := config.Load(base, *configPath)
	if err != nil {
		return err
	}
	if *ephemeral {
		topo = pipeline.Ephemeral(topo)
	}

	input := worker.NewTokenInput(stdin, stdout)
	defer input.Close()
	runner, err := pipeline.NewRunner(topo, pipeline.Options{
		Input:  input,
		Output: stdout,
	})
	if err != nil {
		return err
	}
	res, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	logs.Infof("relayctl variant=%s run=%s complete", variant, res.Run)
	if report, ok := res.Value(pipeline.ValueReport); ok {
		fmt.Fprintln(stdout, report.String())
	}
	return nil
}
