package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/danmuck/relayctl/internal/logging"
	"github.com/danmuck/relayctl/internal/observability"
	"github.com/danmuck/relayctl/internal/pipeline"
	"github.com/danmuck/relayctl/internal/worker"
	logs "github.com/danmuck/smplog"
)

const usage = "usage: workerctl [-config path] <amicable|primorial> <p1|p2|p3|p4>"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "workerctl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("workerctl", flag.ContinueOnError)
	configPath := fs.String("config", "", "topology TOML file (defaults to $RELAYCTL_CONFIG)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New(usage)
	}
	variant, name := fs.Arg(0), fs.Arg(1)

	logging.ConfigureRuntime()
	observability.InitLogger("workerctl")

	topo, err := loadTopology(variant, *configPath)
	if err != nil {
		return err
	}
	input := worker.NewTokenInput(stdin, stdout)
	defer input.Close()
	set, err := pipeline.Build(topo, pipeline.Options{
		Input:  input,
		Output: stdout,
	})
	if err != nil {
		return err
	}
	if topo.MetricsAddr != "" {
		shutdown := serveMetrics(topo.MetricsAddr)
		defer shutdown()
	}

	if obs := set.Observer; obs != nil && obs.Name() == name {
		logs.Infof("workerctl observer=%q variant=%s", name, topo.Variant)
		return obs.Serve(ctx)
	}
	w, ok := set.Worker(name)
	if !ok {
		return fmt.Errorf("unknown worker %q for %s variant", name, topo.Variant)
	}
	logs.Infof("workerctl worker=%q variant=%s", name, topo.Variant)
	res, err := w.Run(ctx)
	if err != nil {
		return err
	}
	printResult(stdout, res)
	return nil
}

func printResult(w io.Writer, res worker.Result) {
	if report, ok := res.Value(pipeline.ValueReport); ok {
		fmt.Fprintln(w, report.String())
		return
	}
	names := make([]string, 0, len(res.Values))
	for name := range res.Values {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s %s = %s\n", res.Worker, name, res.Values[name])
	}
}

func serveMetrics(addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logs.Warnf("workerctl metrics server addr=%q err=%v", addr, err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
