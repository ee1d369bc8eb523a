package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/relayctl/internal/config"
	"github.com/danmuck/relayctl/internal/pipeline"
	"github.com/danmuck/relayctl/internal/protocol/wire"
	"github.com/danmuck/relayctl/internal/transport"
	"github.com/danmuck/relayctl/internal/worker"
)

func TestLoadTopologyDefaultsAndOverrides(t *testing.T) {
	cfg, err := loadTopology("primorial", "ex.config.toml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Variant != config.VariantPrimorial {
		t.Fatalf("unexpected variant: %q", cfg.Variant)
	}
	if cfg.Timeouts.Connect != 2*time.Second {
		t.Fatalf("unexpected connect timeout: %v", cfg.Timeouts.Connect)
	}
	if cfg.Timeouts.Receive != 30*time.Second {
		t.Fatalf("unexpected receive timeout: %v", cfg.Timeouts.Receive)
	}
	if cfg.Timeouts.Write != 5*time.Second {
		t.Fatalf("write timeout should keep its default, got %v", cfg.Timeouts.Write)
	}
	if cfg.Retry.Attempts != 3 || cfg.Retry.InitialDelay != 250*time.Millisecond {
		t.Fatalf("unexpected retry: %+v", cfg.Retry)
	}
	if !cfg.PropagateAbort {
		t.Fatalf("expected abort propagation enabled")
	}
	if got := cfg.Endpoints[pipeline.EndpointObserver].Port; got != 2104 {
		t.Fatalf("unexpected observer port: %d", got)
	}
	if got := cfg.Endpoints[pipeline.EndpointP2P1]; got.Port != 2101 || got.Transport != transport.Stream || got.Owner != pipeline.Originator {
		t.Fatalf("unexpected p2_p1 endpoint: %+v", got)
	}
	if got := cfg.Endpoints[pipeline.EndpointP3P1Ack].Port; got != 2001 {
		t.Fatalf("ack port should keep its default, got %d", got)
	}
}

func TestLoadTopologyRejectsVariantMismatch(t *testing.T) {
	if _, err := loadTopology("amicable", "ex.config.toml"); !errors.Is(err, config.ErrInvalidTopology) {
		t.Fatalf("expected ErrInvalidTopology, got %v", err)
	}
}

func TestLoadTopologyUnknownVariant(t *testing.T) {
	if _, err := loadTopology("fibonacci", ""); !errors.Is(err, config.ErrUnknownVariant) {
		t.Fatalf("expected ErrUnknownVariant, got %v", err)
	}
}

func TestRunRejectsBadArguments(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"amicable"}, strings.NewReader(""), &out); err == nil || !strings.Contains(err.Error(), "usage") {
		t.Fatalf("expected usage error, got %v", err)
	}
	if err := run(context.Background(), []string{"amicable", "p9"}, strings.NewReader(""), &out); err == nil {
		t.Fatalf("expected unknown worker error")
	}
}

func TestRunOriginatorFailsWhenNoPeerListens(t *testing.T) {
	probe, err := transport.ListenStream(context.Background(), transport.Address{Name: "probe", Host: "127.0.0.1", Kind: transport.Stream}, transport.Timeouts{})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	closed := probe.Addr().Port
	_ = probe.Close()

	t.Setenv("RELAYCTL_CONFIG", "")
	path := t.TempDir() + "/relay.toml"
	base, err := pipeline.DefaultTopology(config.VariantAmicable)
	if err != nil {
		t.Fatalf("default topology: %v", err)
	}
	base = pipeline.Ephemeral(base)
	if err := base.SetPort(pipeline.EndpointP1P2, closed); err != nil {
		t.Fatalf("set port: %v", err)
	}
	if err := config.WriteTemplate(path, base, true); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out bytes.Buffer
	err = run(context.Background(), []string{"-config", path, "amicable", "p1"}, strings.NewReader("220\n"), &out)
	if !errors.Is(err, transport.ErrConnectionRefused) {
		t.Fatalf("expected ErrConnectionRefused, got %v", err)
	}
	if !strings.Contains(out.String(), "N >>") {
		t.Fatalf("expected input prompt, got %q", out.String())
	}
}

func TestPrintResultPrefersReport(t *testing.T) {
	var out bytes.Buffer
	printResult(&out, worker.Result{Worker: "p1", Values: map[string]wire.Value{
		pipeline.ValueReport: wire.Text("220 and 284 are amicable"),
		"n":                  wire.Text("220"),
	}})
	if out.String() != "220 and 284 are amicable\n" {
		t.Fatalf("unexpected output: %q", out.String())
	}

	out.Reset()
	printResult(&out, worker.Result{Worker: "p3", Values: map[string]wire.Value{
		"sum": wire.Int(56),
		"n":   wire.Int(28),
	}})
	if out.String() != "p3 n = 28\np3 sum = 56\n" {
		t.Fatalf("unexpected output: %q", out.String())
	}
}
