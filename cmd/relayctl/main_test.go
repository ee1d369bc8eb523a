package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/relayctl/internal/worker"
)

func TestRunPrimorialInProcess(t *testing.T) {
	t.Setenv("RELAYCTL_CONFIG", "")
	t.Setenv("RELAYCTL_RECEIVE_TIMEOUT", "5s")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	if err := run(ctx, []string{"-ephemeral", "primorial"}, strings.NewReader("14\n"), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	got := out.String()
	if !strings.Contains(got, "Final result received from P2: 304250263527210") {
		t.Fatalf("missing final result: %q", got)
	}
	if !strings.Contains(got, worker.NotificationPrefix+"P2 sent result to P1: 304250263527210") {
		t.Fatalf("missing observer line: %q", got)
	}
}

func TestRunAmicableInProcess(t *testing.T) {
	t.Setenv("RELAYCTL_CONFIG", "")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	if err := run(ctx, []string{"-ephemeral", "amicable"}, strings.NewReader("1184 1210"), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out.String(), "1184 and 1210 are amicable") {
		t.Fatalf("unexpected output: %q", out.String())
	}
}

func TestRunRequiresVariant(t *testing.T) {
	if err := run(context.Background(), nil, strings.NewReader(""), &bytes.Buffer{}); err == nil {
		t.Fatalf("expected usage error")
	}
	if err := run(context.Background(), []string{"fib"}, strings.NewReader(""), &bytes.Buffer{}); err == nil {
		t.Fatalf("expected unknown variant error")
	}
}
