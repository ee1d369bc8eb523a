package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

var ErrNoInput = errors.New("worker: input exhausted")

// InputSource yields console tokens for Input steps.
type InputSource interface {
	Next(ctx context.Context, prompt string) (string, error)
}

// TokenInput reads whitespace separated tokens from r, writing prompt to w
// before each one. It is safe to share between workers of one process.
// Close releases the scanning goroutine once it has a token to hand over;
// a read blocked inside r itself only returns when r does.
type TokenInput struct {
	mu      sync.Mutex
	scanner *bufio.Scanner
	prompt  io.Writer
	tokens  chan token
	once    sync.Once
	done    chan struct{}
	closing sync.Once
	stopped chan struct{}
}

type token struct {
	text string
	err  error
}

func NewTokenInput(r io.Reader, prompt io.Writer) *TokenInput {
	s := bufio.NewScanner(r)
	s.Split(bufio.ScanWords)
	return &TokenInput{
		scanner: s,
		prompt:  prompt,
		tokens:  make(chan token),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (in *TokenInput) Next(ctx context.Context, prompt string) (string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.prompt != nil && prompt != "" {
		fmt.Fprint(in.prompt, prompt)
	}
	in.once.Do(func() { go in.scan() })
	if err := ctx.Err(); err != nil {
		return "", err
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-in.done:
		return "", ErrNoInput
	case t, ok := <-in.tokens:
		if !ok {
			return "", ErrNoInput
		}
		return t.text, t.err
	}
}

// Close stops handing out tokens. Later calls to Next return ErrNoInput.
func (in *TokenInput) Close() error {
	in.closing.Do(func() { close(in.done) })
	return nil
}

// scan feeds tokens one at a time so a cancelled Next never loses input.
func (in *TokenInput) scan() {
	defer close(in.stopped)
	defer close(in.tokens)
	for in.scanner.Scan() {
		if !in.deliver(token{text: in.scanner.Text()}) {
			return
		}
	}
	if err := in.scanner.Err(); err != nil {
		in.deliver(token{err: fmt.Errorf("worker: read input: %w", err)})
	}
}

func (in *TokenInput) deliver(t token) bool {
	select {
	case in.tokens <- t:
		return true
	case <-in.done:
		return false
	}
}

// Tokens is a fixed InputSource, handy for tests and scripted runs.
type Tokens struct {
	mu     sync.Mutex
	values []string
}

func NewTokens(values ...string) *Tokens {
	return &Tokens{values: values}
}

func (t *Tokens) Next(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.values) == 0 {
		return "", ErrNoInput
	}
	v := t.values[0]
	t.values = t.values[1:]
	return v, nil
}
