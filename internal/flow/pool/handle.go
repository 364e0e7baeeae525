package pool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
)

// Spec is the information needed to spawn one agent subprocess. The
// resolver that produces it is responsible for baking any session-id or
// resume flag into Command already — the pool itself is agent-agnostic.
type Spec struct {
	Command []string
	WorkDir string
	Env     []string
}

// handle owns one live agent subprocess: its stdin writer and a dedicated
// reader goroutine that drains stdout for the life of the session. The
// child is never sent EOF between turns.
type handle struct {
	key      string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	logger   *logger.Logger

	mu            sync.Mutex
	sink          func(TurnEvent)
	resultCh      chan struct{}
	turnSeen      bool // true once the first turn has started (suppress system on resume)

	exited atomic.Bool
	waitCh chan struct{}
}

// spawn starts the child process with explicit pipes (not exec.CommandContext:
// the HTTP request context that triggers a send must never kill a
// long-lived session), and starts the dedicated stdout/stderr drain
// goroutines.
func spawn(key string, spec Spec, log *logger.Logger) (*handle, error) {
	if len(spec.Command) == 0 {
		return nil, fmt.Errorf("pool: empty command for key %s", key)
	}

	cmd := exec.Command(spec.Command[0], spec.Command[1:]...)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), spec.Env...)
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	h := &handle{
		key:    key,
		cmd:    cmd,
		stdin:  stdin,
		logger: log.WithFields(zap.String("pool_key", key)),
		waitCh: make(chan struct{}),
	}

	go h.drainStdout(stdout)
	go h.drainStderr(stderr)
	go h.waitForExit()

	return h, nil
}

func (h *handle) waitForExit() {
	_ = h.cmd.Wait()
	h.exited.Store(true)
	close(h.waitCh)
}

// Alive reports whether the child process has not yet exited.
func (h *handle) Alive() bool {
	return !h.exited.Load()
}

func (h *handle) drainStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		h.mu.Lock()
		sink := h.sink
		suppress := h.turnSeen
		h.mu.Unlock()

		events := parseLine(line, suppress)
		for _, ev := range events {
			if sink != nil {
				sink(ev)
			}
			if ev.Type == TurnEventResult {
				h.mu.Lock()
				if h.resultCh != nil {
					close(h.resultCh)
					h.resultCh = nil
					h.sink = nil
				}
				h.mu.Unlock()
			}
		}
	}
	if err := scanner.Err(); err != nil {
		h.logger.Warn("stdout drain ended with error", zap.Error(err))
	}
}

func (h *handle) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		h.mu.Lock()
		sink := h.sink
		h.mu.Unlock()
		if sink != nil {
			sink(TurnEvent{Type: TurnEventStderr, Text: line})
		}
	}
}

// sendTurn writes one prompt to stdin and blocks until a result event is
// observed, the context is cancelled, or ctx's deadline passes. events
// received during the turn (including the terminating result) are
// delivered to sink as they arrive.
func (h *handle) sendTurn(ctx context.Context, prompt string, sink func(TurnEvent)) error {
	if !h.Alive() {
		return fmt.Errorf("pool: process for key %s has exited", h.key)
	}

	h.mu.Lock()
	if h.resultCh != nil {
		h.mu.Unlock()
		return fmt.Errorf("pool: key %s already has a turn in flight", h.key)
	}
	h.resultCh = make(chan struct{})
	h.sink = sink
	resultCh := h.resultCh
	h.turnSeen = true
	h.mu.Unlock()

	line, err := newUserMessageLine(prompt)
	if err != nil {
		return fmt.Errorf("encode prompt: %w", err)
	}
	if _, err := h.stdin.Write(line); err != nil {
		h.exited.Store(true) // stdin-write failure: drop this entry, next turn respawns
		return fmt.Errorf("write prompt to stdin: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-resultCh:
		return nil
	case <-h.waitCh:
		return fmt.Errorf("pool: process for key %s exited mid-turn", h.key)
	}
}

// kill terminates the child process (process-group kill so npx/sh/node
// chains die together) and releases pipes.
func (h *handle) kill() {
	killProcGroup(h.cmd)
	_ = h.stdin.Close()
}
