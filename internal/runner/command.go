package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// DefaultCommandTimeout bounds a command whose config sets no timeout.
const DefaultCommandTimeout = 5 * time.Minute

// CommandConfig is the config accepted by Command.
type CommandConfig struct {
	Command string            `json:"command"`
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	// TimeoutMS is the attempt timeout in milliseconds.
	TimeoutMS int `json:"timeout,omitempty"`
}

// Command runs config.command through sh -c and streams its stdout and
// stderr lines through Task.Log. A non-zero exit status or a timeout fails
// the attempt.
type Command struct {
	Shell string
}

func (c Command) Run(ctx context.Context, task Task) error {
	var cfg CommandConfig
	if err := decodeConfig(task.Config, &cfg); err != nil {
		return fmt.Errorf("decode command config: %w", err)
	}
	if strings.TrimSpace(cfg.Command) == "" {
		return errors.New("command config: command is required")
	}

	timeout := DefaultCommandTimeout
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := c.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.CommandContext(runCtx, shell, "-c", cfg.Command)
	cmd.Dir = cfg.Dir
	cmd.WaitDelay = time.Second

	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Env = append(cmd.Env,
		"ORCHESTRATION_EXECUTION_ID="+task.ExecutionID,
		"ORCHESTRATION_TASK="+task.Name,
		fmt.Sprintf("ORCHESTRATION_ATTEMPT=%d", task.Attempt),
	)

	var (
		mu   sync.Mutex
		last string
	)
	emit := func(line string) {
		mu.Lock()
		defer mu.Unlock()
		last = line
		task.logf(line)
	}
	stdout := &lineWriter{emit: emit}
	stderr := &lineWriter{emit: emit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start command: %w", err)
	}

	waitErr := cmd.Wait()
	stdout.flush()
	stderr.flush()
	if waitErr == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("command timed out after %s", timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if last != "" {
			return fmt.Errorf("command exited with code %d: %s", exitErr.ExitCode(), last)
		}
		return fmt.Errorf("command exited with code %d", exitErr.ExitCode())
	}
	return fmt.Errorf("wait command: %w", waitErr)
}

func (Command) Describe() string {
	return "runs config.command with sh -c (config.timeout in ms, config.env)"
}

// lineWriter splits written bytes into lines and hands each complete line
// to emit. A trailing partial line is held until flush.
type lineWriter struct {
	emit func(string)
	buf  []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(strings.TrimSuffix(string(w.buf[:i]), "\r"))
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.buf) > 0 {
		w.emit(string(w.buf))
		w.buf = nil
	}
}
