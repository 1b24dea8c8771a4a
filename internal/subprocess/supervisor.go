// Package subprocess supervises out-of-process commands (Roundtable,
// Builder). The contract: structured input on stdin, exactly one JSON
// object on stdout, free-form stderr. A deadline kills the whole process
// group so no child is orphaned. Results are data; nothing here panics
// past the caller.
package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// stderr capture cap; anything past this is truncated.
const stderrLimit = 4096

// Cmd describes one supervised invocation.
type Cmd struct {
	Argv    []string          // command and arguments
	Input   any               // marshaled to JSON on stdin
	Env     map[string]string // appended to the inherited environment
	Timeout time.Duration     // wall-clock deadline
	Dir     string            // working directory, "" = inherit
}

// Result is the parsed outcome. Err is set for any failure: spawn error,
// non-zero exit, timeout, or unparseable stdout.
type Result struct {
	Output   map[string]any // decoded stdout JSON, nil on failure
	Stderr   string         // captured stderr, truncated
	ExitCode int
	TimedOut bool
	Err      error
}

// Supervisor runs commands under the subprocess contract.
type Supervisor struct{}

// New creates a Supervisor.
func New() *Supervisor { return &Supervisor{} }

// Run executes the command. The context and Timeout both bound the call;
// whichever expires first kills the process group.
func (s *Supervisor) Run(ctx context.Context, c Cmd) Result {
	if len(c.Argv) == 0 {
		return Result{Err: fmt.Errorf("subprocess: empty argv")}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	input, err := json.Marshal(c.Input)
	if err != nil {
		return Result{Err: fmt.Errorf("subprocess input: %w", err)}
	}

	cmd := exec.Command(c.Argv[0], c.Argv[1:]...)
	cmd.Dir = c.Dir
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = os.Environ()
	for k, v := range c.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Own process group so the deadline can kill children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{Err: fmt.Errorf("subprocess start: %w", err)}
	}

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()

	var waitErr error
	timedOut := false
	select {
	case waitErr = <-waited:
	case <-runCtx.Done():
		timedOut = true
		killGroup(cmd)
		waitErr = <-waited // reap
	}

	res := Result{
		Stderr:   truncate(stderr.String()),
		ExitCode: cmd.ProcessState.ExitCode(),
		TimedOut: timedOut,
	}

	if timedOut {
		res.Err = fmt.Errorf("subprocess timed out after %s", c.Timeout)
		log.Error().Strs("argv", c.Argv).Dur("timeout", c.Timeout).Msg("subprocess timed out, process group killed")
		return res
	}
	if waitErr != nil {
		res.Err = fmt.Errorf("subprocess exited %d: %s", res.ExitCode, res.Stderr)
		return res
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		res.Err = fmt.Errorf("subprocess produced no output")
		return res
	}
	var parsed map[string]any
	if err := json.Unmarshal(out, &parsed); err != nil {
		res.Err = fmt.Errorf("subprocess output not JSON: %w", err)
		return res
	}
	res.Output = parsed
	return res
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Negative pid signals the whole group.
	_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}

func truncate(s string) string {
	if len(s) <= stderrLimit {
		return s
	}
	return s[:stderrLimit] + "...(truncated)"
}
