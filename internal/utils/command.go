package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// ErrTimeout is matched by errors.Is on a *CommandError whose process was
// killed because it ran past its deadline.
var ErrTimeout = errors.New("command timed out")

type CommandError struct {
	Args     []string
	ExitCode int
	Output   []byte
	TimedOut bool
	Err      error
}

func (e *CommandError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("timed out %q", e.Args)
	}
	return fmt.Sprintf("failed to run %q: exit code %d: %v", e.Args, e.ExitCode, e.Err)
}

func (e *CommandError) Unwrap() error {
	if e.TimedOut {
		return ErrTimeout
	}
	return e.Err
}

type Command struct {
	Bin     string
	Args    []string
	Dir     string
	BaseEnv []string      // replaces os.Environ() when non-nil
	Env     []string      // appended to the base environment
	Timeout time.Duration // zero means no deadline other than ctx
}

// Run executes the command in its own process group and returns the combined
// output. On timeout or context cancellation the whole group is killed, so
// grandchildren do not outlive the call.
func (c Command) Run(ctx context.Context) ([]byte, error) {
	output := new(bytes.Buffer)
	cmd := exec.Command(c.Bin, c.Args...)
	cmd.Dir = c.Dir
	if c.BaseEnv != nil || len(c.Env) > 0 {
		base := c.BaseEnv
		if base == nil {
			base = os.Environ()
		}
		cmd.Env = append(append([]string{}, base...), c.Env...)
	}
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pdeathsig: syscall.SIGKILL}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %v %+v: %w", cmd.Path, cmd.Args, err)
	}

	var timer <-chan time.Time
	if c.Timeout > 0 {
		t := time.NewTimer(c.Timeout)
		defer t.Stop()
		timer = t.C
	}

	done := make(chan struct{})
	timedOut := make(chan bool, 1)
	go func() {
		select {
		case <-timer:
			timedOut <- true
			killGroup(cmd)
		case <-ctx.Done():
			timedOut <- false
			killGroup(cmd)
		case <-done:
			timedOut <- false
		}
	}()

	err := cmd.Wait()
	close(done)
	if err == nil {
		return output.Bytes(), nil
	}

	cmdErr := &CommandError{
		Args:     cmd.Args,
		ExitCode: -1,
		Output:   output.Bytes(),
		TimedOut: <-timedOut,
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cmdErr.ExitCode = exitErr.ExitCode()
	}
	if !cmdErr.TimedOut && ctx.Err() != nil {
		cmdErr.Err = ctx.Err()
	}
	return output.Bytes(), cmdErr
}

// RunCommand is a shorthand for Command{...}.Run.
func RunCommand(ctx context.Context, timeout time.Duration, dir string, bin string, args ...string) ([]byte, error) {
	return Command{Bin: bin, Args: args, Dir: dir, Timeout: timeout}.Run(ctx)
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	cmd.Process.Kill()
}

// IsTimeout reports whether err came from a command killed by its deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// WithoutOtelEnv drops OpenTelemetry variables so child processes do not
// export spans under our service name.
func WithoutOtelEnv(env []string) []string {
	filtered := make([]string, 0, len(env))
	for _, e := range env {
		if strings.HasPrefix(e, "OTEL_") || strings.HasPrefix(e, "OTLP_") {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}
