package conbuilder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Runner abstracts external command execution so the layer machinery can be
// tested against a recording fake. Every privileged operation in this package
// (mount, unmount, debootstrap, nspawn, rm) goes through a Runner.
type Runner interface {
	// Run executes the command, streaming its output to the user.
	Run(cmd *exec.Cmd) error
	// Capture executes the command and returns its stdout lines.
	Capture(cmd *exec.Cmd) ([]string, error)
}

// Executor provides a consistent interface for executing commands,
// abstracting away the privilege escalation (sudo) logic.
type Executor struct {
	Context         context.Context // The context to use for cancellation
	ShouldRunAsRoot bool            // ShouldRunAsRoot specifies whether the command MUST be executed with root privileges.
	Interactive     bool            // Interactive indicates whether the command may prompt the user
	UI              *UI
}

func NewExecutor(ctx context.Context, asRoot bool, ui *UI) *Executor {
	return &Executor{Context: ctx, ShouldRunAsRoot: asRoot, UI: ui}
}

// runInteractiveCommand executes a command attached to the TTY for prompts.
// It does not use process group isolation, making it suitable for `sudo -v`.
func runInteractiveCommand(ctx context.Context, name string, arg ...string) error {
	cmd := exec.CommandContext(ctx, name, arg...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// AuthenticateOnce performs a single sudo check at program start and keeps
// the ticket alive for the duration of the run.
func AuthenticateOnce(ctx context.Context, ui *UI) error {
	if os.Geteuid() == 0 {
		return nil // Already root
	}

	if err := runInteractiveCommand(ctx, "sudo", "-v"); err != nil {
		return fmt.Errorf("sudo authentication failed: %w", err)
	}

	go func() {
		ticker := time.NewTicker(4 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				exec.Command("sudo", "-nv").Run()
			}
		}
	}()

	ui.Arrowf("Authenticated via sudo")
	return nil
}

// ensureSudo checks if the sudo ticket is still valid and re-prompts if
// necessary. No action needed when already root or the command does not
// require root.
func (e *Executor) ensureSudo() error {
	if os.Geteuid() == 0 || !e.ShouldRunAsRoot {
		return nil
	}
	checkCmd := exec.CommandContext(e.Context, "sudo", "-nv")
	checkCmd.Stdout = io.Discard
	checkCmd.Stderr = io.Discard
	if err := checkCmd.Run(); err == nil {
		return nil
	}

	// The ticket has expired, re-authenticate interactively.
	e.UI.Arrowf("Sudo ticket has expired. Re-authenticating")
	if err := runInteractiveCommand(e.Context, "sudo", "-v"); err != nil {
		return fmt.Errorf("sudo re-authentication failed: %w", err)
	}
	return nil
}

// wrap builds the final command, elevating via sudo -E only when needed.
func (e *Executor) wrap(cmd *exec.Cmd) *exec.Cmd {
	var finalCmd *exec.Cmd
	basePath := cmd.Path
	baseArgs := cmd.Args[1:]

	if e.ShouldRunAsRoot && os.Geteuid() != 0 {
		args := append([]string{"-E", basePath}, baseArgs...)
		finalCmd = exec.CommandContext(e.Context, "sudo", args...)
	} else {
		finalCmd = exec.CommandContext(e.Context, basePath, baseArgs...)
	}
	finalCmd.Dir = cmd.Dir

	if len(cmd.Env) > 0 {
		finalCmd.Env = cmd.Env
	} else {
		finalCmd.Env = os.Environ()
	}
	return finalCmd
}

// Run executes the given command, streaming stdout to the user while
// capturing stderr for diagnostics. The child runs in its own process group
// so a cancelled context can kill the whole tree.
func (e *Executor) Run(cmd *exec.Cmd) error {
	_, err := e.execute(cmd, false)
	return err
}

// Capture executes the command and returns its stdout split into lines.
func (e *Executor) Capture(cmd *exec.Cmd) ([]string, error) {
	return e.execute(cmd, true)
}

func (e *Executor) execute(cmd *exec.Cmd, capture bool) ([]string, error) {
	if err := e.ensureSudo(); err != nil {
		return nil, err
	}

	finalCmd := e.wrap(cmd)
	e.UI.Commandf(strings.Join(finalCmd.Args, " "))

	var stderr bytes.Buffer
	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stderr = &stderr

	var out []string
	var stdout io.ReadCloser
	if capture {
		var err error
		stdout, err = finalCmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
	} else {
		finalCmd.Stdout = os.Stdout
	}

	if !e.Interactive {
		finalCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	if err := finalCmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	if !e.Interactive {
		pgid := finalCmd.Process.Pid
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-e.Context.Done():
				syscall.Kill(-pgid, syscall.SIGKILL)
			case <-done:
			}
		}()
	}

	var scanErr error
	if capture {
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			out = append(out, line)
			if e.UI.Verbose > 0 {
				e.UI.Infof("%s", line)
			}
		}
		if scanErr = scanner.Err(); scanErr != nil {
			// unblock the child so Wait below can return
			io.Copy(io.Discard, stdout)
		}
	}

	if waitErr := finalCmd.Wait(); waitErr != nil {
		if e.Context.Err() != nil {
			time.Sleep(100 * time.Millisecond)
			return out, fmt.Errorf("command aborted: %v", e.Context.Err())
		}
		return out, &CommandError{
			Command: strings.Join(cmd.Args, " "),
			Stderr:  stderr.String(),
			Err:     waitErr,
		}
	}
	if scanErr != nil {
		return out, &CommandError{
			Command: strings.Join(cmd.Args, " "),
			Stderr:  stderr.String(),
			Err:     scanErr,
		}
	}
	return out, nil
}
