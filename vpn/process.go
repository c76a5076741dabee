package vpn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/yllada/vpn-sso/common"
)

// Exit describes how a VPN client process ended.
type Exit struct {
	Code int
	// Requested is set when the exit followed Interrupt or Kill.
	Requested bool
}

// Err returns nil for a requested exit and an *common.ExitError otherwise.
func (e Exit) Err() error {
	if e.Requested {
		return nil
	}
	return &common.ExitError{Code: e.Code}
}

// Handle controls a running VPN client process.
type Handle interface {
	PID() int
	// Write sends one line to the process input.
	Write(line string) error
	// Interrupt asks the process to shut down.
	Interrupt() error
	// Kill terminates the process immediately.
	Kill() error
	// Done is closed once the process has exited and its output is drained.
	Done() <-chan struct{}
	// Wait blocks until the process exits.
	Wait() Exit
}

// LineHandler receives each output line. Calls are serialized across
// stdout and stderr.
type LineHandler func(line string, h Handle)

// StartOptions describes one VPN client invocation.
type StartOptions struct {
	Binary  string
	Profile string
	// Helper prefixes the command, e.g. pkexec.
	Helper string
	// Prompts lets prompts printed without a trailing newline be delivered.
	Prompts PromptMatcher
}

// Runner spawns VPN client processes.
type Runner interface {
	Start(ctx context.Context, opts StartOptions, handler LineHandler) (Handle, error)
}

// ExecRunner runs the client as a child process.
type ExecRunner struct{}

// Start spawns "<binary> --config <profile>" from the binary's directory.
// Cancelling ctx interrupts the process.
func (ExecRunner) Start(ctx context.Context, opts StartOptions, handler LineHandler) (Handle, error) {
	if opts.Binary == "" {
		return nil, common.ErrBinaryNotFound
	}

	name, args := opts.Binary, []string{"--config", opts.Profile}
	if opts.Helper != "" {
		name, args = opts.Helper, append([]string{opts.Binary}, args...)
	}

	cmd := exec.Command(name, args...)
	cmd.Dir = binaryDir(opts.Binary)
	detach(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", name, err)
	}

	p := &Process{
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}
	common.LogInfo("OpenVPN process started with PID %d", p.PID())

	var handlerMu sync.Mutex
	var g errgroup.Group
	for _, r := range []io.Reader{stdout, stderr} {
		g.Go(func() error {
			scanner := bufio.NewScanner(r)
			scanner.Buffer(make([]byte, 0, 4096), maxLineLength)
			scanner.Split(promptSplit(opts.Prompts))
			for scanner.Scan() {
				line := scanner.Text()
				if handler != nil {
					handlerMu.Lock()
					handler(line, p)
					handlerMu.Unlock()
				}
			}
			err := scanner.Err()
			if err != nil {
				// Keep the pipe drained so the client never blocks on a
				// full buffer and its exit is still observed.
				_, _ = io.Copy(io.Discard, r)
			}
			return err
		})
	}

	go func() {
		if err := g.Wait(); err != nil && !errors.Is(err, os.ErrClosed) {
			common.LogDebug("OpenVPN output reader stopped: %v", err)
		}
		waitErr := cmd.Wait()
		p.exit = Exit{Code: exitCode(cmd, waitErr), Requested: p.requested.Load()}
		stdin.Close()
		close(p.done)
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = p.Interrupt()
		case <-p.done:
		}
	}()

	return p, nil
}

// maxLineLength is the longest output line delivered in one piece.
const maxLineLength = 64 * 1024

// Process is a VPN client started by ExecRunner.
type Process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	writeMu   sync.Mutex
	requested atomic.Bool
	done      chan struct{}
	exit      Exit
}

// PID implements Handle.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Write implements Handle.
func (p *Process) Write(line string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := io.WriteString(p.stdin, line+"\n")
	return err
}

// Interrupt implements Handle. Windows has no SIGINT for child processes,
// so the process is killed there.
func (p *Process) Interrupt() error {
	p.requested.Store(true)
	if runtime.GOOS == "windows" {
		return p.cmd.Process.Kill()
	}
	return p.cmd.Process.Signal(os.Interrupt)
}

// Kill implements Handle.
func (p *Process) Kill() error {
	p.requested.Store(true)
	return p.cmd.Process.Kill()
}

// Done implements Handle.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait implements Handle.
func (p *Process) Wait() Exit {
	<-p.done
	return p.exit
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// promptSplit splits on newlines like bufio.ScanLines, and also yields a
// pending partial line once it reads as an input prompt. Clients print
// prompts without a newline and block until answered.
// A line longer than maxLineLength is delivered in pieces.
func promptSplit(prompts PromptMatcher) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		advance, token, err := bufio.ScanLines(data, atEOF)
		if advance > 0 || token != nil || err != nil || atEOF {
			return advance, token, err
		}
		if len(data) >= maxLineLength {
			return maxLineLength, data[:maxLineLength], nil
		}
		if prompts != nil && len(data) > 0 && expectsInput(prompts.Match(string(data))) {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}

func binaryDir(path string) string {
	dir := filepath.Dir(path)
	if dir == "." {
		return ""
	}
	return dir
}
