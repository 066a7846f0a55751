package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Result is the outcome of a finished command.
type Result struct {
	ExitCode int
	Output   string
}

// RunOptions controls how Run executes a command line.
type RunOptions struct {
	Dir string
	Env []string
	// Log receives every output line; nil discards.
	Log    io.Writer
	Logger *slog.Logger
}

// Run executes command through /bin/sh, streaming stdout and stderr line by
// line to opts.Log. A non-zero exit status is returned as an error.
func Run(ctx context.Context, command string, opts RunOptions) (Result, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: 1}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{ExitCode: 1}, fmt.Errorf("stderr pipe: %w", err)
	}

	if opts.Logger != nil {
		opts.Logger.Info("running command", "command", command, "dir", opts.Dir)
	}
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: 1}, fmt.Errorf("start command: %w", err)
	}

	// Protects concurrent writes to opts.Log from the two readers.
	var writeMu sync.Mutex
	var output strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(stdoutPipe, opts.Log, &writeMu, &output)
	}()
	go func() {
		defer wg.Done()
		streamLines(stderrPipe, opts.Log, &writeMu, &output)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	res := Result{Output: output.String()}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = 1
		}
		if ctx.Err() != nil {
			return res, fmt.Errorf("command cancelled: %w", ctx.Err())
		}
		return res, fmt.Errorf("command %q exited with code %d", command, res.ExitCode)
	}
	return res, nil
}

// streamLines copies lines from r to log (under mu) and into output.
func streamLines(r io.Reader, log io.Writer, mu *sync.Mutex, output *strings.Builder) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		mu.Lock()
		output.WriteString(line + "\n")
		if log != nil {
			fmt.Fprintln(log, line)
		}
		mu.Unlock()
	}
}

// Output runs command through /bin/sh and returns its stdout and exit code.
// A non-zero exit is not an error; failing to start is.
func Output(ctx context.Context, command, dir string, env []string) (string, int, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(out), exitErr.ExitCode(), nil
		}
		return string(out), -1, fmt.Errorf("run %q: %w", command, err)
	}
	return string(out), 0, nil
}
