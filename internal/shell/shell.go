// Package shell runs external tools. Callers depend on the Runner interface
// so tests can substitute the tools.
package shell

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Command describes one process invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env is appended to the current environment.
	Env []string
}

// Runner executes a command, writing its combined stdout and stderr to out.
type Runner interface {
	Run(ctx context.Context, cmd Command, out io.Writer) error
}

// RunFunc adapts a function to Runner.
type RunFunc func(ctx context.Context, cmd Command, out io.Writer) error

func (f RunFunc) Run(ctx context.Context, cmd Command, out io.Writer) error {
	return f(ctx, cmd, out)
}

// Exec runs commands with os/exec.
type Exec struct{}

func (Exec) Run(ctx context.Context, c Command, out io.Writer) error {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	if out == nil {
		out = io.Discard
	}
	cmd.Stdout = out
	cmd.Stderr = out
	return cmd.Run()
}

// Output runs cmd and returns its combined output.
func Output(ctx context.Context, r Runner, cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	err := r.Run(ctx, cmd, &buf)
	return buf.Bytes(), err
}

// LineWriter calls fn for every complete line written to it. Close flushes
// a trailing partial line.
type LineWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
	fn  func(line string)
}

func NewLineWriter(fn func(line string)) *LineWriter {
	return &LineWriter{fn: fn}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf.Next(i+1), "\r\n"))
		w.fn(line)
	}
	return len(p), nil
}

func (w *LineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		sc := bufio.NewScanner(&w.buf)
		for sc.Scan() {
			w.fn(sc.Text())
		}
		w.buf.Reset()
	}
	return nil
}
