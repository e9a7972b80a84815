package shell

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineWriter(t *testing.T) {
	var lines []string
	w := NewLineWriter(func(line string) { lines = append(lines, line) })

	_, _ = io.WriteString(w, "STEP 1/3: FROM python\nSTEP 2")
	assert.Equal(t, []string{"STEP 1/3: FROM python"}, lines)
	_, _ = io.WriteString(w, "/3: COPY\r\nSTEP 3/3")
	require.NoError(t, w.Close())
	assert.Equal(t, []string{"STEP 1/3: FROM python", "STEP 2/3: COPY", "STEP 3/3"}, lines)
}

func TestOutputUsesRunner(t *testing.T) {
	var seen Command
	r := RunFunc(func(_ context.Context, cmd Command, out io.Writer) error {
		seen = cmd
		_, err := io.WriteString(out, "ok")
		return err
	})
	out, err := Output(context.Background(), r, Command{Name: "pip-compile", Args: []string{"requirements.in"}, Dir: "/tmp"})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(out))
	assert.Equal(t, "pip-compile", seen.Name)
}

func TestExecCapturesCombinedOutput(t *testing.T) {
	var buf bytes.Buffer
	err := Exec{}.Run(context.Background(), Command{Name: "sh", Args: []string{"-c", "echo out; echo err >&2; exit 3"}}, &buf)
	require.Error(t, err)
	assert.Contains(t, buf.String(), "out")
	assert.Contains(t, buf.String(), "err")
}
