package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kennethnrk/chassis/internal/shell"
)

// Resolver pins the requirements.in of a context directory into
// requirements.txt.
type Resolver interface {
	Resolve(ctx context.Context, dir string) error
}

// PipCompileResolver runs pip-compile from pip-tools.
type PipCompileResolver struct {
	// Command overrides the executable and leading arguments, e.g.
	// []string{"python", "-m", "piptools", "compile"}.
	Command []string
	// Runner executes the command. Nil means os/exec.
	Runner shell.Runner
}

func (p PipCompileResolver) Resolve(ctx context.Context, dir string) error {
	command := p.Command
	if len(command) == 0 {
		command = []string{"pip-compile"}
	}
	run := p.Runner
	if run == nil {
		run = shell.Exec{}
	}
	args := append(append([]string(nil), command[1:]...),
		"--quiet", "--no-header", "--no-annotate",
		"--output-file", RequirementsTxtName, RequirementsInName)

	out, err := shell.Output(ctx, run, shell.Command{Name: command[0], Args: args, Dir: dir})
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return fmt.Errorf("%w: %w", ErrResolverFailed, err)
		}
		return fmt.Errorf("%w: %w: %s", ErrResolverFailed, err, msg)
	}
	if _, err := os.Stat(filepath.Join(dir, RequirementsTxtName)); err != nil {
		return fmt.Errorf("%w: %s was not written", ErrResolverFailed, RequirementsTxtName)
	}
	return nil
}

var headlessSubstitutions = []struct{ from, to string }{
	{"opencv-python=", "opencv-python-headless="},
	{"opencv-contrib-python=", "opencv-contrib-python-headless="},
}

const torchCPUIndex = "--extra-index-url https://download.pytorch.org/whl/cpu"

// postProcessRequirements swaps GUI packages for their headless variants and,
// for CPU images, points pip at the CPU-only PyTorch wheels.
func postProcessRequirements(reqs string, gpu bool) string {
	for _, s := range headlessSubstitutions {
		reqs = strings.ReplaceAll(reqs, s.from, s.to)
	}
	if !gpu && needsTorchIndex(reqs) && !strings.Contains(reqs, torchCPUIndex) {
		reqs = torchCPUIndex + "\n\n" + reqs
	}
	return reqs
}

func needsTorchIndex(reqs string) bool {
	for _, line := range strings.Split(reqs, "\n") {
		switch requirementName(line) {
		case "torch", "torchvision", "torchaudio":
			return true
		}
	}
	return false
}

// requirementName returns the lower-cased project name of a requirement line.
func requirementName(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") {
		return ""
	}
	end := strings.IndexAny(line, "=<>!~;[ @\t")
	if end >= 0 {
		line = line[:end]
	}
	return strings.ToLower(line)
}
