package builder

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kennethnrk/chassis/pkg/runner"
)

type fakeResolver struct {
	calls  int
	pinned string
	err    error
}

func (f *fakeResolver) Resolve(_ context.Context, dir string) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(filepath.Join(dir, RequirementsTxtName), []byte(f.pinned), 0o644)
}

func sampleBuildable(t *testing.T) *Buildable {
	t.Helper()
	b := NewBuildable()
	b.Metadata.Info.Name = "Echo Model"
	b.Metadata.Info.Version = "0.0.1"
	b.Metadata.AddInput("input", nil, "", "anything")
	b.Metadata.AddOutput("results.json", "application/json", "1M", "echo")
	b.SetRunner(runner.ModelRole, runner.Echo())
	return b
}

func fakeRuntime(t *testing.T) map[string]string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chassis")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	return map[string]string{"amd64": path, "arm64": path, "arm": path}
}

func sampleOptions(t *testing.T, resolver Resolver) BuildOptions {
	return BuildOptions{
		BaseDir:         filepath.Join(t.TempDir(), "context"),
		Arch:            []string{"amd64"},
		RuntimeBinaries: fakeRuntime(t),
		Resolver:        resolver,
	}
}
