package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kennethnrk/chassis/internal/shell"
)

type recordedRun struct {
	commands []shell.Command
	fail     map[string]error
}

func (r *recordedRun) runner() shell.Runner {
	return shell.RunFunc(func(_ context.Context, cmd shell.Command, out io.Writer) error {
		r.commands = append(r.commands, cmd)
		fmt.Fprintf(out, "STEP %s\n", cmd.Args[0])
		return r.fail[cmd.Args[0]]
	})
}

func preparedContext(t *testing.T) *BuildContext {
	t.Helper()
	bc, err := sampleBuildable(t).PrepareContext(context.Background(), sampleOptions(t, nil))
	require.NoError(t, err)
	return bc
}

func TestLocalBuildSuccess(t *testing.T) {
	bc := preparedContext(t)
	rec := &recordedRun{}
	var live bytes.Buffer
	b := &LocalBuilder{Tool: ToolDocker, Runner: rec.runner(), Output: &live}

	resp, err := b.Build(context.Background(), bc, ImageOptions{Name: "Echo Model", Tag: "0.0.1"})
	require.NoError(t, err)
	require.NotNil(t, resp.ImageTag)
	assert.Equal(t, "Echo-Model:0.0.1", *resp.ImageTag)
	assert.True(t, resp.Success)
	assert.True(t, resp.Completed)
	assert.Equal(t, "STEP build\n", *resp.Logs)
	assert.Equal(t, "STEP build\n", live.String())

	require.Len(t, rec.commands, 1)
	assert.Equal(t, ToolDocker, rec.commands[0].Name)
	assert.Equal(t, []string{
		"build", "--platform", "linux/amd64", "--build-arg", "TARGETARCH=amd64",
		"-t", "Echo-Model:0.0.1", "-f", filepath.Join(bc.BaseDir, DockerfileName), bc.BaseDir,
	}, rec.commands[0].Args)

	_, err = os.Stat(bc.BaseDir)
	assert.True(t, os.IsNotExist(err), "context should be removed after a successful build")
}

func TestLocalBuildPushAndKeepContext(t *testing.T) {
	bc := preparedContext(t)
	rec := &recordedRun{}
	b := &LocalBuilder{Runner: rec.runner()}

	_, err := b.Build(context.Background(), bc, ImageOptions{Name: "echo", Push: true, KeepContext: true})
	require.NoError(t, err)
	require.Len(t, rec.commands, 2)
	assert.Equal(t, ToolBuildah, rec.commands[1].Name)
	assert.Equal(t, []string{"push", "echo:latest"}, rec.commands[1].Args)
	assert.DirExists(t, bc.BaseDir)
}

func TestLocalBuildPushCredentials(t *testing.T) {
	creds := &Credentials{Username: "user", Password: "pass"}
	opts := ImageOptions{Credentials: creds, InsecureRegistry: true}

	buildah := &LocalBuilder{}
	assert.Equal(t, []string{"push", "--creds", "user:pass", "--tls-verify=false", "reg/echo:1"}, buildah.pushArgs("reg/echo:1", opts))

	docker := &LocalBuilder{Tool: ToolDocker}
	assert.Equal(t, []string{"push", "reg/echo:1"}, docker.pushArgs("reg/echo:1", opts))
}

func TestLocalBuildFailure(t *testing.T) {
	bc := preparedContext(t)
	cause := errors.New("exit status 1")
	rec := &recordedRun{fail: map[string]error{"build": cause}}
	b := &LocalBuilder{Runner: rec.runner()}

	resp, err := b.Build(context.Background(), bc, ImageOptions{Name: "echo"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBuildFailed)
	assert.ErrorIs(t, err, cause)

	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, "STEP build\n", buildErr.Logs)

	require.NotNil(t, resp)
	assert.Nil(t, resp.ImageTag)
	assert.False(t, resp.Success)
	assert.True(t, resp.Completed)
	assert.Equal(t, "exit status 1", *resp.ErrorMessage)
	assert.DirExists(t, bc.BaseDir)
}

func TestNewLocalBuilder(t *testing.T) {
	b, err := NewLocalBuilder("")
	require.NoError(t, err)
	assert.Equal(t, ToolBuildah, b.Tool)

	_, err = NewLocalBuilder("kaniko")
	assert.Error(t, err)

	assert.Equal(t, "arm", targetArch("linux/arm/v7"))
	assert.Equal(t, "amd64", targetArch("amd64"))
}
