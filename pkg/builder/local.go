package builder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/kennethnrk/chassis/internal/shell"
)

const (
	ToolBuildah = "buildah"
	ToolDocker  = "docker"
)

// LocalBuilder builds images on this machine with buildah (the default) or
// docker. Only one platform is built; extra platforms are ignored with a
// warning.
type LocalBuilder struct {
	// Tool is "buildah" or "docker".
	Tool string
	// Runner executes the tool. Nil means os/exec.
	Runner shell.Runner
	// Output, if set, receives every log line as it is produced.
	Output io.Writer
}

// NewLocalBuilder returns a LocalBuilder for tool ("" means buildah).
func NewLocalBuilder(tool string) (*LocalBuilder, error) {
	switch tool {
	case "":
		tool = ToolBuildah
	case ToolBuildah, ToolDocker:
	default:
		return nil, fmt.Errorf("unsupported image builder %q", tool)
	}
	return &LocalBuilder{Tool: tool}, nil
}

func (b *LocalBuilder) tool() string {
	if b.Tool == "" {
		return ToolBuildah
	}
	return b.Tool
}

func (b *LocalBuilder) runner() shell.Runner {
	if b.Runner == nil {
		return shell.Exec{}
	}
	return b.Runner
}

// Build runs the image builder against bc. On failure the returned response
// has no image tag and the error is a *BuildError carrying the full logs.
func (b *LocalBuilder) Build(ctx context.Context, bc *BuildContext, opts ImageOptions) (*BuildResponse, error) {
	tag, err := SanitizeImageName(opts.Name, opts.tag())
	if err != nil {
		return nil, err
	}
	if len(bc.Platforms) == 0 {
		return nil, fmt.Errorf("%w: build context has no target platform", ErrContextAssembly)
	}
	platform := bc.Platforms[0]
	if len(bc.Platforms) > 1 {
		log.Warn().Msgf("%s builds a single platform at a time, using %s", b.tool(), platform)
	}

	var logs bytes.Buffer
	lines := shell.NewLineWriter(func(line string) {
		log.Info().Str("builder", b.tool()).Msg(line)
	})
	sinks := []io.Writer{&logs, lines}
	if b.Output != nil {
		sinks = append(sinks, b.Output)
	}
	out := io.MultiWriter(sinks...)

	log.Info().Str("tag", tag).Str("platform", platform).Msgf("Starting %s build", b.tool())
	err = b.runner().Run(ctx, shell.Command{
		Name: b.tool(),
		Args: []string{
			"build",
			"--platform", platform,
			"--build-arg", "TARGETARCH=" + targetArch(platform),
			"-t", tag,
			"-f", filepath.Join(bc.BaseDir, DockerfileName),
			bc.BaseDir,
		},
	}, out)
	if err == nil && opts.Push {
		log.Info().Str("tag", tag).Msg("Pushing image")
		err = b.runner().Run(ctx, shell.Command{Name: b.tool(), Args: b.pushArgs(tag, opts)}, out)
	}
	lines.Close()

	if err != nil {
		text := logs.String()
		log.Error().Err(err).Msg("Error in image build process")
		return &BuildResponse{
			Logs:         &text,
			Completed:    true,
			ErrorMessage: ptr(err.Error()),
		}, &BuildError{Err: err, Logs: text}
	}

	log.Info().Str("tag", tag).Msg("Image build complete")
	if !opts.KeepContext {
		if err := bc.Cleanup(); err != nil {
			log.Warn().Err(err).Str("dir", bc.BaseDir).Msg("failed to remove build context")
		}
	}
	text := logs.String()
	return &BuildResponse{
		ImageTag:  &tag,
		Logs:      &text,
		Success:   true,
		Completed: true,
	}, nil
}

// pushArgs returns the push arguments. docker has no per-command
// credentials; it relies on a prior docker login.
func (b *LocalBuilder) pushArgs(tag string, opts ImageOptions) []string {
	args := []string{"push"}
	if b.tool() == ToolBuildah {
		if opts.Credentials != nil {
			args = append(args, "--creds", opts.Credentials.Username+":"+opts.Credentials.Password)
		}
		if opts.InsecureRegistry {
			args = append(args, "--tls-verify=false")
		}
	} else if opts.Credentials != nil || opts.InsecureRegistry {
		log.Warn().Msg("docker push ignores registry credentials and TLS settings, configure them with docker login and the daemon")
	}
	return append(args, tag)
}

// targetArch extracts the Docker TARGETARCH value from a platform string.
func targetArch(platform string) string {
	parts := strings.Split(platform, "/")
	if len(parts) < 2 {
		return platform
	}
	return parts[1]
}
