package builder

import (
	"bytes"
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/kennethnrk/chassis/pkg/runner"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("").
	Funcs(template.FuncMap{"join": strings.Join}).
	ParseFS(templateFS, "templates/*.tmpl"))

type dockerfileData struct {
	BaseImage       string
	CUDA            bool
	AptPackages     []string
	HasRequirements bool
	Port            int
}

type contextFile struct {
	rel  string
	data []byte
	mode os.FileMode
}

func render(name string, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return nil, fmt.Errorf("render %s: %w", name, err)
	}
	return buf.Bytes(), nil
}

// PrepareContext verifies the Buildable and writes a complete build context
// directory. On failure the partially written directory is removed unless
// opts.KeepFailedContext is set.
func (b *Buildable) PrepareContext(ctx context.Context, opts BuildOptions) (*BuildContext, error) {
	if b.Metadata == nil {
		return nil, errors.New("buildable has no metadata")
	}
	if err := b.Metadata.VerifyPrerequisites(); err != nil {
		return nil, err
	}
	if err := b.Metadata.Validate(); err != nil {
		return nil, err
	}
	ro, err := opts.resolve()
	if err != nil {
		return nil, fmt.Errorf("build options: %w", err)
	}

	if b.Runner(runner.ModelRole) == nil {
		return nil, fmt.Errorf("%w: no runner for role %q", runner.ErrInvalidConfiguration, runner.ModelRole)
	}
	pickled := make(map[string][]byte, len(b.runners))
	for _, role := range b.roles() {
		data, err := b.runners[role].MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("serialize %s runner: %w", role, err)
		}
		pickled[role] = data
	}

	files, err := b.checkAdditionalFiles()
	if err != nil {
		return nil, err
	}
	binaries, err := runtimeBinaries(ro.arches, opts.RuntimeBinaries)
	if err != nil {
		return nil, err
	}

	baseDir, created, err := makeBaseDir(opts.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrContextAssembly, err)
	}
	bc := newBuildContext(baseDir, ro.platforms, ro.server)
	log.Info().Str("dir", baseDir).Strs("platforms", ro.platforms).Msg("Using build directory")

	if err := b.writeContext(ctx, bc, ro, opts, pickled, files, binaries); err != nil {
		if opts.KeepFailedContext {
			log.Warn().Str("dir", baseDir).Msg("keeping failed build context")
		} else {
			discardBaseDir(baseDir, created)
		}
		return nil, err
	}
	return bc, nil
}

func (b *Buildable) writeContext(ctx context.Context, bc *BuildContext, ro resolvedOptions, opts BuildOptions,
	pickled map[string][]byte, files []string, binaries map[string]string) error {
	for _, dir := range []string{bc.DataDir, filepath.Join(bc.BaseDir, ServerDir(ro.server)), filepath.Join(bc.BaseDir, filepath.Dir(MetadataYAMLPath))} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %w", ErrContextAssembly, err)
		}
	}

	reqs := b.Requirements()
	dockerfile, err := render("Dockerfile.tmpl", dockerfileData{
		BaseImage:       ro.baseImage,
		CUDA:            ro.cuda != "",
		AptPackages:     b.AptPackages(),
		HasRequirements: len(reqs) > 0,
		Port:            DefaultContainerPort,
	})
	if err != nil {
		return err
	}
	dockerignore, err := render("dockerignore.tmpl", nil)
	if err != nil {
		return err
	}
	entrypoint, err := render("entrypoint.sh.tmpl", nil)
	if err != nil {
		return err
	}
	metaYAML, err := b.Metadata.ToYAML()
	if err != nil {
		return err
	}
	serverCfg := ServerConfig{Server: ro.server, Port: DefaultContainerPort}
	if ro.server == ServerKServe {
		serverCfg.Protocol = "v2"
		serverCfg.ModelName = "default"
	}
	serverYAML, err := yaml.Marshal(serverCfg)
	if err != nil {
		return err
	}
	modelInfo, err := b.Metadata.Serialize()
	if err != nil {
		return err
	}
	requirementsIn := ""
	if len(reqs) > 0 {
		requirementsIn = strings.Join(reqs, "\n") + "\n"
	}

	writes := []contextFile{
		{DockerfileName, dockerfile, 0o644},
		{DockerignoreName, dockerignore, 0o644},
		{EntrypointName, entrypoint, 0o755},
		{MetadataYAMLPath, metaYAML, 0o644},
		{filepath.Join(ServerDir(ro.server), ServerConfigName), serverYAML, 0o644},
		{filepath.Join(DataDirName, ModelInfoName), modelInfo, 0o644},
		{RequirementsInName, []byte(requirementsIn), 0o644},
	}
	for _, role := range b.roles() {
		writes = append(writes, contextFile{filepath.Join(DataDirName, runner.FileNameForRole(role)), pickled[role], 0o644})
	}
	for _, w := range writes {
		if err := os.WriteFile(filepath.Join(bc.BaseDir, w.rel), w.data, w.mode); err != nil {
			return fmt.Errorf("%w: write %s: %w", ErrContextAssembly, w.rel, err)
		}
	}

	for _, arch := range ro.arches {
		dst := filepath.Join(bc.BaseDir, RuntimeBinaryPath(arch))
		if err := copyFile(binaries[arch], dst, 0o755); err != nil {
			return fmt.Errorf("%w: copy runtime binary for %s: %w", ErrContextAssembly, arch, err)
		}
	}
	for _, src := range files {
		dst := filepath.Join(bc.DataDir, filepath.Base(src))
		if err := copyFile(src, dst, 0o644); err != nil {
			return fmt.Errorf("%w: copy %s: %w", ErrContextAssembly, src, err)
		}
	}

	reqPath := filepath.Join(bc.BaseDir, RequirementsTxtName)
	if len(reqs) == 0 {
		if err := os.WriteFile(reqPath, nil, 0o644); err != nil {
			return fmt.Errorf("%w: %w", ErrContextAssembly, err)
		}
		return nil
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = PipCompileResolver{}
	}
	if err := resolver.Resolve(ctx, bc.BaseDir); err != nil {
		return err
	}
	pinned, err := os.ReadFile(reqPath)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrResolverFailed, err)
	}
	processed := postProcessRequirements(string(pinned), ro.cuda != "")
	if err := os.WriteFile(reqPath, []byte(processed), 0o644); err != nil {
		return fmt.Errorf("%w: %w", ErrContextAssembly, err)
	}
	return nil
}

// checkAdditionalFiles returns the registered files sorted by path after
// checking they exist and that their base names neither collide with each
// other nor with files the context writes to the data directory.
func (b *Buildable) checkAdditionalFiles() ([]string, error) {
	reserved := map[string]string{ModelInfoName: "model metadata"}
	for _, role := range b.roles() {
		reserved[runner.FileNameForRole(role)] = role + " runner"
	}
	files := b.files.List()
	for _, path := range files {
		fi, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("%w: additional file: %w", ErrContextAssembly, err)
		}
		if !fi.Mode().IsRegular() {
			return nil, fmt.Errorf("%w: additional file %s is not a regular file", ErrContextAssembly, path)
		}
		base := filepath.Base(path)
		if owner, ok := reserved[base]; ok {
			return nil, fmt.Errorf("%w: additional file %s collides with %s", ErrContextAssembly, path, owner)
		}
		reserved[base] = path
	}
	return files, nil
}

// runtimeBinaries finds a linux serving binary for every architecture.
func runtimeBinaries(arches []string, configured map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(arches))
	for _, arch := range arches {
		if path := configured[arch]; path != "" {
			out[arch] = path
			continue
		}
		if runtime.GOOS == "linux" && arch == runtime.GOARCH {
			exe, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("%w: locate runtime binary: %w", ErrContextAssembly, err)
			}
			out[arch] = exe
			continue
		}
		return nil, fmt.Errorf("%w: no runtime binary for %s, build one with GOOS=linux GOARCH=%s and set BuildOptions.RuntimeBinaries",
			ErrContextAssembly, Platform(arch), arch)
	}
	return out, nil
}

func makeBaseDir(dir string) (string, bool, error) {
	if dir == "" {
		d, err := os.MkdirTemp("", "chassis-")
		return d, true, err
	}
	entries, err := os.ReadDir(dir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return dir, true, os.MkdirAll(dir, 0o755)
	case err != nil:
		return "", false, err
	case len(entries) > 0:
		return "", false, fmt.Errorf("base directory %s is not empty", dir)
	}
	return dir, false, nil
}

func discardBaseDir(dir string, created bool) {
	if created {
		os.RemoveAll(dir)
		return
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		os.RemoveAll(filepath.Join(dir, e.Name()))
	}
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
