package builder

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kennethnrk/chassis/pkg/runner"
)

// Context layout, relative to the base directory.
const (
	DockerfileName       = "Dockerfile"
	DockerignoreName     = ".dockerignore"
	EntrypointName       = "entrypoint.sh"
	RequirementsInName   = "requirements.in"
	RequirementsTxtName  = "requirements.txt"
	ChassisDirName       = "chassis"
	DataDirName          = runner.DefaultDataDir
	ModelInfoName        = "model_info"
	MetadataYAMLPath     = "chassis/metadata/model.yaml"
	ServerConfigName     = "server.yaml"
	RuntimeBinaryName    = "chassis"
	DefaultContainerPort = 45000
)

// RuntimeBinaryPath returns the context-relative path of the serving binary
// for a normalized architecture.
func RuntimeBinaryPath(arch string) string {
	return filepath.Join(ChassisDirName, "runtime", arch, RuntimeBinaryName)
}

// ServerDir returns the context-relative directory of an embedded server.
func ServerDir(server string) string {
	return filepath.Join(ChassisDirName, "server", server)
}

// ServerConfig is written to chassis/server/<server>/server.yaml and read by
// the serve command to pick the server and its defaults.
type ServerConfig struct {
	Server    string `yaml:"server"`
	Port      int    `yaml:"port"`
	Protocol  string `yaml:"protocol,omitempty"`
	ModelName string `yaml:"model_name,omitempty"`
}

// LoadServerConfig reads a server.yaml file.
func LoadServerConfig(path string) (ServerConfig, error) {
	var cfg ServerConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, nil
}

// BuildContext is a directory ready to be handed to an image builder.
type BuildContext struct {
	BaseDir    string
	ChassisDir string
	DataDir    string
	Platforms  []string
	Server     string
}

func newBuildContext(baseDir string, platforms []string, server string) *BuildContext {
	return &BuildContext{
		BaseDir:    baseDir,
		ChassisDir: filepath.Join(baseDir, ChassisDirName),
		DataDir:    filepath.Join(baseDir, DataDirName),
		Platforms:  platforms,
		Server:     server,
	}
}

// OpenContext wraps an already assembled context directory, for example one
// extracted from an upload. Platforms default to linux/amd64.
func OpenContext(dir string, platforms ...string) (*BuildContext, error) {
	if _, err := os.Stat(filepath.Join(dir, DockerfileName)); err != nil {
		return nil, fmt.Errorf("%w: %s has no %s", ErrContextAssembly, dir, DockerfileName)
	}
	if len(platforms) == 0 {
		platforms = []string{Platform("amd64")}
	}
	server := ""
	for _, name := range []string{ServerOMI, ServerKServe} {
		if fi, err := os.Stat(filepath.Join(dir, ServerDir(name))); err == nil && fi.IsDir() {
			server = name
			break
		}
	}
	return newBuildContext(dir, platforms, server), nil
}

// Cleanup removes the context directory.
func (c *BuildContext) Cleanup() error {
	return os.RemoveAll(c.BaseDir)
}

// Files lists the regular files of the context as slash-separated relative
// paths in sorted order.
func (c *BuildContext) Files() ([]string, error) {
	var files []string
	err := filepath.WalkDir(c.BaseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(c.BaseDir, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// Digest hashes the relative path and content of every file in the context.
// Two contexts with the same digest build the same image.
func (c *BuildContext) Digest() (string, error) {
	files, err := c.Files()
	if err != nil {
		return "", err
	}
	h := sha256.New()
	writeField := func(n uint64) {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], n)
		h.Write(b[:])
	}
	writeField(uint64(len(files)))
	for _, rel := range files {
		writeField(uint64(len(rel)))
		io.WriteString(h, rel)

		f, err := os.Open(filepath.Join(c.BaseDir, filepath.FromSlash(rel)))
		if err != nil {
			return "", err
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return "", err
		}
		writeField(uint64(fi.Size()))
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
