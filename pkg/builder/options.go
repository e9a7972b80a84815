package builder

import (
	"fmt"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	ServerOMI    = "omi"
	ServerKServe = "kserve"

	DefaultPythonVersion = "3.9"
	// CUDAPythonVersion is the only interpreter available on the CUDA base
	// images.
	CUDAPythonVersion = "3.8"
)

// BuildOptions controls how a build context is assembled.
type BuildOptions struct {
	// BaseDir is where the context is written. Empty means a new temporary
	// directory. An existing directory must be empty.
	BaseDir string
	// Arch lists target architectures: amd64, arm64 or arm (aliases such as
	// x86_64 and aarch64 are accepted). Empty means the host architecture.
	Arch []string
	// PythonVersion is the interpreter of the base image, e.g. "3.9" or
	// "3.10.12".
	PythonVersion string
	// CUDAVersion selects an nvidia/cuda base image, e.g. "11.0.3".
	CUDAVersion string
	// Server is "omi" (default) or "kserve".
	Server string
	// RuntimeBinaries maps a normalized architecture to a linux build of the
	// serving binary. The running executable is used for the host
	// architecture on linux.
	RuntimeBinaries map[string]string
	// Resolver pins requirements.in into requirements.txt. Nil means pip-compile.
	Resolver Resolver
	// KeepFailedContext leaves a partially written context on disk when
	// assembly fails.
	KeepFailedContext bool
}

type resolvedOptions struct {
	arches    []string
	platforms []string
	python    string
	cuda      string
	server    string
	baseImage string
}

var pythonVersionRE = regexp.MustCompile(`^3\.(\d+)(\.\d+)?$`)

// NormalizeArch maps an architecture name or alias to its Docker TARGETARCH
// form.
func NormalizeArch(arch string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(arch)) {
	case "amd64", "x86_64", "x86-64":
		return "amd64", nil
	case "arm64", "aarch64", "arm64/v8":
		return "arm64", nil
	case "arm", "arm32", "armv7", "armv7l", "armhf", "arm/v7":
		return "arm", nil
	default:
		return "", fmt.Errorf("unsupported architecture %q", arch)
	}
}

// Platform returns the linux platform string of a normalized architecture.
func Platform(arch string) string {
	if arch == "arm" {
		return "linux/arm/v7"
	}
	return "linux/" + arch
}

func (o BuildOptions) resolve() (resolvedOptions, error) {
	var r resolvedOptions

	arches := o.Arch
	if len(arches) == 0 {
		arches = []string{runtime.GOARCH}
	}
	seen := make(map[string]bool)
	for _, a := range arches {
		norm, err := NormalizeArch(a)
		if err != nil {
			return r, err
		}
		if seen[norm] {
			continue
		}
		seen[norm] = true
		r.arches = append(r.arches, norm)
		r.platforms = append(r.platforms, Platform(norm))
	}

	r.server = strings.ToLower(o.Server)
	if r.server == "" {
		r.server = ServerOMI
	}
	if r.server != ServerOMI && r.server != ServerKServe {
		return r, fmt.Errorf("unsupported server %q, use %q or %q", o.Server, ServerOMI, ServerKServe)
	}

	r.python = o.PythonVersion
	if r.python == "" {
		r.python = DefaultPythonVersion
	}
	m := pythonVersionRE.FindStringSubmatch(r.python)
	if m == nil {
		return r, fmt.Errorf("invalid python version %q", r.python)
	}
	if minor, _ := strconv.Atoi(m[1]); minor < 8 {
		return r, fmt.Errorf("python %s is not supported, use 3.8 or newer", r.python)
	}

	r.cuda = strings.TrimSpace(o.CUDAVersion)
	if r.cuda != "" {
		if r.python != CUDAPythonVersion {
			log.Warn().Msgf("CUDA base images only support Python %s, using it instead of %s", CUDAPythonVersion, r.python)
			r.python = CUDAPythonVersion
		}
		r.baseImage = fmt.Sprintf("nvidia/cuda:%s-runtime-ubuntu20.04", r.cuda)
	} else {
		r.baseImage = fmt.Sprintf("python:%s-slim-bullseye", r.python)
	}
	return r, nil
}
