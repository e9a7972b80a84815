package builder

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/kennethnrk/chassis/pkg/metadata"
	"github.com/kennethnrk/chassis/pkg/runner"
)

// StringSet is an unordered set of strings that lists its members sorted.
type StringSet map[string]struct{}

func (s StringSet) add(v string) {
	s[v] = struct{}{}
}

// List returns the members in sorted order.
func (s StringSet) List() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (s StringSet) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// FileSet holds host files to copy into the image data directory.
type FileSet struct {
	files StringSet
}

// Add registers a host file. Relative paths are made absolute against the
// current working directory. The file must exist when the context is
// prepared.
func (f *FileSet) Add(path string) {
	if f.files == nil {
		f.files = make(StringSet)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	f.files.add(path)
}

// List returns the registered paths sorted.
func (f *FileSet) List() []string {
	return f.files.List()
}

func (f *FileSet) Len() int { return len(f.files) }

// Buildable accumulates everything needed to assemble a build context: model
// metadata, pip requirements, apt packages, additional files and the runners
// to serialize, keyed by role.
type Buildable struct {
	Metadata *metadata.ModelMetadata

	requirements StringSet
	aptPackages  StringSet
	files        FileSet
	runners      map[string]*runner.Runner
}

// NewBuildable returns an empty Buildable with default metadata.
func NewBuildable() *Buildable {
	return &Buildable{Metadata: metadata.Default()}
}

// AddRequirements adds pip requirement lines. Each argument may hold several
// lines; blank lines and comments are dropped. Adding a requirement twice
// has no effect.
func (b *Buildable) AddRequirements(lines ...string) {
	if b.requirements == nil {
		b.requirements = make(StringSet)
	}
	for _, chunk := range lines {
		for _, line := range strings.Split(chunk, "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			b.requirements.add(line)
		}
	}
}

// AddAptPackages adds OS packages installed with apt-get in the image.
func (b *Buildable) AddAptPackages(names ...string) {
	if b.aptPackages == nil {
		b.aptPackages = make(StringSet)
	}
	for _, name := range names {
		for _, field := range strings.Fields(name) {
			b.aptPackages.add(field)
		}
	}
}

// Requirements returns the pip requirements sorted.
func (b *Buildable) Requirements() []string { return b.requirements.List() }

// AptPackages returns the apt packages sorted.
func (b *Buildable) AptPackages() []string { return b.aptPackages.List() }

// AdditionalFiles returns the set of host files copied into the data
// directory under their base names.
func (b *Buildable) AdditionalFiles() *FileSet { return &b.files }

// SetRunner stores r under role, replacing any previous runner.
func (b *Buildable) SetRunner(role string, r *runner.Runner) {
	if b.runners == nil {
		b.runners = make(map[string]*runner.Runner)
	}
	b.runners[role] = r
}

// Runner returns the runner stored under role.
func (b *Buildable) Runner(role string) *runner.Runner {
	return b.runners[role]
}

// MergePackage adds the requirements, apt packages, files and runners of
// other. Runners of other replace runners with the same role.
func (b *Buildable) MergePackage(other *Buildable) {
	b.AddRequirements(other.Requirements()...)
	b.AddAptPackages(other.AptPackages()...)
	for _, f := range other.files.List() {
		b.files.Add(f)
	}
	for role, r := range other.runners {
		b.SetRunner(role, r)
	}
}

func (b *Buildable) roles() []string {
	roles := make([]string, 0, len(b.runners))
	for role := range b.runners {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}
