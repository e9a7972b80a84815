package runner

import (
	"os"
	"path/filepath"
)

// DataDirEnv names the environment variable holding the packaged data
// directory inside a container.
const DataDirEnv = "CHASSIS_DATA_DIR"

// DefaultDataDir is the data directory relative to the image working directory.
const DefaultDataDir = "data"

// DataDir returns the directory packaged runners and additional files are
// read from.
func DataDir() string {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return dir
	}
	return DefaultDataDir
}

// PackagedPath resolves a file a predictor refers to. Paths that exist are
// returned as is, so predictors work before packaging; otherwise the file is
// looked up by base name in the data directory, where additional files are
// copied during context assembly.
func PackagedPath(path string) string {
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return filepath.Join(DataDir(), filepath.Base(path))
}
