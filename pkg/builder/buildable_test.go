package builder

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kennethnrk/chassis/pkg/runner"
)

func TestAddRequirementsIsIdempotentAndOrderInsensitive(t *testing.T) {
	a := NewBuildable()
	a.AddRequirements("numpy\nscikit-learn==1.3.0\n\n# comment", "torch")
	a.AddRequirements("numpy")

	b := NewBuildable()
	b.AddRequirements("torch", "scikit-learn==1.3.0")
	b.AddRequirements("  numpy  ")

	assert.Equal(t, []string{"numpy", "scikit-learn==1.3.0", "torch"}, a.Requirements())
	assert.Equal(t, a.Requirements(), b.Requirements())
}

func TestAddAptPackages(t *testing.T) {
	b := NewBuildable()
	b.AddAptPackages("libgl1", "ffmpeg libsm6", "libgl1")
	assert.Equal(t, []string{"ffmpeg", "libgl1", "libsm6"}, b.AptPackages())
}

func TestMergePackage(t *testing.T) {
	a := NewBuildable()
	a.AddRequirements("numpy")
	a.AdditionalFiles().Add("/models/a.onnx")

	b := NewBuildable()
	b.AddRequirements("pandas")
	b.AddAptPackages("curl")
	b.AdditionalFiles().Add("/models/b.onnx")
	echo := runner.Echo()
	b.SetRunner(runner.ModelRole, echo)

	a.MergePackage(b)
	assert.Equal(t, []string{"numpy", "pandas"}, a.Requirements())
	assert.Equal(t, []string{"curl"}, a.AptPackages())
	assert.Equal(t, []string{"/models/a.onnx", "/models/b.onnx"}, a.AdditionalFiles().List())
	assert.Same(t, echo, a.Runner(runner.ModelRole))
}

func TestSetRunnerLastWriteWins(t *testing.T) {
	b := NewBuildable()
	first, second := runner.Echo(), runner.Echo()
	b.SetRunner(runner.ModelRole, first)
	b.SetRunner(runner.ModelRole, second)
	assert.Same(t, second, b.Runner(runner.ModelRole))
}
