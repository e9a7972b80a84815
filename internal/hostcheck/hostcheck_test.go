package hostcheck

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kennethnrk/chassis/pkg/metadata"
)

func TestParseNVIDIASMI(t *testing.T) {
	gpus := parseNVIDIASMI("NVIDIA A10G, 23028 MiB\n\nTesla T4, 15360 MiB\nweird line\n")
	require.Len(t, gpus, 3)
	assert.Equal(t, GPU{Vendor: "nvidia", Model: "NVIDIA A10G", MemoryMiB: 23028}, gpus[0])
	assert.Equal(t, GPU{Vendor: "nvidia", Model: "Tesla T4", MemoryMiB: 15360}, gpus[1])
	assert.Equal(t, GPU{Vendor: "nvidia", Model: "weird line"}, gpus[2])

	assert.Empty(t, parseNVIDIASMI(""))
}

func TestParseROCmSMI(t *testing.T) {
	out := `
========================= ROCm System Management Interface =========================
=================================== Product Info ===================================
GPU[0]		: Card series: 		Instinct MI210
GPU[0]		: Card vendor: 		Advanced Micro Devices, Inc. [AMD/ATI]
GPU[1]		: Card series: 		Instinct MI210
====================================================================================
`
	gpus := parseROCmSMI(out)
	require.Len(t, gpus, 2)
	assert.Equal(t, GPU{Vendor: "amd", Model: "Instinct MI210"}, gpus[1])
	assert.Empty(t, parseROCmSMI("rocm-smi: command not found"))
}

func TestProbeWithoutNvidiaSMI(t *testing.T) {
	missing := func(context.Context, string, ...string) ([]byte, error) {
		return nil, errors.New("executable file not found")
	}
	host, err := probe(context.Background(), missing)
	require.NoError(t, err)
	assert.Positive(t, host.MemoryBytes)
	assert.Positive(t, host.CPUs)
	assert.Empty(t, host.GPUs)
}

func TestProbeWithGPU(t *testing.T) {
	smi := func(_ context.Context, name string, _ ...string) ([]byte, error) {
		if name != "nvidia-smi" {
			return nil, errors.New("executable file not found")
		}
		return []byte("NVIDIA L4, 23034 MiB\n"), nil
	}
	host, err := probe(context.Background(), smi)
	require.NoError(t, err)
	require.Len(t, host.GPUs, 1)
	assert.Equal(t, "NVIDIA L4", host.GPUs[0].Model)
}

func TestShortfalls(t *testing.T) {
	host := Host{MemoryBytes: 4 << 30, CPUs: 2}

	assert.Empty(t, Shortfalls(host, metadata.Resources{RequiredRAM: "512M", NumCPUs: 1}))

	got := Shortfalls(host, metadata.Resources{RequiredRAM: "8Gi", NumCPUs: 4, NumGPUs: 1})
	require.Len(t, got, 3)
	assert.Contains(t, got[0], "memory")
	assert.Contains(t, got[1], "CPUs")
	assert.Contains(t, got[2], "GPUs")
}
