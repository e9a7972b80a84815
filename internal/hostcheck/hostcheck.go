// Package hostcheck compares the resources of the machine a model runs on
// with the resource hints declared in its metadata.
package hostcheck

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/kennethnrk/chassis/pkg/metadata"
)

// GPU is an accelerator reported by nvidia-smi or rocm-smi.
type GPU struct {
	Vendor    string
	Model     string
	MemoryMiB int64
}

// Host describes the resources available to the model process.
type Host struct {
	MemoryBytes uint64
	CPUs        int
	GPUs        []GPU
}

// CommandOutput runs a command and returns its stdout.
type CommandOutput func(ctx context.Context, name string, args ...string) ([]byte, error)

func execOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// Probe inspects the current host.
func Probe(ctx context.Context) (Host, error) {
	return probe(ctx, execOutput)
}

func probe(ctx context.Context, run CommandOutput) (Host, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Host{}, fmt.Errorf("read memory: %w", err)
	}
	cpus, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		return Host{}, fmt.Errorf("count cpus: %w", err)
	}
	return Host{
		MemoryBytes: vm.Total,
		CPUs:        cpus,
		GPUs:        append(detectNVIDIA(ctx, run), detectAMD(ctx, run)...),
	}, nil
}

// detectNVIDIA lists NVIDIA GPUs. A missing nvidia-smi means no GPUs.
func detectNVIDIA(ctx context.Context, run CommandOutput) []GPU {
	out, err := run(ctx, "nvidia-smi", "--query-gpu=name,memory.total", "--format=csv,noheader")
	if err != nil {
		return nil
	}
	return parseNVIDIASMI(string(out))
}

// parseNVIDIASMI parses lines such as "NVIDIA A10G, 23028 MiB".
func parseNVIDIASMI(out string) []GPU {
	var gpus []GPU
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		gpu := GPU{Vendor: "nvidia", Model: strings.TrimSpace(parts[0])}
		if len(parts) >= 2 {
			memStr := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(parts[1]), "MiB"))
			if mib, err := strconv.ParseInt(memStr, 10, 64); err == nil {
				gpu.MemoryMiB = mib
			}
		}
		gpus = append(gpus, gpu)
	}
	return gpus
}

// detectAMD lists AMD GPUs. A missing rocm-smi means no GPUs.
func detectAMD(ctx context.Context, run CommandOutput) []GPU {
	out, err := run(ctx, "rocm-smi", "--showproductname")
	if err != nil {
		return nil
	}
	return parseROCmSMI(string(out))
}

// parseROCmSMI reads the "Card series" line of every card, such as
// "GPU[0]		: Card series:		Instinct MI210".
func parseROCmSMI(out string) []GPU {
	var gpus []GPU
	for _, line := range strings.Split(out, "\n") {
		_, model, ok := strings.Cut(line, "Card series:")
		if !ok {
			continue
		}
		gpus = append(gpus, GPU{Vendor: "amd", Model: strings.TrimSpace(model)})
	}
	return gpus
}

// Shortfalls lists the declared resources the host cannot provide. An empty
// result means the host satisfies every hint.
func Shortfalls(host Host, res metadata.Resources) []string {
	var out []string
	if res.RequiredRAM != "" {
		need, err := humanize.ParseBytes(res.RequiredRAM)
		if err == nil && host.MemoryBytes > 0 && need > host.MemoryBytes {
			out = append(out, fmt.Sprintf("model requires %s of memory, host has %s",
				humanize.IBytes(need), humanize.IBytes(host.MemoryBytes)))
		}
	}
	if host.CPUs > 0 && float64(res.NumCPUs) > float64(host.CPUs) {
		out = append(out, fmt.Sprintf("model requires %g CPUs, host has %d", res.NumCPUs, host.CPUs))
	}
	if int(res.NumGPUs) > len(host.GPUs) {
		out = append(out, fmt.Sprintf("model requires %d GPUs, host has %d", res.NumGPUs, len(host.GPUs)))
	}
	return out
}
