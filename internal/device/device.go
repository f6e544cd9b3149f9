// Package device resolves the compute device a training run executes on.
package device

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// ErrUnsupported is returned for accelerator names this build cannot drive.
var ErrUnsupported = errors.New("device: unsupported device")

// Info describes the resolved device.
type Info struct {
	Name     string   `json:"name"`
	Brand    string   `json:"brand"`
	Cores    int      `json:"cores"`
	Threads  int      `json:"threads"`
	Features []string `json:"features"`
}

func (i Info) String() string {
	return fmt.Sprintf("%s (%s, %d threads, %s)", i.Name, i.Brand, i.Threads, strings.Join(i.Features, ","))
}

var simdFeatures = []cpuid.FeatureID{cpuid.SSE4, cpuid.AVX, cpuid.AVX2, cpuid.FMA3, cpuid.AVX512F, cpuid.ASIMD}

// Resolve maps a device name ("", "cpu", "cuda:0", ...) to a usable device.
func Resolve(name string) (Info, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch {
	case n == "" || n == "cpu":
		return describeCPU(), nil
	case strings.HasPrefix(n, "cuda"), n == "mps", strings.HasPrefix(n, "gpu"):
		return Info{}, fmt.Errorf("%w: %s", ErrUnsupported, name)
	default:
		return Info{}, fmt.Errorf("%w: unknown device %q", ErrUnsupported, name)
	}
}

func describeCPU() Info {
	info := Info{
		Name:    "cpu",
		Brand:   cpuid.CPU.BrandName,
		Cores:   cpuid.CPU.PhysicalCores,
		Threads: cpuid.CPU.LogicalCores,
	}
	if info.Brand == "" {
		info.Brand = runtime.GOARCH
	}
	if info.Threads <= 0 {
		info.Threads = runtime.NumCPU()
	}
	for _, f := range simdFeatures {
		if cpuid.CPU.Supports(f) {
			info.Features = append(info.Features, f.String())
		}
	}
	return info
}
