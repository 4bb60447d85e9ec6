// Package sampler reads host resource usage for the system monitor.
//
// The capability is chosen at construction time: New returns a gopsutil-backed
// sampler, Noop stands in where host metrics are unavailable. GPU figures are
// an optional probe on top of either.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"

	"github.com/ashita-ai/kansoku/internal/model"
)

// ErrUnavailable is returned by samplers that cannot read host metrics.
var ErrUnavailable = errors.New("sampler: resource sampling unavailable")

// Sampler takes one resource reading.
type Sampler interface {
	Sample(ctx context.Context) (model.SystemSample, error)
}

// GPUReading is one reading from a GPU probe.
type GPUReading struct {
	UtilizationPercent float64
	MemoryPercent      float64
}

// GPUProbe reads GPU utilization. ok is false when no device is present.
type GPUProbe interface {
	ReadGPU(ctx context.Context) (reading GPUReading, ok bool, err error)
}

// Option configures a host sampler.
type Option func(*Host)

// WithGPUProbe attaches a GPU probe. Without one the GPU fields stay nil.
func WithGPUProbe(p GPUProbe) Option {
	return func(h *Host) { h.gpu = p }
}

// WithDiskPath sets the filesystem whose usage is reported. Defaults to "/".
func WithDiskPath(path string) Option {
	return func(h *Host) { h.diskPath = path }
}

// WithCPUWindow sets how long a CPU reading measures. Zero compares against
// the previous call, which is what a periodic poller wants.
func WithCPUWindow(d time.Duration) Option {
	return func(h *Host) { h.cpuWindow = d }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(h *Host) { h.now = now }
}

// Host samples the local machine through gopsutil.
type Host struct {
	gpu       GPUProbe
	diskPath  string
	cpuWindow time.Duration
	now       func() time.Time
}

// New returns a host sampler.
func New(opts ...Option) *Host {
	h := &Host{diskPath: "/", now: time.Now}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Sample reads cpu, memory, disk and network counters. Memory is required;
// the other readings are left zero when their collector fails.
func (h *Host) Sample(ctx context.Context) (model.SystemSample, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return model.SystemSample{}, fmt.Errorf("sampler: read memory: %w", err)
	}
	s := model.SystemSample{
		MemoryPercent: vm.UsedPercent,
		SampledAt:     h.now().UTC(),
	}

	if pct, err := cpu.PercentWithContext(ctx, h.cpuWindow, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	}
	if du, err := disk.UsageWithContext(ctx, h.diskPath); err == nil {
		s.DiskPercent = du.UsedPercent
	}
	if io, err := net.IOCountersWithContext(ctx, false); err == nil && len(io) > 0 {
		s.NetBytesSent = io[0].BytesSent
		s.NetBytesRecv = io[0].BytesRecv
	}

	if h.gpu != nil {
		if g, ok, err := h.gpu.ReadGPU(ctx); err == nil && ok {
			util, memPct := g.UtilizationPercent, g.MemoryPercent
			s.GPUUtilization = &util
			s.GPUMemoryPercent = &memPct
		}
	}
	return s, nil
}

// Noop is the sampler used when host metrics cannot be read.
type Noop struct{}

// Sample always returns ErrUnavailable.
func (Noop) Sample(context.Context) (model.SystemSample, error) {
	return model.SystemSample{}, ErrUnavailable
}

// Func adapts a function to Sampler.
type Func func(ctx context.Context) (model.SystemSample, error)

// Sample calls f(ctx).
func (f Func) Sample(ctx context.Context) (model.SystemSample, error) { return f(ctx) }
