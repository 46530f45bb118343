// Package hostinfo reads OS level metrics through gopsutil. It is the
// timestamp source for GPU reports and backs the system endpoint.
package hostinfo

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a thin view of the host.
type Snapshot struct {
	Hostname        string    `json:"hostname"`
	OS              string    `json:"os"`
	Platform        string    `json:"platform"`
	PlatformVersion string    `json:"platform_version"`
	KernelVersion   string    `json:"kernel_version"`
	Architecture    string    `json:"architecture"`
	BootTime        uint64    `json:"boot_time"`
	UptimeSeconds   uint64    `json:"uptime_seconds"`
	CPU             CPU       `json:"cpu"`
	Memory          *Memory   `json:"memory"`
	Load            *Load     `json:"load"`
	Timestamp       time.Time `json:"timestamp"`
}

type CPU struct {
	Model         string `json:"model,omitempty"`
	PhysicalCores int    `json:"physical_cores"`
	LogicalCores  int    `json:"logical_cores"`
}

type Memory struct {
	Total       uint64  `json:"total"`
	Available   uint64  `json:"available"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"used_percent"`
}

type Load struct {
	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`
}

// Collector queries the host on every call; it keeps no state.
type Collector struct {
	logger *slog.Logger
	now    func() time.Time
}

// New returns a host collector.
func New(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Collector{
		logger: logger.With("component", "hostinfo"),
		now:    time.Now,
	}
}

// Timestamp returns the current time once the OS metrics interface has
// answered. A host without a readable uptime cannot stamp reports.
func (c *Collector) Timestamp(ctx context.Context) (time.Time, error) {
	if _, err := host.UptimeWithContext(ctx); err != nil {
		return time.Time{}, fmt.Errorf("read host uptime: %w", err)
	}
	return c.now().UTC(), nil
}

// Snapshot reads host identity, CPU counts, memory and load averages.
// Only the host identity is required; the rest is best effort.
func (c *Collector) Snapshot(ctx context.Context) (Snapshot, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read host info: %w", err)
	}

	snap := Snapshot{
		Hostname:        info.Hostname,
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelVersion:   info.KernelVersion,
		Architecture:    info.KernelArch,
		BootTime:        info.BootTime,
		UptimeSeconds:   info.Uptime,
		Timestamp:       c.now().UTC(),
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPU.LogicalCores = n
	} else {
		c.logger.Debug("logical cpu count unavailable", "err", err)
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil {
		snap.CPU.PhysicalCores = n
	} else {
		c.logger.Debug("physical cpu count unavailable", "err", err)
	}
	if infos, err := cpu.InfoWithContext(ctx); err == nil && len(infos) > 0 {
		snap.CPU.Model = infos[0].ModelName
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.Memory = &Memory{
			Total:       vm.Total,
			Available:   vm.Available,
			Used:        vm.Used,
			UsedPercent: vm.UsedPercent,
		}
	} else {
		c.logger.Debug("memory stats unavailable", "err", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.Load = &Load{Load1: avg.Load1, Load5: avg.Load5, Load15: avg.Load15}
	} else {
		c.logger.Debug("load average unavailable", "err", err)
	}

	return snap, nil
}
