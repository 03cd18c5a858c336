// Package snapshot collects a system-metrics report for the local host.
package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// Report is the wire shape agents submit to /systeminfo.
type Report struct {
	Info        string               `json:"info"`
	CPUUsage    float64              `json:"cpu_usage"`
	MemoryUsage float64              `json:"memory_usage"`
	DiskUsage   map[string]DiskUsage `json:"disk_usage"`
	Processes   []string             `json:"processes"`
	Connections []string             `json:"connections"`
}

// DiskUsage describes one mounted filesystem.
type DiskUsage struct {
	Path              string  `json:"path"`
	Fstype            string  `json:"fstype"`
	Total             string  `json:"total"`
	Free              string  `json:"free"`
	Used              string  `json:"used"`
	UsedPercent       float64 `json:"usedPercent"`
	InodesTotal       uint64  `json:"inodesTotal"`
	InodesUsed        uint64  `json:"inodesUsed"`
	InodesFree        uint64  `json:"inodesFree"`
	InodesUsedPercent float64 `json:"inodesUsedPercent"`
}

// Collect samples the host. CPU usage is measured over interval. Only host
// info and memory are mandatory; the remaining collectors are best effort
// since process and socket listings often need privileges.
func Collect(ctx context.Context, interval time.Duration) (Report, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("host info: %w", err)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("memory: %w", err)
	}

	r := Report{
		Info:        fmt.Sprintf("%s %s %s %s %s", info.OS, info.Hostname, info.PlatformVersion, info.KernelVersion, info.KernelArch),
		MemoryUsage: vm.UsedPercent,
		DiskUsage:   map[string]DiskUsage{},
		Processes:   []string{},
		Connections: []string{},
	}

	if pct, err := cpu.PercentWithContext(ctx, interval, false); err == nil && len(pct) > 0 {
		r.CPUUsage = pct[0]
	}

	if procs, err := process.ProcessesWithContext(ctx); err == nil {
		for _, p := range procs {
			if name, err := p.NameWithContext(ctx); err == nil {
				r.Processes = append(r.Processes, name)
			}
		}
	}

	if conns, err := net.ConnectionsWithContext(ctx, "all"); err == nil {
		for _, c := range conns {
			r.Connections = append(r.Connections,
				fmt.Sprintf("%s:%d %s:%d %s", c.Laddr.IP, c.Laddr.Port, c.Raddr.IP, c.Raddr.Port, c.Status))
		}
	}

	if parts, err := disk.PartitionsWithContext(ctx, false); err == nil {
		for _, part := range parts {
			usage, err := disk.UsageWithContext(ctx, part.Mountpoint)
			if err != nil {
				continue
			}
			r.DiskUsage[part.Mountpoint] = DiskUsage{
				Path:              part.Mountpoint,
				Fstype:            part.Fstype,
				Total:             humanBytes(usage.Total),
				Free:              humanBytes(usage.Free),
				Used:              humanBytes(usage.Used),
				UsedPercent:       usage.UsedPercent,
				InodesTotal:       usage.InodesTotal,
				InodesUsed:        usage.InodesUsed,
				InodesFree:        usage.InodesFree,
				InodesUsedPercent: usage.InodesUsedPercent,
			}
		}
	}

	return r, nil
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
