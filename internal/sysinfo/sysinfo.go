// Package sysinfo samples the host state shown alongside maintenance
// results: disk pressure, memory, CPU load, and the heaviest processes.
package sysinfo

import (
	"context"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/sweepkit/broker/internal/logging"
)

var log = logging.L("sysinfo")

// Snapshot is one point-in-time sample of host state.
type Snapshot struct {
	CollectedAt time.Time     `json:"collectedAt"`
	Hostname    string        `json:"hostname"`
	Platform    string        `json:"platform"`
	OSVersion   string        `json:"osVersion"`
	UptimeSec   uint64        `json:"uptimeSec"`
	CPUPercent  float64       `json:"cpuPercent"`
	Memory      MemoryInfo    `json:"memory"`
	Disks       []DiskInfo    `json:"disks"`
	TopByMemory []ProcessInfo `json:"topByMemory,omitempty"`
}

// MemoryInfo summarizes physical memory.
type MemoryInfo struct {
	TotalBytes  uint64  `json:"totalBytes"`
	UsedBytes   uint64  `json:"usedBytes"`
	UsedPercent float64 `json:"usedPercent"`
}

// DiskInfo summarizes one mounted filesystem.
type DiskInfo struct {
	Mountpoint  string  `json:"mountpoint"`
	Filesystem  string  `json:"filesystem"`
	TotalBytes  uint64  `json:"totalBytes"`
	FreeBytes   uint64  `json:"freeBytes"`
	UsedPercent float64 `json:"usedPercent"`
}

// ProcessInfo identifies one heavy process.
type ProcessInfo struct {
	PID      int32   `json:"pid"`
	Name     string  `json:"name"`
	RSSBytes uint64  `json:"rssBytes"`
	CPUPct   float64 `json:"cpuPct"`
}

// Collect gathers a snapshot. Individual collectors failing degrade the
// snapshot instead of aborting it; a machine with an unreadable mount
// still reports its memory pressure.
func Collect(ctx context.Context, topN int) (*Snapshot, error) {
	snap := &Snapshot{CollectedAt: time.Now().UTC()}

	if info, err := host.InfoWithContext(ctx); err == nil {
		snap.Hostname = info.Hostname
		snap.Platform = info.Platform
		snap.OSVersion = info.PlatformVersion
		snap.UptimeSec = info.Uptime
	} else {
		log.Warn("host info unavailable", "error", err)
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.Memory = MemoryInfo{
			TotalBytes:  vm.Total,
			UsedBytes:   vm.Used,
			UsedPercent: vm.UsedPercent,
		}
	} else {
		log.Warn("memory info unavailable", "error", err)
	}

	snap.Disks = collectDisks(ctx)
	if topN > 0 {
		snap.TopByMemory = collectTopProcesses(ctx, topN)
	}
	return snap, nil
}

func collectDisks(ctx context.Context) []DiskInfo {
	parts, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		log.Warn("disk partitions unavailable", "error", err)
		return nil
	}

	var disks []DiskInfo
	for _, part := range parts {
		usage, err := disk.UsageWithContext(ctx, part.Mountpoint)
		if err != nil {
			continue
		}
		if usage.Total == 0 {
			continue
		}
		disks = append(disks, DiskInfo{
			Mountpoint:  part.Mountpoint,
			Filesystem:  part.Fstype,
			TotalBytes:  usage.Total,
			FreeBytes:   usage.Free,
			UsedPercent: usage.UsedPercent,
		})
	}
	sort.Slice(disks, func(i, j int) bool { return disks[i].Mountpoint < disks[j].Mountpoint })
	return disks
}

func collectTopProcesses(ctx context.Context, topN int) []ProcessInfo {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		log.Warn("process list unavailable", "error", err)
		return nil
	}

	infos := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		memInfo, err := p.MemoryInfoWithContext(ctx)
		if err != nil || memInfo == nil {
			continue
		}
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cpuPct, _ := p.CPUPercentWithContext(ctx)
		infos = append(infos, ProcessInfo{
			PID:      p.Pid,
			Name:     name,
			RSSBytes: memInfo.RSS,
			CPUPct:   cpuPct,
		})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].RSSBytes > infos[j].RSSBytes })
	if len(infos) > topN {
		infos = infos[:topN]
	}
	return infos
}
